/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package airports

import (
	"fmt"
	"strings"
	"time"
)

// Spanish abbreviations used in every passenger-facing timestamp.
var (
	weekdaysES = [7]string{"Dom", "Lun", "Mar", "Mié", "Jue", "Vie", "Sáb"}
	monthsES   = [12]string{"Ene", "Feb", "Mar", "Abr", "May", "Jun", "Jul", "Ago", "Sep", "Oct", "Nov", "Dic"}
)

// departureLayouts are the accepted ingress formats for departure_date, in
// match order. Layouts without a zone are interpreted in the origin airport's
// timezone.
var departureLayouts = []struct {
	layout string
	zoned  bool
}{
	{time.RFC3339, true},
	{"2006-01-02T15:04Z07:00", true},
	{"2006-01-02T15:04:05", false},
	{"2006-01-02T15:04", false},
}

// ToLocal converts a UTC instant to the airport's local time.
// Unknown IATA codes leave the instant in UTC.
func ToLocal(t time.Time, iata string) time.Time {
	return t.In(Location(iata))
}

// ToUTC interprets the wall-clock components of local in the airport's
// timezone and returns the corresponding UTC instant.
func ToUTC(local time.Time, iata string) time.Time {
	loc := Location(iata)
	return time.Date(local.Year(), local.Month(), local.Day(),
		local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), loc).UTC()
}

// ParseDeparture parses a departure_date value from trip ingress. Values
// carrying an explicit offset or Z are absolute; naive values are local to
// the origin airport. The result is always UTC.
func ParseDeparture(value, originIATA string) (time.Time, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return time.Time{}, fmt.Errorf("departure_date is empty")
	}
	for _, l := range departureLayouts {
		t, err := time.Parse(l.layout, s)
		if err != nil {
			continue
		}
		if l.zoned {
			return t.UTC(), nil
		}
		return ToUTC(t, originIATA), nil
	}
	return time.Time{}, fmt.Errorf("departure_date %q: unrecognized format", value)
}

// FormatHuman renders an instant as local airport time for message
// templates, e.g. "Mar 8 Jul 22:05 hs (LHR)".
func FormatHuman(t time.Time, iata string) string {
	local := ToLocal(t, iata)
	return fmt.Sprintf("%s (%s)", formatES(local), strings.ToUpper(strings.TrimSpace(iata)))
}

// FormatClean is FormatHuman without the airport suffix, used where the
// template text already names the airport, e.g. "Mar 8 Jul 22:05 hs".
func FormatClean(t time.Time, iata string) string {
	return formatES(ToLocal(t, iata))
}

func formatES(local time.Time) string {
	return fmt.Sprintf("%s %d %s %02d:%02d hs",
		weekdaysES[local.Weekday()],
		local.Day(),
		monthsES[local.Month()-1],
		local.Hour(), local.Minute())
}

// QuietWindow is the local-time span during which non-urgent notifications
// are held. StartHour is inclusive, EndHour exclusive; the window wraps
// midnight when StartHour > EndHour (the default "20-09").
type QuietWindow struct {
	StartHour int
	EndHour   int
}

// DefaultQuietWindow holds messages between 20:00 and 09:00 local.
var DefaultQuietWindow = QuietWindow{StartHour: 20, EndHour: 9}

// ParseQuietWindow parses the "HH-HH" environment form, e.g. "20-09".
func ParseQuietWindow(s string) (QuietWindow, error) {
	var start, end int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d-%d", &start, &end); err != nil {
		return QuietWindow{}, fmt.Errorf("quiet hours %q: expected \"HH-HH\": %w", s, err)
	}
	if start < 0 || start > 23 || end < 0 || end > 23 {
		return QuietWindow{}, fmt.Errorf("quiet hours %q: hours must be 0-23", s)
	}
	return QuietWindow{StartHour: start, EndHour: end}, nil
}

// Contains reports whether the local hour falls inside the window.
func (w QuietWindow) Contains(local time.Time) bool {
	h := local.Hour()
	if w.StartHour > w.EndHour {
		return h >= w.StartHour || h < w.EndHour
	}
	return h >= w.StartHour && h < w.EndHour
}

// IsQuietHoursLocal reports whether the instant falls inside the window at
// the airport's local time. Unknown airports are never quiet: with no
// timezone to trust, suppressing a reminder is worse than sending it at an
// odd hour.
func IsQuietHoursLocal(t time.Time, iata string, w QuietWindow) bool {
	if !Known(iata) {
		return false
	}
	return w.Contains(ToLocal(t, iata))
}
