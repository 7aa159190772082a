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

package flightdata

import (
	"strings"
	"time"

	"github.com/valentin-ulloa/bauhaustravel/pkg/trip"
)

// Classify maps a raw provider status string to a lifecycle state using
// case-insensitive keyword matching. ok is false when the string carries no
// lifecycle signal ("Scheduled", "On Time", "En Route").
//
// Precedence: a cancellation always wins, then terminal arrival keywords,
// then boarding, then delay. "Arrived / Delayed" is an arrival, not a delay.
func Classify(raw string) (trip.Status, bool) {
	s := strings.ToLower(raw)
	switch {
	case strings.Contains(s, "cancel"):
		return trip.StatusCancelled, true
	case strings.Contains(s, "landed"), strings.Contains(s, "arrived"), strings.Contains(s, "completed"):
		return trip.StatusLanded, true
	case strings.Contains(s, "board"):
		return trip.StatusBoarding, true
	case strings.Contains(s, "delay"), strings.Contains(s, "late"):
		return trip.StatusDelayed, true
	}
	return "", false
}

// DetectChanges diffs the current snapshot against the previous one and
// emits one Change per differing field: normalized status, origin gate, and
// estimated-out timestamp.
//
// A nil previous snapshot is the baseline poll. It only produces a status
// change when the fresh status classifies to an actionable state, and never
// produces gate or ETA changes (there is no prior value the passenger saw).
func DetectChanges(current, previous *trip.FlightStatusSnapshot) []trip.Change {
	if current == nil {
		return nil
	}

	var changes []trip.Change

	var prevStatus string
	if previous != nil {
		prevStatus = previous.Status
	}
	if c, ok := statusChange(current.Status, prevStatus); ok {
		changes = append(changes, c)
	}

	if previous != nil {
		if c, ok := gateChange(current.GateOrigin, previous.GateOrigin); ok {
			changes = append(changes, c)
		}
		if c, ok := etaChange(current.EstimatedOut, previous.EstimatedOut); ok {
			changes = append(changes, c)
		}
	}
	return changes
}

func statusChange(current, previous string) (trip.Change, bool) {
	curClass, curOK := Classify(current)
	prevClass, _ := Classify(previous)
	if curClass == prevClass {
		return trip.Change{}, false
	}
	// A transition into an unclassified state (a delay resolving back to
	// "On Time") updates the trip but tells the passenger nothing.
	if !curOK {
		return trip.Change{
			Kind:     trip.ChangeStatus,
			OldValue: previous,
			NewValue: current,
		}, true
	}

	c := trip.Change{OldValue: previous, NewValue: current}
	switch curClass {
	case trip.StatusCancelled:
		c.Kind = trip.ChangeCancellation
		c.NotificationKind = trip.KindCancelled
	case trip.StatusBoarding:
		c.Kind = trip.ChangeBoarding
		c.NotificationKind = trip.KindBoarding
	case trip.StatusLanded:
		c.Kind = trip.ChangeLanding
		c.NotificationKind = trip.KindLandingWelcome
	case trip.StatusDelayed:
		c.Kind = trip.ChangeStatus
		c.NotificationKind = trip.KindDelayed
	}
	return c, true
}

func gateChange(current, previous *string) (trip.Change, bool) {
	// Gate news is only news when the passenger could have seen the old
	// gate. First assignment rides along with BOARDING; removal is noise.
	if current == nil || previous == nil || *current == "" || *previous == "" || *current == *previous {
		return trip.Change{}, false
	}
	return trip.Change{
		Kind:             trip.ChangeGate,
		OldValue:         *previous,
		NewValue:         *current,
		NotificationKind: trip.KindGateChange,
	}, true
}

func etaChange(current, previous *time.Time) (trip.Change, bool) {
	if current == nil || previous == nil || current.Equal(*previous) {
		return trip.Change{}, false
	}
	return trip.Change{
		Kind:             trip.ChangeDepartureTime,
		OldValue:         previous.UTC().Format(time.RFC3339),
		NewValue:         current.UTC().Format(time.RFC3339),
		NotificationKind: trip.KindDelayed,
	}, true
}

// Consolidate collapses the changes of one polling cycle: changes are
// grouped by kind, a group whose first old value equals its last new value
// is a ping-pong and is dropped, and every surviving group is reduced to a
// single Change spanning first.old to last.new.
func Consolidate(changes []trip.Change) []trip.Change {
	if len(changes) <= 1 {
		return changes
	}

	order := make([]trip.ChangeKind, 0, len(changes))
	groups := map[trip.ChangeKind][]trip.Change{}
	for _, c := range changes {
		if _, seen := groups[c.Kind]; !seen {
			order = append(order, c.Kind)
		}
		groups[c.Kind] = append(groups[c.Kind], c)
	}

	out := make([]trip.Change, 0, len(order))
	for _, kind := range order {
		group := groups[kind]
		first, last := group[0], group[len(group)-1]
		if first.OldValue == last.NewValue {
			continue
		}
		out = append(out, trip.Change{
			Kind:             kind,
			OldValue:         first.OldValue,
			NewValue:         last.NewValue,
			NotificationKind: last.NotificationKind,
		})
	}
	return out
}

// NextLifecycleStatus derives the trip's lifecycle state from a fresh
// snapshot, falling back to IN_FLIGHT once a departure has actually been
// observed. The state machine still gates the final transition.
func NextLifecycleStatus(current trip.Status, snap *trip.FlightStatusSnapshot) trip.Status {
	if snap == nil {
		return current
	}
	if class, ok := Classify(snap.Status); ok {
		return class
	}
	if snap.ActualOut != nil && !current.IsTerminal() {
		return trip.StatusInFlight
	}
	return current
}
