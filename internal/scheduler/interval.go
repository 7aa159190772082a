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

package scheduler

import (
	"time"

	"github.com/valentin-ulloa/bauhaustravel/pkg/trip"
)

// Poll cadence bands. Far from departure a trip is checked rarely; the
// cadence tightens as departure approaches and again around the arrival
// estimate, where a landing can slip past a coarse interval.
const (
	farInterval      = 6 * time.Hour
	nearInterval     = time.Hour
	imminentInterval = 15 * time.Minute

	cruiseInterval     = 30 * time.Minute
	landingInterval    = 10 * time.Minute
	landedHuntInterval = time.Hour

	farThreshold  = 24 * time.Hour
	nearThreshold = 4 * time.Hour

	// arrivalApproach opens the tight landing watch one hour before the
	// arrival estimate; arrivalLinger keeps it up half an hour past it
	// before falling back to the slow hunt for a late landing report.
	arrivalApproach = time.Hour
	arrivalLinger   = 30 * time.Minute
)

// NextCheck computes the next poll time for a trip, or nil when the trip is
// terminal and polling must stop. Cadence is picked from the time until
// departure, or from the arrival estimate once the trip is past departure
// (or the provider already reports it in the air).
//
// Boundaries are inclusive towards the tighter cadence: a trip exactly four
// hours from departure is already on the 15-minute band, and a trip exactly
// on the arrival estimate plus thirty minutes still gets the landing watch.
func NextCheck(departureUTC, now time.Time, status trip.Status, estimatedArrival *time.Time) *time.Time {
	if status.IsTerminal() {
		return nil
	}

	var wait time.Duration
	if status == trip.StatusInFlight || !now.Before(departureUTC) {
		wait = inFlightInterval(now, estimatedArrival)
	} else {
		switch until := departureUTC.Sub(now); {
		case until > farThreshold:
			wait = farInterval
		case until > nearThreshold:
			wait = nearInterval
		default:
			wait = imminentInterval
		}
	}

	next := now.Add(wait)
	return &next
}

// inFlightInterval picks the post-departure cadence: relaxed in cruise,
// tight from one hour before the arrival estimate until thirty minutes
// after it, then slow once the estimate is long past and only a late
// landing report is still expected. An unknown estimate keeps the cruise
// cadence so the first snapshot carrying one is not missed by much.
func inFlightInterval(now time.Time, estimatedArrival *time.Time) time.Duration {
	if estimatedArrival == nil {
		return cruiseInterval
	}
	arrival := *estimatedArrival
	switch {
	case now.Before(arrival.Add(-arrivalApproach)):
		return cruiseInterval
	case !now.After(arrival.Add(arrivalLinger)):
		return landingInterval
	default:
		return landedHuntInterval
	}
}
