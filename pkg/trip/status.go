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

package trip

import "fmt"

// Status is the lifecycle state of a trip, derived from normalized provider
// statuses. CANCELLED and LANDED are terminal: the scheduler clears
// next_check_at and the engine stops diffing once either is reached.
type Status string

const (
	// StatusScheduled is the initial state for every new trip.
	StatusScheduled Status = "SCHEDULED"
	StatusDelayed   Status = "DELAYED"
	StatusBoarding  Status = "BOARDING"
	// StatusInFlight covers the window between departure and arrival when the
	// provider no longer reports boarding but has not yet reported a landing.
	StatusInFlight  Status = "IN_FLIGHT"
	StatusCancelled Status = "CANCELLED"
	StatusLanded    Status = "LANDED"
)

// IsTerminal returns true if the status is a terminal state.
// Terminal states have no valid outgoing transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCancelled, StatusLanded:
		return true
	default:
		return false
	}
}

// IsValid returns true if the status is a recognized lifecycle state.
func (s Status) IsValid() bool {
	switch s {
	case StatusScheduled, StatusDelayed, StatusBoarding, StatusInFlight,
		StatusCancelled, StatusLanded:
		return true
	default:
		return false
	}
}

// ValidTransitions defines the allowed state machine transitions.
// A delayed flight may recover to SCHEDULED when the carrier reinstates the
// original departure, so DELAYED is not a one-way street. Every non-terminal
// state can be cancelled; a landing report from any non-terminal state wins
// (providers sometimes skip BOARDING entirely on short-haul flights).
var ValidTransitions = map[Status][]Status{
	StatusScheduled: {StatusDelayed, StatusBoarding, StatusInFlight, StatusCancelled, StatusLanded},
	StatusDelayed:   {StatusScheduled, StatusBoarding, StatusInFlight, StatusCancelled, StatusLanded},
	StatusBoarding:  {StatusDelayed, StatusInFlight, StatusCancelled, StatusLanded},
	StatusInFlight:  {StatusCancelled, StatusLanded},
	StatusCancelled: {}, // terminal
	StatusLanded:    {}, // terminal
}

// CanTransition returns true if transitioning from s to target is valid.
func (s Status) CanTransition(target Status) bool {
	for _, allowed := range ValidTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Validate returns an error if the status is not a recognized state.
func (s Status) Validate() error {
	if !s.IsValid() {
		return fmt.Errorf("invalid trip status: %q", s)
	}
	return nil
}
