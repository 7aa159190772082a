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

import "time"

// Patch is a field-wise merge for UpdateTrip. Nil fields are left untouched.
// next_check_at is the only column that may be cleared to null, and only via
// the explicit flag; a known gate or status is never overwritten with null.
type Patch struct {
	Status      *Status
	Gate        *string
	NextCheckAt *time.Time
	// ClearNextCheck sets next_check_at to null, ending polling for the
	// trip. Ignored when NextCheckAt is also set.
	ClearNextCheck bool
}

// IsZero reports whether the patch would change nothing.
func (p Patch) IsZero() bool {
	return p.Status == nil && p.Gate == nil && p.NextCheckAt == nil && !p.ClearNextCheck
}
