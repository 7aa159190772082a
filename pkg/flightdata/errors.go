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
	"errors"
	"fmt"
)

// ErrUnauthorized means the provider rejected our credentials. The caller
// should raise a critical alert; retrying cannot help until the key is fixed.
var ErrUnauthorized = errors.New("flight provider rejected credentials")

// ProviderError is a non-2xx response from the flight-data provider.
// Whether it is retryable is decided by the retry package from StatusCode.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("flight provider returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("flight provider returned status %d: %s", e.StatusCode, e.Body)
}
