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

// Package backoff computes exponential retry delays with optional jitter.
package backoff

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config describes an exponential backoff curve.
// Delay for attempt n (0-based) is min(BasePeriod * Multiplier^n, MaxPeriod),
// multiplied by a uniform factor in [0.5, 1.5) when Jitter is set.
type Config struct {
	BasePeriod time.Duration
	MaxPeriod  time.Duration
	Multiplier float64
	Jitter     bool
}

// Validate checks the configuration for values that would produce zero or
// shrinking delays.
func (c Config) Validate() error {
	if c.BasePeriod <= 0 {
		return fmt.Errorf("base period must be positive, got %v", c.BasePeriod)
	}
	if c.MaxPeriod < c.BasePeriod {
		return fmt.Errorf("max period %v is below base period %v", c.MaxPeriod, c.BasePeriod)
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1, got %v", c.Multiplier)
	}
	return nil
}

// Delay returns the backoff for the given 0-based attempt number.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(c.BasePeriod) * math.Pow(c.Multiplier, float64(attempt))
	if max := float64(c.MaxPeriod); d > max {
		d = max
	}
	if c.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}
