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

// Package retry executes operations against external services with bounded
// exponential backoff. Errors are retryable unless explicitly marked
// terminal; HTTP 4xx responses other than 429 are the usual terminal case.
package retry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/valentin-ulloa/bauhaustravel/pkg/shared/backoff"
)

// Policy bounds the retry loop for one class of external service.
type Policy struct {
	// Name tags log lines and metrics.
	Name        string
	MaxAttempts int
	Backoff     backoff.Config
}

// Per-service policies. The messaging gateway gets the tightest budget:
// a passenger-facing send that is still failing after one retry is better
// logged as FAILED than delivered minutes late.
var (
	FlightProviderPolicy = Policy{
		Name:        "flight_provider",
		MaxAttempts: 3,
		Backoff:     backoff.Config{BasePeriod: 2 * time.Second, MaxPeriod: 30 * time.Second, Multiplier: 2, Jitter: true},
	}
	MessagingPolicy = Policy{
		Name:        "messaging_gateway",
		MaxAttempts: 2,
		Backoff:     backoff.Config{BasePeriod: 500 * time.Millisecond, MaxPeriod: 5 * time.Second, Multiplier: 2, Jitter: true},
	}
	DatabasePolicy = Policy{
		Name:        "database",
		MaxAttempts: 2,
		Backoff:     backoff.Config{BasePeriod: 100 * time.Millisecond, MaxPeriod: time.Second, Multiplier: 2, Jitter: false},
	}
)

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	return p.Backoff.Validate()
}

type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks an error as non-retryable. Do returns it immediately
// without consuming further attempts. A nil error stays nil.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err (or anything it wraps) was marked Terminal.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// RetryableHTTPStatus reports whether an HTTP response status warrants a
// retry. 429 and the transient 5xx family do; every other 4xx is a caller
// bug or a permanent rejection and retrying only burns provider quota.
func RetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// ClassifyHTTPError wraps err as Terminal when the status code is a
// non-retryable HTTP failure, and returns it unchanged otherwise.
func ClassifyHTTPError(code int, err error) error {
	if err == nil {
		return nil
	}
	if code >= 400 && code < 500 && !RetryableHTTPStatus(code) {
		return Terminal(err)
	}
	return err
}

// Do runs op under the policy until it succeeds, returns a terminal error,
// the context is cancelled, or attempts are exhausted. It returns the number
// of attempts actually made so callers can record a retry count.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) (int, error) {
	attempts := 0
	var lastErr error

	for attempts < p.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return attempts, err
		}

		attempts++
		lastErr = op(ctx)
		if lastErr == nil {
			return attempts, nil
		}
		if IsTerminal(lastErr) || errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return attempts, lastErr
		}
		if attempts == p.MaxAttempts {
			break
		}

		timer := time.NewTimer(p.Backoff.Delay(attempts - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempts, ctx.Err()
		case <-timer.C:
		}
	}
	return attempts, lastErr
}
