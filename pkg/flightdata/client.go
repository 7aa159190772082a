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

// Package flightdata wraps the external flight-status provider behind a
// typed client, adds an in-process response cache, and implements the
// change-detection contract used by the notifications engine.
package flightdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/valentin-ulloa/bauhaustravel/pkg/metrics"
	"github.com/valentin-ulloa/bauhaustravel/pkg/shared/retry"
	"github.com/valentin-ulloa/bauhaustravel/pkg/trip"
)

var tracer = otel.Tracer("bauhaustravel/flightdata")

// SourceTag labels snapshots produced by this client.
const SourceTag = "aeroapi"

const (
	defaultTimeout = 30 * time.Second
	dateLayout     = "2006-01-02"
	maxErrorBody   = 512
)

// Provider fetches one flight-status observation. Implemented by Client and
// decorated by CachedProvider.
type Provider interface {
	GetFlightStatus(ctx context.Context, designator, date string) (*trip.FlightStatusSnapshot, error)
}

// ClientConfig configures the provider HTTP client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	// Timeout bounds one HTTP round-trip. Defaults to 30s.
	Timeout time.Duration
}

// Validate checks required fields at construction time so a missing key
// fails at startup instead of on the first poll.
func (c ClientConfig) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("flight provider base URL is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("flight provider base URL: %w", err)
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("flight provider API key is required")
	}
	return nil
}

// Client is a typed wrapper over the provider's flight query endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger
	metrics *metrics.Recorder
}

// NewClient validates the configuration and returns a ready client.
func NewClient(cfg ClientConfig, log *zap.Logger, rec *metrics.Recorder) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		log:     log,
		metrics: rec,
	}, nil
}

// aeroFlight is the subset of the provider's flight object the core reads.
// The full object is preserved verbatim in the snapshot's Raw field.
type aeroFlight struct {
	Ident           string     `json:"ident"`
	Status          string     `json:"status"`
	GateOrigin      *string    `json:"gate_origin"`
	GateDestination *string    `json:"gate_destination"`
	ScheduledOut    *time.Time `json:"scheduled_out"`
	EstimatedOut    *time.Time `json:"estimated_out"`
	ActualOut       *time.Time `json:"actual_out"`
	ScheduledIn     *time.Time `json:"scheduled_in"`
	EstimatedIn     *time.Time `json:"estimated_in"`
	ActualIn        *time.Time `json:"actual_in"`
}

type flightsResponse struct {
	Flights []json.RawMessage `json:"flights"`
}

// GetFlightStatus queries the provider for one (designator, date) pair and
// returns nil without error when the provider knows no such flight.
//
// Error contract: 401/403 map to ErrUnauthorized, other 4xx except 429 are
// terminal, 429 and 5xx and transport failures are retryable.
func (c *Client) GetFlightStatus(ctx context.Context, designator, date string) (*trip.FlightStatusSnapshot, error) {
	ctx, span := tracer.Start(ctx, "flightdata.GetFlightStatus",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("flight.designator", designator),
		attribute.String("flight.date", date),
	)

	day, err := time.Parse(dateLayout, date)
	if err != nil {
		return nil, retry.Terminal(fmt.Errorf("flight date %q: %w", date, err))
	}

	endpoint := fmt.Sprintf("%s/flights/%s?start=%s&end=%s",
		c.baseURL,
		url.PathEscape(strings.ToUpper(strings.TrimSpace(designator))),
		day.Format(dateLayout),
		day.AddDate(0, 0, 1).Format(dateLayout),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, retry.Terminal(fmt.Errorf("building provider request: %w", err))
	}
	req.Header.Set("x-apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordProviderRequest("network_error")
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("flight provider request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// handled below
	case resp.StatusCode == http.StatusNotFound:
		c.metrics.RecordProviderRequest("not_found")
		c.log.Debug("flight not known to provider",
			zap.String("flight", designator), zap.String("date", date))
		return nil, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.metrics.RecordProviderRequest("unauthorized")
		span.SetStatus(codes.Error, "unauthorized")
		return nil, retry.Terminal(fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		perr := &ProviderError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		span.SetStatus(codes.Error, perr.Error())
		if retry.RetryableHTTPStatus(resp.StatusCode) {
			c.metrics.RecordProviderRequest("server_error")
			return nil, perr
		}
		c.metrics.RecordProviderRequest("client_error")
		return nil, retry.Terminal(perr)
	}

	var parsed flightsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		c.metrics.RecordProviderRequest("decode_error")
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("decoding provider response: %w", err)
	}
	if len(parsed.Flights) == 0 {
		c.metrics.RecordProviderRequest("not_found")
		return nil, nil
	}

	raw, flight := pickLeg(parsed.Flights, day)
	c.metrics.RecordProviderRequest("ok")

	snap := &trip.FlightStatusSnapshot{
		Status:          flight.Status,
		GateOrigin:      flight.GateOrigin,
		GateDestination: flight.GateDestination,
		EstimatedOut:    flight.EstimatedOut,
		ActualOut:       flight.ActualOut,
		EstimatedIn:     flight.EstimatedIn,
		ActualIn:        flight.ActualIn,
		Raw:             raw,
		RecordedAt:      time.Now().UTC(),
		Source:          SourceTag,
	}
	c.log.Debug("fetched flight status",
		zap.String("flight", designator),
		zap.String("date", date),
		zap.String("status", snap.Status))
	return snap, nil
}

// pickLeg selects the leg departing on the requested day. Multi-leg
// designators return every leg in the window; the scheduled-out date
// disambiguates. Falls back to the first leg.
func pickLeg(raws []json.RawMessage, day time.Time) (json.RawMessage, aeroFlight) {
	var (
		first      aeroFlight
		firstRaw   json.RawMessage
		firstValid bool
	)
	for _, raw := range raws {
		var f aeroFlight
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		if !firstValid {
			first, firstRaw, firstValid = f, raw, true
		}
		if f.ScheduledOut != nil && f.ScheduledOut.UTC().Format(dateLayout) == day.Format(dateLayout) {
			return raw, f
		}
	}
	return firstRaw, first
}
