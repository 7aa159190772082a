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

// Package delivery sends WhatsApp messages through the external messaging
// gateway. It performs no retries of its own; the retry executor owns that.
// A circuit breaker sheds load while the gateway is hard down so a tick
// over hundreds of trips does not queue hundreds of doomed sends.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/valentin-ulloa/bauhaustravel/pkg/metrics"
	"github.com/valentin-ulloa/bauhaustravel/pkg/shared/retry"
)

var tracer = otel.Tracer("bauhaustravel/delivery")

const (
	defaultTextTimeout  = 30 * time.Second
	defaultMediaTimeout = 60 * time.Second
	maxErrorBody        = 512
)

// Result is the gateway's answer for one send.
type Result struct {
	ProviderID   string
	Status       string
	ErrorCode    string
	ErrorMessage string
}

// GatewayError is a non-2xx response from the messaging gateway. The retry
// executor decides retryability from StatusCode.
type GatewayError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *GatewayError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("messaging gateway returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("messaging gateway returned status %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Config configures the gateway client.
type Config struct {
	BaseURL string
	Token   string
	// TextTimeout bounds template and free-text sends (default 30s);
	// MediaTimeout bounds media sends (default 60s).
	TextTimeout  time.Duration
	MediaTimeout time.Duration
	// Metrics is optional; when set, breaker state changes are exported.
	Metrics *metrics.Recorder
}

// Validate checks required fields at construction time.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("messaging gateway base URL is required")
	}
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("messaging gateway token is required")
	}
	return nil
}

// Client talks to the messaging gateway's template, text, and media APIs.
type Client struct {
	baseURL string
	token   string

	textHTTP  *http.Client
	mediaHTTP *http.Client
	breaker   *gobreaker.CircuitBreaker
	log       *zap.Logger
}

// NewClient validates the configuration and returns a ready client.
func NewClient(cfg Config, log *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	textTimeout := cfg.TextTimeout
	if textTimeout <= 0 {
		textTimeout = defaultTextTimeout
	}
	mediaTimeout := cfg.MediaTimeout
	if mediaTimeout <= 0 {
		mediaTimeout = defaultMediaTimeout
	}

	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.Token,
		textHTTP:  &http.Client{Timeout: textTimeout},
		mediaHTTP: &http.Client{Timeout: mediaTimeout},
		log:       log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "messaging-gateway",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Only outage-shaped errors feed the breaker. A 400 for one message
		// is a payload bug, not a reason to stop sending to everyone.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var gerr *GatewayError
			if errors.As(err, &gerr) {
				return !retry.RetryableHTTPStatus(gerr.StatusCode)
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("messaging gateway breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
			cfg.Metrics.RecordGatewayBreakerState(breakerStateValue(to))
		},
	})
	return c, nil
}

type templatePayload struct {
	To         string            `json:"to"`
	TemplateID string            `json:"template_id"`
	Variables  map[string]string `json:"variables"`
}

type textPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type mediaPayload struct {
	To       string `json:"to"`
	MediaURL string `json:"media_url"`
	Caption  string `json:"caption,omitempty"`
}

type gatewayResponse struct {
	MessageID    string `json:"message_id"`
	Status       string `json:"status"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// SendTemplate sends a pre-approved template with positional variables.
func (c *Client) SendTemplate(ctx context.Context, to, templateID string, variables map[string]string) (Result, error) {
	return c.post(ctx, c.textHTTP, "/messages/template", "template",
		templatePayload{To: to, TemplateID: templateID, Variables: variables})
}

// SendText sends a free-text message. Only usable inside the gateway's
// service window; templates are the default path.
func (c *Client) SendText(ctx context.Context, to, body string) (Result, error) {
	return c.post(ctx, c.textHTTP, "/messages/text", "text",
		textPayload{To: to, Body: body})
}

// SendMedia sends a media attachment by URL with an optional caption.
func (c *Client) SendMedia(ctx context.Context, to, mediaURL, caption string) (Result, error) {
	return c.post(ctx, c.mediaHTTP, "/messages/media", "media",
		mediaPayload{To: to, MediaURL: mediaURL, Caption: caption})
}

func (c *Client) post(ctx context.Context, httpClient *http.Client, path, kind string, payload any) (Result, error) {
	ctx, span := tracer.Start(ctx, "delivery.Send",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("gateway.kind", kind))

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, retry.Terminal(fmt.Errorf("encoding gateway payload: %w", err))
	}

	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, httpClient, path, body)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	res := v.(Result)
	span.SetAttributes(attribute.String("gateway.provider_id", res.ProviderID))
	return res, nil
}

func (c *Client) roundTrip(ctx context.Context, httpClient *http.Client, path string, body []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Result{}, retry.Terminal(fmt.Errorf("building gateway request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("messaging gateway request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var parsed gatewayResponse
	if len(raw) > 0 {
		// An unparsable body on an error status is still an error status;
		// keep whatever fields did parse.
		_ = json.Unmarshal(raw, &parsed)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		gerr := &GatewayError{
			StatusCode: resp.StatusCode,
			Code:       parsed.ErrorCode,
			Message:    firstNonEmpty(parsed.ErrorMessage, truncate(string(raw), maxErrorBody)),
		}
		return Result{}, retry.ClassifyHTTPError(resp.StatusCode, gerr)
	}

	return Result{ProviderID: parsed.MessageID, Status: parsed.Status}, nil
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[:n])
}
