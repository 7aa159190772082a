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

// Package notification orchestrates one trip cycle: diff the fresh flight
// status against the last known one, apply delivery policy (quiet hours,
// delay dedup, idempotency), render the template, send through the gateway
// with retries, and record every attempt in the notification log.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/valentin-ulloa/bauhaustravel/pkg/airports"
	"github.com/valentin-ulloa/bauhaustravel/pkg/flightdata"
	"github.com/valentin-ulloa/bauhaustravel/pkg/metrics"
	"github.com/valentin-ulloa/bauhaustravel/pkg/notification/delivery"
	"github.com/valentin-ulloa/bauhaustravel/pkg/notification/template"
	"github.com/valentin-ulloa/bauhaustravel/pkg/shared/retry"
	"github.com/valentin-ulloa/bauhaustravel/pkg/trip"
)

var tracer = otel.Tracer("bauhaustravel/notification")

const flightDateLayout = "2006-01-02"

// Sentinel errors for SendSingle, so the HTTP layer can map them to
// status codes without string matching.
var (
	ErrUnknownKind  = errors.New("unknown notification kind")
	ErrTripNotFound = errors.New("trip not found")
)

// TripStore is the persistence contract the engine consumes. The storage
// package provides the production implementation.
type TripStore interface {
	TripByID(ctx context.Context, id uuid.UUID) (*trip.Trip, error)
	UpdateTrip(ctx context.Context, id uuid.UUID, patch trip.Patch) error
	LatestStatus(ctx context.Context, tripID uuid.UUID) (*trip.FlightStatusSnapshot, error)
	AppendStatus(ctx context.Context, snap *trip.FlightStatusSnapshot) error
	FindSent(ctx context.Context, tripID uuid.UUID, kind trip.NotificationKind, hash string) (bool, error)
	AppendNotification(ctx context.Context, entry *trip.NotificationLogEntry) error
	RecentDelaySends(ctx context.Context, tripID uuid.UUID, within time.Duration) ([]trip.NotificationLogEntry, error)
}

// FlightSource provides flight observations. Refresh bypasses any caching;
// boarding-gate enrichment needs data newer than the poll that triggered it.
type FlightSource interface {
	GetFlightStatus(ctx context.Context, designator, date string) (*trip.FlightStatusSnapshot, error)
	Refresh(ctx context.Context, designator, date string) (*trip.FlightStatusSnapshot, error)
}

// Messenger sends WhatsApp messages. Implemented by delivery.Client.
type Messenger interface {
	SendTemplate(ctx context.Context, to, templateID string, variables map[string]string) (delivery.Result, error)
	SendText(ctx context.Context, to, body string) (delivery.Result, error)
	SendMedia(ctx context.Context, to, mediaURL, caption string) (delivery.Result, error)
}

// DedupCache is a best-effort cache in front of the notification log's
// sent-lookup. Errors are ignored; the log's partial unique index is the
// authority.
type DedupCache interface {
	SeenSent(ctx context.Context, tripID uuid.UUID, kind trip.NotificationKind, hash string) (bool, error)
	MarkSent(ctx context.Context, tripID uuid.UUID, kind trip.NotificationKind, hash string, ttl time.Duration) error
}

// Alerter raises critical operator alerts (credential failures, missing
// templates). The affected trip is skipped, never marked terminal.
type Alerter interface {
	Critical(ctx context.Context, summary string, err error)
}

// Config tunes the engine's delivery policy.
type Config struct {
	QuietWindow   airports.QuietWindow
	DelayCooldown time.Duration
	SameETAWindow time.Duration
	ReminderLead  time.Duration
	// SentCacheTTL bounds DedupCache entries. Anything outliving the trip
	// itself is wasted memory, so two days is generous.
	SentCacheTTL time.Duration

	ProviderPolicy  retry.Policy
	MessagingPolicy retry.Policy
}

func (c *Config) applyDefaults() {
	if c.QuietWindow == (airports.QuietWindow{}) {
		c.QuietWindow = airports.DefaultQuietWindow
	}
	if c.DelayCooldown <= 0 {
		c.DelayCooldown = 15 * time.Minute
	}
	if c.SameETAWindow <= 0 {
		c.SameETAWindow = 2 * time.Hour
	}
	if c.ReminderLead <= 0 {
		c.ReminderLead = 24 * time.Hour
	}
	if c.SentCacheTTL <= 0 {
		c.SentCacheTTL = 48 * time.Hour
	}
	if c.ProviderPolicy.MaxAttempts == 0 {
		c.ProviderPolicy = retry.FlightProviderPolicy
	}
	if c.MessagingPolicy.MaxAttempts == 0 {
		c.MessagingPolicy = retry.MessagingPolicy
	}
}

// Dependencies are the engine's collaborators. Store, Flights, Messenger,
// and Templates are required; the rest degrade gracefully when nil.
type Dependencies struct {
	Store     TripStore
	Flights   FlightSource
	Messenger Messenger
	Templates *template.Registry

	Cache   DedupCache
	Alerter Alerter
	Metrics *metrics.Recorder
	Logger  *zap.Logger
	// Clock is overridable for tests.
	Clock func() time.Time
}

// Engine drives detection, policy, templating, delivery, and logging for
// one trip at a time. It holds no per-trip state; all persistence goes
// through TripStore.
type Engine struct {
	store     TripStore
	flights   FlightSource
	messenger Messenger
	templates *template.Registry
	cache     DedupCache
	alerter   Alerter
	metrics   *metrics.Recorder
	log       *zap.Logger
	cfg       Config
	clock     func() time.Time
}

// NewEngine validates dependencies and returns a ready engine.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("notification engine requires a trip store")
	}
	if deps.Flights == nil {
		return nil, errors.New("notification engine requires a flight source")
	}
	if deps.Messenger == nil {
		return nil, errors.New("notification engine requires a messenger")
	}
	if deps.Templates == nil {
		return nil, errors.New("notification engine requires a template registry")
	}
	cfg.applyDefaults()

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		store:     deps.Store,
		flights:   deps.Flights,
		messenger: deps.Messenger,
		templates: deps.Templates,
		cache:     deps.Cache,
		alerter:   deps.Alerter,
		metrics:   deps.Metrics,
		log:       log,
		cfg:       cfg,
		clock:     clock,
	}, nil
}

// CycleResult summarizes one trip cycle for the scheduler, which recomputes
// next_check_at from the resulting lifecycle status and arrival estimate.
type CycleResult struct {
	// Status is the trip's lifecycle state after the cycle.
	Status trip.Status
	// Snapshot is the fresh observation, nil when the provider had nothing.
	Snapshot   *trip.FlightStatusSnapshot
	Changes    int
	Dispatched int
}

// EstimatedArrival extracts the best arrival estimate from the cycle's
// snapshot, preferring the actual over the estimated time.
func (r CycleResult) EstimatedArrival() *time.Time {
	if r.Snapshot == nil {
		return nil
	}
	if r.Snapshot.ActualIn != nil {
		return r.Snapshot.ActualIn
	}
	return r.Snapshot.EstimatedIn
}

// flightDate is the provider query date: the departure day in origin local
// time.
func flightDate(t *trip.Trip) string {
	return airports.ToLocal(t.DepartureUTC, t.OriginIATA).Format(flightDateLayout)
}

// ProcessTrip runs one full cycle for a due trip. Provider failures are
// returned for observability but the result is always usable: the caller
// advances next_check_at by the normal formula either way.
func (e *Engine) ProcessTrip(ctx context.Context, t *trip.Trip) (CycleResult, error) {
	ctx, span := tracer.Start(ctx, "notification.ProcessTrip")
	defer span.End()
	span.SetAttributes(
		attribute.String("trip.id", t.ID.String()),
		attribute.String("trip.flight", t.FlightNumber),
	)

	result := CycleResult{Status: t.Status}

	if t.Status.IsTerminal() {
		// A terminal trip with a live next_check_at is an invariant
		// violation; repair it and move on.
		e.log.Warn("terminal trip picked up for polling, clearing next_check_at",
			zap.String("trip_id", t.ID.String()), zap.String("status", string(t.Status)))
		if err := e.store.UpdateTrip(ctx, t.ID, trip.Patch{ClearNextCheck: true}); err != nil {
			e.log.Error("failed to clear next_check_at", zap.String("trip_id", t.ID.String()), zap.Error(err))
		}
		return result, nil
	}

	previous, err := e.store.LatestStatus(ctx, t.ID)
	if err != nil {
		e.log.Warn("loading previous snapshot failed, treating cycle as baseline",
			zap.String("trip_id", t.ID.String()), zap.Error(err))
		previous = nil
	}

	date := flightDate(t)
	var current *trip.FlightStatusSnapshot
	attempts, err := retry.Do(ctx, e.cfg.ProviderPolicy, func(ctx context.Context) error {
		var ferr error
		current, ferr = e.flights.GetFlightStatus(ctx, t.FlightNumber, date)
		return ferr
	})
	if err != nil {
		if errors.Is(err, flightdata.ErrUnauthorized) {
			e.alert(ctx, "flight provider rejected credentials", err)
		}
		e.log.Warn("flight status fetch failed",
			zap.String("trip_id", t.ID.String()),
			zap.String("flight", t.FlightNumber),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return result, err
	}
	if current == nil {
		e.log.Debug("provider has no data for flight",
			zap.String("flight", t.FlightNumber), zap.String("date", date))
		return result, nil
	}

	changes := flightdata.Consolidate(flightdata.DetectChanges(current, previous))
	result.Changes = len(changes)

	current.TripID = t.ID
	if err := e.store.AppendStatus(ctx, current); err != nil {
		// Recoverable: the next cycle re-detects the same changes and
		// idempotency hashing blocks duplicate sends.
		e.log.Warn("persisting snapshot failed", zap.String("trip_id", t.ID.String()), zap.Error(err))
	}
	result.Snapshot = current

	e.applyTripUpdates(ctx, t, current, &result)

	cancelledThisCycle := false
	for _, c := range changes {
		if c.Kind == trip.ChangeCancellation {
			cancelledThisCycle = true
			break
		}
	}

	for _, change := range changes {
		if change.NotificationKind == "" {
			continue
		}
		if cancelledThisCycle && change.Kind == trip.ChangeBoarding {
			// A boarding call for a flight cancelled in the same cycle
			// would only confuse the passenger.
			e.suppress(ctx, t, trip.KindBoarding,
				map[string]string{"event": "BOARDING"}, "superseded_by_cancellation", nil)
			continue
		}
		res := e.dispatchChange(ctx, t, change, current)
		if res.Status == DispatchSent {
			result.Dispatched++
		}
	}

	if res := e.maybeSendReminder(ctx, t, result.Status); res.Status == DispatchSent {
		result.Dispatched++
	}

	return result, nil
}

// applyTripUpdates persists the lifecycle transition and fresh gate from a
// snapshot. Fresh null values never overwrite known ones.
func (e *Engine) applyTripUpdates(ctx context.Context, t *trip.Trip, current *trip.FlightStatusSnapshot, result *CycleResult) {
	patch := trip.Patch{}

	newStatus := flightdata.NextLifecycleStatus(t.Status, current)
	if newStatus != t.Status && t.Status.CanTransition(newStatus) {
		patch.Status = &newStatus
	}
	if g := current.GateOrigin; g != nil && *g != "" && (t.Gate == nil || *t.Gate != *g) {
		patch.Gate = g
	}
	if patch.IsZero() {
		return
	}

	if err := e.store.UpdateTrip(ctx, t.ID, patch); err != nil {
		e.log.Warn("updating trip from snapshot failed",
			zap.String("trip_id", t.ID.String()), zap.Error(err))
		return
	}
	if patch.Status != nil {
		e.log.Info("trip status transition",
			zap.String("trip_id", t.ID.String()),
			zap.String("from", string(t.Status)),
			zap.String("to", string(*patch.Status)))
		t.Status = *patch.Status
		result.Status = *patch.Status
	}
	if patch.Gate != nil {
		t.Gate = patch.Gate
	}
}

// maybeSendReminder dispatches REMINDER_24H once the departure is inside
// the reminder window. The stable payload makes the send once-per-trip; the
// quiet-hours policy inside dispatch may still defer it to a later cycle.
func (e *Engine) maybeSendReminder(ctx context.Context, t *trip.Trip, status trip.Status) DispatchResult {
	if status != trip.StatusScheduled && status != trip.StatusDelayed {
		return DispatchResult{Status: DispatchSkipped}
	}
	remaining := t.DepartureUTC.Sub(e.clock())
	if remaining <= 0 || remaining > e.cfg.ReminderLead {
		return DispatchResult{Status: DispatchSkipped}
	}
	payload := map[string]string{
		"departure_utc": t.DepartureUTC.UTC().Format(time.RFC3339),
	}
	return e.dispatch(ctx, t, trip.KindReminder24h, payload, nil)
}

// SendReservationConfirmation dispatches the immediate post-creation
// message. Idempotent per trip: the payload is stable, so a retried
// creation request cannot double-send.
func (e *Engine) SendReservationConfirmation(ctx context.Context, t *trip.Trip) DispatchResult {
	payload := map[string]string{
		"flight":        t.FlightNumber,
		"departure_utc": t.DepartureUTC.UTC().Format(time.RFC3339),
	}
	return e.dispatch(ctx, t, trip.KindReservationConfirmation, payload, nil)
}

// SendSingle is the entry point for external callers (itinerary pipeline,
// operator tools): one kind, one trip, optional extra template values. The
// extra map doubles as the idempotency payload, so replaying the same call
// is a no-op.
func (e *Engine) SendSingle(ctx context.Context, tripID uuid.UUID, kind trip.NotificationKind, extra map[string]string) (DispatchResult, error) {
	if !kind.IsValid() {
		return DispatchResult{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	t, err := e.store.TripByID(ctx, tripID)
	if err != nil {
		return DispatchResult{}, err
	}
	if t == nil {
		return DispatchResult{}, fmt.Errorf("%w: %s", ErrTripNotFound, tripID)
	}

	payload := map[string]string{"event": string(kind)}
	for k, v := range extra {
		payload[k] = v
	}
	return e.dispatch(ctx, t, kind, payload, extra), nil
}

func (e *Engine) alert(ctx context.Context, summary string, err error) {
	if e.alerter == nil {
		return
	}
	e.alerter.Critical(ctx, summary, err)
}
