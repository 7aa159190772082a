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

package notification

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/valentin-ulloa/bauhaustravel/pkg/airports"
	"github.com/valentin-ulloa/bauhaustravel/pkg/notification/delivery"
	"github.com/valentin-ulloa/bauhaustravel/pkg/notification/template"
	"github.com/valentin-ulloa/bauhaustravel/pkg/shared/retry"
	"github.com/valentin-ulloa/bauhaustravel/pkg/trip"
)

// DispatchStatus is the outcome of one pass through the dispatch pipeline.
type DispatchStatus string

const (
	DispatchSkipped     DispatchStatus = "SKIPPED"
	DispatchSent        DispatchStatus = "SENT"
	DispatchAlreadySent DispatchStatus = "ALREADY_SENT"
	DispatchSuppressed  DispatchStatus = "SUPPRESSED"
	DispatchFailed      DispatchStatus = "FAILED"
)

// Suppression reasons recorded in the notification log.
const (
	ReasonQuietHours    = "quiet_hours"
	ReasonDelayCooldown = "delay_cooldown"
	ReasonDelaySameETA  = "delay_same_eta"
)

// DispatchResult reports what the pipeline did with one notification.
type DispatchResult struct {
	Status     DispatchStatus
	Reason     string
	ProviderID string
	Attempts   int
	Hash       string
}

// dispatchChange translates a consolidated Change into the (kind, payload,
// extra) triple the pipeline works with.
func (e *Engine) dispatchChange(ctx context.Context, t *trip.Trip, change trip.Change, current *trip.FlightStatusSnapshot) DispatchResult {
	payload := map[string]string{}
	extra := map[string]string{}

	switch change.Kind {
	case trip.ChangeCancellation:
		payload["event"] = "CANCELLED"
	case trip.ChangeBoarding:
		payload["event"] = "BOARDING"
	case trip.ChangeLanding:
		payload["event"] = "LANDED"
	case trip.ChangeGate:
		payload["old_gate"] = change.OldValue
		payload["new_gate"] = change.NewValue
		extra["new_gate"] = change.NewValue
	case trip.ChangeDepartureTime, trip.ChangeStatus:
		// Both flavors of delay share the rounded ETA as their payload, so
		// a status flip and an ETA move in one cycle produce one message.
		eta, ok := delayETA(change, current)
		if ok {
			payload["eta_round"] = FloorETA(eta)
			extra["new_eta_human"] = airports.FormatHuman(eta, t.OriginIATA)
		} else {
			payload["eta_round"] = "unknown"
		}
	}

	return e.dispatch(ctx, t, change.NotificationKind, payload, extra)
}

func delayETA(change trip.Change, current *trip.FlightStatusSnapshot) (time.Time, bool) {
	if change.Kind == trip.ChangeDepartureTime {
		if eta, err := time.Parse(time.RFC3339, change.NewValue); err == nil {
			return eta, true
		}
	}
	if current != nil && current.EstimatedOut != nil {
		return *current.EstimatedOut, true
	}
	return time.Time{}, false
}

// dispatch is the policy pipeline for one (trip, kind, payload) triple:
// quiet hours, gate enrichment, delay dedup, idempotency, template build,
// delivery with retries, and the log write.
func (e *Engine) dispatch(ctx context.Context, t *trip.Trip, kind trip.NotificationKind, payload, extra map[string]string) DispatchResult {
	ctx, span := tracer.Start(ctx, "notification.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("trip.id", t.ID.String()),
		attribute.String("notification.kind", string(kind)),
	)

	now := e.clock()

	if kind == trip.KindReminder24h && airports.IsQuietHoursLocal(now, t.OriginIATA, e.cfg.QuietWindow) {
		return e.suppress(ctx, t, kind, payload, ReasonQuietHours, nil)
	}

	if kind == trip.KindBoarding && extra["gate"] == "" {
		if gate := e.resolveBoardingGate(ctx, t); gate != "" {
			if extra == nil {
				extra = map[string]string{}
			}
			extra["gate"] = gate
		}
	}

	var etaRound *string
	if kind == trip.KindDelayed {
		er := payload["eta_round"]
		etaRound = &er
		if res, suppressed := e.delayDedup(ctx, t, kind, payload, er, now); suppressed {
			return res
		}
	}

	hash := IdempotencyHash(t.ID, kind, payload)
	if e.alreadySent(ctx, t, kind, hash) {
		return DispatchResult{Status: DispatchAlreadySent, Hash: hash}
	}

	msg, err := e.templates.Format(ctx, kind, e.viewOf(t), extra)
	if err != nil {
		// A kind with no template is a configuration failure, not a trip
		// failure: alert the operators and record the attempt.
		e.alert(ctx, "no template configured for "+string(kind), err)
		e.record(ctx, t, logParams{
			kind:      kind,
			status:    trip.DeliveryFailed,
			errorText: strPtr(err.Error()),
			hash:      hash,
			etaRound:  etaRound,
		})
		e.metrics.RecordFailed(string(kind))
		return DispatchResult{Status: DispatchFailed, Hash: hash}
	}

	var res delivery.Result
	attempts, err := retry.Do(ctx, e.cfg.MessagingPolicy, func(ctx context.Context) error {
		var serr error
		res, serr = e.messenger.SendTemplate(ctx, t.WhatsApp, msg.TemplateID, msg.Variables)
		return serr
	})
	retryCount := 0
	if attempts > 0 {
		retryCount = attempts - 1
	}

	if err != nil {
		e.log.Warn("notification delivery failed",
			zap.String("trip_id", t.ID.String()),
			zap.String("kind", string(kind)),
			zap.Int("attempts", attempts),
			zap.Error(err))
		e.record(ctx, t, logParams{
			kind:         kind,
			templateName: msg.TemplateName,
			status:       trip.DeliveryFailed,
			retryCount:   retryCount,
			errorText:    strPtr(err.Error()),
			hash:         hash,
			etaRound:     etaRound,
		})
		e.metrics.RecordFailed(string(kind))
		return DispatchResult{Status: DispatchFailed, Attempts: attempts, Hash: hash}
	}

	e.record(ctx, t, logParams{
		kind:         kind,
		templateName: msg.TemplateName,
		status:       trip.DeliverySent,
		providerID:   strPtr(res.ProviderID),
		retryCount:   retryCount,
		hash:         hash,
		etaRound:     etaRound,
	})
	e.markSent(ctx, t, kind, hash)
	e.metrics.RecordSent(string(kind))
	e.log.Info("notification sent",
		zap.String("trip_id", t.ID.String()),
		zap.String("kind", string(kind)),
		zap.String("provider_id", res.ProviderID),
		zap.Int("retry_count", retryCount))

	return DispatchResult{Status: DispatchSent, ProviderID: res.ProviderID, Attempts: attempts, Hash: hash}
}

// resolveBoardingGate runs the enrichment chain: trip column, metadata
// aliases, then one fresh provider call that also repairs the trip row.
// An empty return leaves the template's placeholder in charge.
func (e *Engine) resolveBoardingGate(ctx context.Context, t *trip.Trip) string {
	if t.Gate != nil && *t.Gate != "" {
		return *t.Gate
	}
	if v := t.MetadataValue("gate_origin", "gate", "departure_gate", "terminal_gate", "boarding_gate"); v != "" {
		return v
	}

	snap, err := e.flights.Refresh(ctx, t.FlightNumber, flightDate(t))
	if err != nil || snap == nil || snap.GateOrigin == nil || *snap.GateOrigin == "" {
		if err != nil {
			e.log.Debug("gate refresh failed", zap.String("trip_id", t.ID.String()), zap.Error(err))
		}
		return ""
	}

	gate := *snap.GateOrigin
	if uerr := e.store.UpdateTrip(ctx, t.ID, trip.Patch{Gate: &gate}); uerr != nil {
		e.log.Warn("persisting refreshed gate failed", zap.String("trip_id", t.ID.String()), zap.Error(uerr))
	} else {
		t.Gate = &gate
	}
	return gate
}

// delayDedup enforces the DELAYED cooldown and same-ETA windows. Store
// errors fail open: the idempotency hash still blocks exact duplicates.
func (e *Engine) delayDedup(ctx context.Context, t *trip.Trip, kind trip.NotificationKind, payload map[string]string, etaRound string, now time.Time) (DispatchResult, bool) {
	entries, err := e.store.RecentDelaySends(ctx, t.ID, e.cfg.SameETAWindow)
	if err != nil {
		e.log.Warn("delay dedup lookup failed, proceeding",
			zap.String("trip_id", t.ID.String()), zap.Error(err))
		return DispatchResult{}, false
	}

	cooldownFloor := now.Add(-e.cfg.DelayCooldown)
	for _, entry := range entries {
		if entry.SentAt.After(cooldownFloor) {
			return e.suppress(ctx, t, kind, payload, ReasonDelayCooldown, &etaRound), true
		}
	}
	for _, entry := range entries {
		if entry.ETARound != nil && *entry.ETARound == etaRound {
			return e.suppress(ctx, t, kind, payload, ReasonDelaySameETA, &etaRound), true
		}
	}
	return DispatchResult{}, false
}

// suppress records a SUPPRESSED log row with its reason and counts it.
func (e *Engine) suppress(ctx context.Context, t *trip.Trip, kind trip.NotificationKind, payload map[string]string, reason string, etaRound *string) DispatchResult {
	hash := IdempotencyHash(t.ID, kind, payload)
	e.record(ctx, t, logParams{
		kind:      kind,
		status:    trip.DeliverySuppressed,
		errorText: strPtr(reason),
		hash:      hash,
		etaRound:  etaRound,
	})
	e.metrics.RecordSuppressed(string(kind), reason)
	e.log.Info("notification suppressed",
		zap.String("trip_id", t.ID.String()),
		zap.String("kind", string(kind)),
		zap.String("reason", reason))
	return DispatchResult{Status: DispatchSuppressed, Reason: reason, Hash: hash}
}

func (e *Engine) alreadySent(ctx context.Context, t *trip.Trip, kind trip.NotificationKind, hash string) bool {
	if e.cache != nil {
		if seen, err := e.cache.SeenSent(ctx, t.ID, kind, hash); err == nil && seen {
			return true
		}
	}
	sent, err := e.store.FindSent(ctx, t.ID, kind, hash)
	if err != nil {
		e.log.Warn("sent lookup failed, proceeding",
			zap.String("trip_id", t.ID.String()), zap.Error(err))
		return false
	}
	if sent {
		e.markSent(ctx, t, kind, hash)
	}
	return sent
}

func (e *Engine) markSent(ctx context.Context, t *trip.Trip, kind trip.NotificationKind, hash string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.MarkSent(ctx, t.ID, kind, hash, e.cfg.SentCacheTTL); err != nil {
		e.log.Debug("dedup cache write failed", zap.Error(err))
	}
}

type logParams struct {
	kind         trip.NotificationKind
	templateName string
	status       trip.DeliveryStatus
	providerID   *string
	retryCount   int
	errorText    *string
	hash         string
	etaRound     *string
}

// record appends the attempt to the notification log. A log failure after a
// successful send is warned and swallowed: a duplicate message to the
// passenger is worse than a missing log row.
func (e *Engine) record(ctx context.Context, t *trip.Trip, p logParams) {
	templateName := p.templateName
	if templateName == "" {
		if def, err := e.templates.Lookup(p.kind); err == nil {
			templateName = def.TemplateName
		}
	}

	entry := &trip.NotificationLogEntry{
		TripID:            t.ID,
		Kind:              p.kind,
		TemplateName:      templateName,
		DeliveryStatus:    p.status,
		ProviderMessageID: p.providerID,
		SentAt:            e.clock().UTC(),
		RetryCount:        p.retryCount,
		ErrorText:         p.errorText,
		IdempotencyHash:   p.hash,
		ETARound:          p.etaRound,
	}
	if err := e.store.AppendNotification(ctx, entry); err != nil {
		e.log.Warn("appending notification log entry failed",
			zap.String("trip_id", t.ID.String()),
			zap.String("kind", string(p.kind)),
			zap.String("status", string(p.status)),
			zap.Error(err))
	}
}

func (e *Engine) viewOf(t *trip.Trip) template.TripView {
	view := template.TripView{
		ClientName:      t.ClientName,
		FlightNumber:    t.FlightNumber,
		OriginIATA:      t.OriginIATA,
		DestinationIATA: t.DestinationIATA,
		DepartureUTC:    t.DepartureUTC,
		Metadata:        t.Metadata,
	}
	if t.Gate != nil {
		view.Gate = *t.Gate
	}
	return view
}

func strPtr(s string) *string { return &s }
