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

// Package trip holds the domain model shared by every component of the
// notification core: trips, flight-status snapshots, the notification log,
// and the transient Change values produced by the detector.
//
// Ownership rule: the storage layer is the only writer of persistent state.
// Everything else receives copies and returns new values.
package trip

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NotificationKind identifies one of the template-backed messages the core
// can send. The set is closed: adding a kind requires a template catalogue
// entry and a dispatch rule.
type NotificationKind string

const (
	KindReservationConfirmation NotificationKind = "RESERVATION_CONFIRMATION"
	KindReminder24h             NotificationKind = "REMINDER_24H"
	KindDelayed                 NotificationKind = "DELAYED"
	KindGateChange              NotificationKind = "GATE_CHANGE"
	KindCancelled               NotificationKind = "CANCELLED"
	KindBoarding                NotificationKind = "BOARDING"
	KindLandingWelcome          NotificationKind = "LANDING_WELCOME"
	KindItineraryReady          NotificationKind = "ITINERARY_READY"
)

// IsValid reports whether k names a known notification kind.
func (k NotificationKind) IsValid() bool {
	switch k {
	case KindReservationConfirmation, KindReminder24h, KindDelayed,
		KindGateChange, KindCancelled, KindBoarding,
		KindLandingWelcome, KindItineraryReady:
		return true
	}
	return false
}

// DeliveryStatus records the outcome of a send attempt in the notification log.
type DeliveryStatus string

const (
	DeliverySent       DeliveryStatus = "SENT"
	DeliveryFailed     DeliveryStatus = "FAILED"
	DeliverySuppressed DeliveryStatus = "SUPPRESSED"
)

// ChangeKind classifies the field or event a detected change refers to.
type ChangeKind string

const (
	ChangeStatus        ChangeKind = "status_change"
	ChangeGate          ChangeKind = "gate_change"
	ChangeDepartureTime ChangeKind = "departure_time_change"
	ChangeCancellation  ChangeKind = "cancellation"
	ChangeBoarding      ChangeKind = "boarding"
	ChangeLanding       ChangeKind = "landing"
)

// Change is the transient value produced by the change detector for one
// differing field between two consecutive snapshots. NotificationKind is
// empty when the change updates trip state but warrants no message (for
// example a status flip back to on-time).
type Change struct {
	Kind             ChangeKind       `json:"kind"`
	OldValue         string           `json:"old_value"`
	NewValue         string           `json:"new_value"`
	NotificationKind NotificationKind `json:"notification_kind,omitempty"`
}

// Trip is a single passenger-flight subscription.
//
// DepartureUTC is always stored in UTC; local-time input is converted at
// ingress using the origin IATA zone. NextCheckAt is nil once the trip is
// terminal, which removes it from the scheduler's due query.
type Trip struct {
	ID                uuid.UUID         `json:"id" db:"id"`
	ClientName        string            `json:"client_name" db:"client_name"`
	WhatsApp          string            `json:"whatsapp" db:"whatsapp"`
	FlightNumber      string            `json:"flight_number" db:"flight_number"`
	OriginIATA        string            `json:"origin_iata" db:"origin_iata"`
	DestinationIATA   string            `json:"destination_iata" db:"destination_iata"`
	DepartureUTC      time.Time         `json:"departure_utc" db:"departure_utc"`
	Status            Status            `json:"status" db:"status"`
	Gate              *string           `json:"gate,omitempty" db:"gate"`
	Metadata          map[string]string `json:"metadata,omitempty" db:"-"`
	ClientDescription string            `json:"client_description,omitempty" db:"client_description"`
	AgencyID          *uuid.UUID        `json:"agency_id,omitempty" db:"agency_id"`
	NextCheckAt       *time.Time        `json:"next_check_at,omitempty" db:"next_check_at"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
}

// MetadataValue returns the first non-empty metadata value among keys.
func (t *Trip) MetadataValue(keys ...string) string {
	for _, k := range keys {
		if v, ok := t.Metadata[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// FlightStatusSnapshot is one observation of a flight from the external
// provider. Rows are append-only; the latest row per trip is the engine's
// "known" state for the next diff.
type FlightStatusSnapshot struct {
	ID              int64           `json:"id" db:"id"`
	TripID          uuid.UUID       `json:"trip_id" db:"trip_id"`
	Status          string          `json:"status" db:"status"`
	GateOrigin      *string         `json:"gate_origin,omitempty" db:"gate_origin"`
	GateDestination *string         `json:"gate_destination,omitempty" db:"gate_destination"`
	EstimatedOut    *time.Time      `json:"estimated_out,omitempty" db:"estimated_out"`
	ActualOut       *time.Time      `json:"actual_out,omitempty" db:"actual_out"`
	EstimatedIn     *time.Time      `json:"estimated_in,omitempty" db:"estimated_in"`
	ActualIn        *time.Time      `json:"actual_in,omitempty" db:"actual_in"`
	Raw             json.RawMessage `json:"raw,omitempty" db:"raw"`
	RecordedAt      time.Time       `json:"recorded_at" db:"recorded_at"`
	Source          string          `json:"source" db:"source"`
}

// NotificationLogEntry is the append-only record of one send attempt,
// successful or not. The (trip_id, kind, idempotency_hash) tuple is unique
// among SENT rows; the store enforces it with a partial unique index and the
// engine checks FindSent before every send.
type NotificationLogEntry struct {
	ID                int64            `json:"id" db:"id"`
	TripID            uuid.UUID        `json:"trip_id" db:"trip_id"`
	Kind              NotificationKind `json:"kind" db:"kind"`
	TemplateName      string           `json:"template_name" db:"template_name"`
	DeliveryStatus    DeliveryStatus   `json:"delivery_status" db:"delivery_status"`
	ProviderMessageID *string          `json:"provider_message_id,omitempty" db:"provider_message_id"`
	SentAt            time.Time        `json:"sent_at" db:"sent_at"`
	RetryCount        int              `json:"retry_count" db:"retry_count"`
	ErrorText         *string          `json:"error_text,omitempty" db:"error_text"`
	IdempotencyHash   string           `json:"idempotency_hash" db:"idempotency_hash"`
	// ETARound carries the 5-minute-floored UTC ETA for DELAYED sends so the
	// same-ETA dedup window can match it without parsing template variables.
	ETARound *string `json:"eta_round,omitempty" db:"eta_round"`
}
