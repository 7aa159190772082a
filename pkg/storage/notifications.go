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

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/valentin-ulloa/bauhaustravel/pkg/shared/retry"
	"github.com/valentin-ulloa/bauhaustravel/pkg/trip"
)

const notificationColumns = `id, trip_id, kind, template_name, delivery_status, provider_message_id,
	sent_at, retry_count, error_text, idempotency_hash, eta_round`

// AppendNotification records one send attempt and fills entry.ID. SentAt
// defaults to the current time. A SENT row colliding with the partial unique
// index maps to ErrDuplicateSend; the engine treats that as already
// delivered, not as a failure.
func (s *Store) AppendNotification(ctx context.Context, entry *trip.NotificationLogEntry) error {
	if entry.SentAt.IsZero() {
		entry.SentAt = s.clock().UTC()
	}

	const query = `
		INSERT INTO notifications_log (
			trip_id, kind, template_name, delivery_status, provider_message_id,
			sent_at, retry_count, error_text, idempotency_hash, eta_round
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	err := s.run(ctx, func(ctx context.Context) error {
		err := s.db.GetContext(ctx, &entry.ID, query,
			entry.TripID, entry.Kind, entry.TemplateName, entry.DeliveryStatus,
			entry.ProviderMessageID, entry.SentAt, entry.RetryCount,
			entry.ErrorText, entry.IdempotencyHash, entry.ETARound,
		)
		if isUniqueViolation(err) {
			return retry.Terminal(ErrDuplicateSend)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateSend) {
			return ErrDuplicateSend
		}
		return fmt.Errorf("appending notification for trip %s: %w", entry.TripID, err)
	}
	return nil
}

// FindSent reports whether a successful send with this idempotency hash is
// already on record. Failed and suppressed attempts do not count.
func (s *Store) FindSent(ctx context.Context, tripID uuid.UUID, kind trip.NotificationKind, hash string) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM notifications_log
		WHERE trip_id = $1 AND kind = $2 AND idempotency_hash = $3 AND delivery_status = 'SENT')`

	var exists bool
	err := s.run(ctx, func(ctx context.Context) error {
		return s.db.GetContext(ctx, &exists, query, tripID, kind, hash)
	})
	if err != nil {
		return false, fmt.Errorf("checking sent notification for trip %s: %w", tripID, err)
	}
	return exists, nil
}

// RecentDelaySends returns successful DELAYED sends newer than the window,
// most recent first. The dispatcher uses them for the cooldown and same-ETA
// suppression checks.
func (s *Store) RecentDelaySends(ctx context.Context, tripID uuid.UUID, within time.Duration) ([]trip.NotificationLogEntry, error) {
	const query = `SELECT ` + notificationColumns + ` FROM notifications_log
		WHERE trip_id = $1 AND kind = 'DELAYED' AND delivery_status = 'SENT' AND sent_at > $2
		ORDER BY sent_at DESC, id DESC`

	var entries []trip.NotificationLogEntry
	err := s.run(ctx, func(ctx context.Context) error {
		entries = entries[:0]
		return s.db.SelectContext(ctx, &entries, query, tripID, s.clock().UTC().Add(-within))
	})
	if err != nil {
		return nil, fmt.Errorf("querying delay sends for trip %s: %w", tripID, err)
	}
	return entries, nil
}

// NotificationsWhere returns the trip's send log, most recent first,
// optionally filtered to the given kinds.
func (s *Store) NotificationsWhere(ctx context.Context, tripID uuid.UUID, kinds ...trip.NotificationKind) ([]trip.NotificationLogEntry, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications_log WHERE trip_id = ?`
	args := []any{tripID}

	if len(kinds) > 0 {
		var err error
		query, args, err = sqlx.In(query+` AND kind IN (?)`, tripID, kinds)
		if err != nil {
			return nil, fmt.Errorf("expanding kind filter: %w", err)
		}
	}
	query = s.db.Rebind(query + ` ORDER BY sent_at DESC, id DESC`)

	var entries []trip.NotificationLogEntry
	err := s.run(ctx, func(ctx context.Context) error {
		entries = entries[:0]
		return s.db.SelectContext(ctx, &entries, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("querying notifications for trip %s: %w", tripID, err)
	}
	return entries, nil
}
