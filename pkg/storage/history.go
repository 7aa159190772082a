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
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/valentin-ulloa/bauhaustravel/pkg/shared/retry"
	"github.com/valentin-ulloa/bauhaustravel/pkg/trip"
)

const snapshotColumns = `id, trip_id, status, gate_origin, gate_destination,
	estimated_out, actual_out, estimated_in, actual_in, raw, recorded_at, source`

// AppendStatus inserts one provider observation. Rows are append-only; the
// snapshot's ID is filled from the insert. RecordedAt and Source default to
// the current time and "aeroapi" when unset.
func (s *Store) AppendStatus(ctx context.Context, snap *trip.FlightStatusSnapshot) error {
	if snap.RecordedAt.IsZero() {
		snap.RecordedAt = s.clock().UTC()
	}
	if snap.Source == "" {
		snap.Source = "aeroapi"
	}

	var raw any
	if len(snap.Raw) > 0 {
		raw = string(snap.Raw)
	}

	const query = `
		INSERT INTO flight_status_history (
			trip_id, status, gate_origin, gate_destination,
			estimated_out, actual_out, estimated_in, actual_in,
			raw, recorded_at, source
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`

	err := s.run(ctx, func(ctx context.Context) error {
		return s.db.GetContext(ctx, &snap.ID, query,
			snap.TripID, snap.Status, snap.GateOrigin, snap.GateDestination,
			snap.EstimatedOut, snap.ActualOut, snap.EstimatedIn, snap.ActualIn,
			raw, snap.RecordedAt, snap.Source,
		)
	})
	if err != nil {
		return fmt.Errorf("appending status for trip %s: %w", snap.TripID, err)
	}
	return nil
}

// LatestStatus returns the most recent snapshot for the trip, or nil when
// none has been recorded. Ties on recorded_at resolve to the later insert.
func (s *Store) LatestStatus(ctx context.Context, tripID uuid.UUID) (*trip.FlightStatusSnapshot, error) {
	const query = `SELECT ` + snapshotColumns + ` FROM flight_status_history
		WHERE trip_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1`

	var snap trip.FlightStatusSnapshot
	err := s.run(ctx, func(ctx context.Context) error {
		if err := s.db.GetContext(ctx, &snap, query, tripID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return retry.Terminal(sql.ErrNoRows)
			}
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading latest status for trip %s: %w", tripID, err)
	}
	return &snap, nil
}
