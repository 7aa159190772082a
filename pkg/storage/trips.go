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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/valentin-ulloa/bauhaustravel/pkg/shared/retry"
	"github.com/valentin-ulloa/bauhaustravel/pkg/trip"
)

// departureLookback keeps long-overdue trips out of the due query. A trip
// whose departure is more than this far in the past and still not terminal
// is stuck (provider stopped covering the flight, or the row predates a
// deploy) and polling it forever only burns provider quota.
const departureLookback = 8 * time.Hour

const tripColumns = `id, client_name, whatsapp, flight_number, origin_iata, destination_iata,
	departure_utc, status, gate, metadata, client_description, agency_id,
	next_check_at, created_at, updated_at`

// tripRow adds the JSONB metadata column to the domain struct for scanning.
type tripRow struct {
	trip.Trip
	MetadataJSON []byte `db:"metadata"`
}

func (r *tripRow) toTrip() (*trip.Trip, error) {
	t := r.Trip
	if len(r.MetadataJSON) > 0 {
		if err := json.Unmarshal(r.MetadataJSON, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for trip %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func metadataJSON(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding trip metadata: %w", err)
	}
	return string(raw), nil
}

// CreateTrip inserts t, filling the id, status and timestamps when unset.
// The passenger/flight/day uniqueness constraint maps to ErrDuplicateTrip.
func (s *Store) CreateTrip(ctx context.Context, t *trip.Trip) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = trip.StatusScheduled
	}
	if err := t.Status.Validate(); err != nil {
		return err
	}
	now := s.clock().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.DepartureUTC = t.DepartureUTC.UTC()

	meta, err := metadataJSON(t.Metadata)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO trips (
			id, client_name, whatsapp, flight_number, origin_iata, destination_iata,
			departure_utc, status, gate, metadata, client_description, agency_id,
			next_check_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	err = s.run(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			t.ID, t.ClientName, t.WhatsApp, t.FlightNumber, t.OriginIATA, t.DestinationIATA,
			t.DepartureUTC, t.Status, t.Gate, meta, t.ClientDescription, t.AgencyID,
			t.NextCheckAt, t.CreatedAt, t.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return retry.Terminal(ErrDuplicateTrip)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateTrip) {
			return ErrDuplicateTrip
		}
		return fmt.Errorf("inserting trip: %w", err)
	}
	s.log.Info("trip created",
		zap.String("trip_id", t.ID.String()),
		zap.String("flight", t.FlightNumber),
		zap.Time("departure_utc", t.DepartureUTC))
	return nil
}

// TripByID returns the trip or nil when no row matches.
func (s *Store) TripByID(ctx context.Context, id uuid.UUID) (*trip.Trip, error) {
	const query = `SELECT ` + tripColumns + ` FROM trips WHERE id = $1`

	var row tripRow
	err := s.run(ctx, func(ctx context.Context) error {
		if err := s.db.GetContext(ctx, &row, query, id); err != nil {
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
		return nil, fmt.Errorf("loading trip %s: %w", id, err)
	}
	return row.toTrip()
}

// FindDuplicateTrip returns an existing trip for the same passenger, flight
// number and UTC departure day, or nil when the combination is new. Ingress
// calls it before CreateTrip to answer duplicates with the stored trip
// instead of a bare constraint error.
func (s *Store) FindDuplicateTrip(ctx context.Context, whatsapp, flightNumber string, departureUTC time.Time) (*trip.Trip, error) {
	const query = `SELECT ` + tripColumns + ` FROM trips
		WHERE whatsapp = $1 AND flight_number = $2
		  AND (departure_utc AT TIME ZONE 'UTC')::date = ($3::timestamptz AT TIME ZONE 'UTC')::date`

	var row tripRow
	err := s.run(ctx, func(ctx context.Context) error {
		if err := s.db.GetContext(ctx, &row, query, whatsapp, flightNumber, departureUTC.UTC()); err != nil {
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
		return nil, fmt.Errorf("checking duplicate trip: %w", err)
	}
	return row.toTrip()
}

// UpdateTrip applies patch to the trip row. Only fields set in the patch are
// written; next_check_at is cleared when ClearNextCheck is set and no new
// check time is given. Returns ErrTripNotFound when id matches nothing.
func (s *Store) UpdateTrip(ctx context.Context, id uuid.UUID, patch trip.Patch) error {
	if patch.IsZero() {
		return nil
	}
	if patch.Status != nil {
		if err := patch.Status.Validate(); err != nil {
			return err
		}
	}

	sets := []string{"updated_at = $1"}
	args := []any{s.clock().UTC()}
	next := 2
	if patch.Status != nil {
		sets = append(sets, fmt.Sprintf("status = $%d", next))
		args = append(args, *patch.Status)
		next++
	}
	if patch.Gate != nil {
		sets = append(sets, fmt.Sprintf("gate = $%d", next))
		args = append(args, *patch.Gate)
		next++
	}
	switch {
	case patch.NextCheckAt != nil:
		sets = append(sets, fmt.Sprintf("next_check_at = $%d", next))
		args = append(args, patch.NextCheckAt.UTC())
		next++
	case patch.ClearNextCheck:
		sets = append(sets, "next_check_at = NULL")
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE trips SET %s WHERE id = $%d", strings.Join(sets, ", "), next)

	err := s.run(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return retry.Terminal(ErrTripNotFound)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTripNotFound) {
			return ErrTripNotFound
		}
		return fmt.Errorf("updating trip %s: %w", id, err)
	}
	return nil
}

// TripsDue returns up to limit non-terminal trips whose next_check_at has
// passed, oldest first, skipping anything that departed more than the
// lookback window ago. The scheduler calls this once per tick.
func (s *Store) TripsDue(ctx context.Context, now time.Time, limit int) ([]*trip.Trip, error) {
	const query = `SELECT ` + tripColumns + ` FROM trips
		WHERE next_check_at IS NOT NULL
		  AND next_check_at <= $1
		  AND status NOT IN ('CANCELLED', 'LANDED')
		  AND departure_utc > $2
		ORDER BY next_check_at ASC
		LIMIT $3`

	var rows []tripRow
	err := s.run(ctx, func(ctx context.Context) error {
		rows = rows[:0]
		return s.db.SelectContext(ctx, &rows, query, now.UTC(), now.UTC().Add(-departureLookback), limit)
	})
	if err != nil {
		return nil, fmt.Errorf("querying due trips: %w", err)
	}

	trips := make([]*trip.Trip, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTrip()
		if err != nil {
			return nil, err
		}
		trips = append(trips, t)
	}
	return trips, nil
}
