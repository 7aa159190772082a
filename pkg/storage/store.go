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

// Package storage is the only writer of persistent state. It owns the
// Postgres schema (embedded goose migrations), the per-operation retry
// policy, and the translation of driver errors into the sentinel errors the
// rest of the core branches on.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/valentin-ulloa/bauhaustravel/pkg/shared/retry"
)

// Sentinel errors callers branch on. Both duplicates are mapped from
// Postgres unique violations and are never retried.
var (
	// ErrDuplicateTrip means a trip already exists for the same passenger,
	// flight number and departure day.
	ErrDuplicateTrip = errors.New("trip already exists for this passenger, flight and day")
	// ErrTripNotFound means the trip id matched no row.
	ErrTripNotFound = errors.New("trip not found")
	// ErrDuplicateSend means a SENT notification row with the same
	// idempotency hash already exists for the trip and kind.
	ErrDuplicateSend = errors.New("notification already sent with this idempotency hash")
)

// Store wraps a Postgres connection pool with the schema's query surface.
// Every method runs under retry.DatabasePolicy; integrity violations are
// marked terminal so they surface on the first attempt.
type Store struct {
	db     *sqlx.DB
	log    *zap.Logger
	policy retry.Policy
	clock  func() time.Time
}

// New wraps an existing pool. Use Open for the DSN path.
func New(db *sqlx.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		db:     db,
		log:    log,
		policy: retry.DatabasePolicy,
		clock:  time.Now,
	}
}

// Open connects to Postgres via the pgx stdlib driver, verifies the
// connection with a ping and applies the pool limits the poll loop is sized
// for (eight workers plus the ingress API fit comfortably in ten
// connections).
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)
	return New(db, log), nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// run executes op under the store's retry policy and discards the attempt
// count; database retries are not surfaced to callers.
func (s *Store) run(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := retry.Do(ctx, s.policy, op)
	return err
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
