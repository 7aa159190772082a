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
	"regexp"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/valentin-ulloa/bauhaustravel/pkg/shared/backoff"
	"github.com/valentin-ulloa/bauhaustravel/pkg/shared/retry"
	"github.com/valentin-ulloa/bauhaustravel/pkg/trip"
)

func strPtr(s string) *string { return &s }

var tripCols = []string{
	"id", "client_name", "whatsapp", "flight_number", "origin_iata", "destination_iata",
	"departure_utc", "status", "gate", "metadata", "client_description", "agency_id",
	"next_check_at", "created_at", "updated_at",
}

var snapshotCols = []string{
	"id", "trip_id", "status", "gate_origin", "gate_destination",
	"estimated_out", "actual_out", "estimated_in", "actual_in", "raw", "recorded_at", "source",
}

var notificationCols = []string{
	"id", "trip_id", "kind", "template_name", "delivery_status", "provider_message_id",
	"sent_at", "retry_count", "error_text", "idempotency_hash", "eta_round",
}

var _ = Describe("Store", func() {
	var (
		ctx    context.Context
		mock   sqlmock.Sqlmock
		store  *Store
		now    time.Time
		tripID uuid.UUID
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2025, 7, 8, 15, 0, 0, 0, time.UTC)
		tripID = uuid.MustParse("0b079e61-9d4b-4b3e-a210-4e4a64f5a8c3")

		db, m, err := sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		mock = m
		store = New(sqlx.NewDb(db, "pgx"), zap.NewNop())
		store.clock = func() time.Time { return now }
		store.policy = retry.Policy{
			Name:        "database",
			MaxAttempts: 2,
			Backoff:     backoff.Config{BasePeriod: time.Millisecond, MaxPeriod: 2 * time.Millisecond, Multiplier: 2},
		}
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		Expect(store.Close()).To(Succeed())
	})

	newTrip := func() *trip.Trip {
		return &trip.Trip{
			ClientName:      "Valentina",
			WhatsApp:        "+5491155551234",
			FlightNumber:    "BA245",
			OriginIATA:      "EZE",
			DestinationIATA: "LHR",
			DepartureUTC:    time.Date(2025, 7, 10, 2, 0, 0, 0, time.UTC),
		}
	}

	Describe("CreateTrip", func() {
		It("fills id, status and timestamps before inserting", func() {
			t := newTrip()
			mock.ExpectExec("INSERT INTO trips").
				WithArgs(
					sqlmock.AnyArg(), "Valentina", "+5491155551234", "BA245", "EZE", "LHR",
					t.DepartureUTC, trip.StatusScheduled, nil, "{}", "", nil,
					nil, now, now,
				).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(store.CreateTrip(ctx, t)).To(Succeed())
			Expect(t.ID).NotTo(Equal(uuid.Nil))
			Expect(t.Status).To(Equal(trip.StatusScheduled))
			Expect(t.CreatedAt).To(Equal(now))
			Expect(t.UpdatedAt).To(Equal(now))
		})

		It("serializes metadata as JSON", func() {
			t := newTrip()
			t.Metadata = map[string]string{"stay": "221B Baker Street"}
			next := now.Add(time.Minute)
			t.NextCheckAt = &next

			mock.ExpectExec("INSERT INTO trips").
				WithArgs(
					sqlmock.AnyArg(), "Valentina", "+5491155551234", "BA245", "EZE", "LHR",
					t.DepartureUTC, trip.StatusScheduled, nil, `{"stay":"221B Baker Street"}`, "", nil,
					&next, now, now,
				).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(store.CreateTrip(ctx, t)).To(Succeed())
		})

		It("maps a unique violation to ErrDuplicateTrip without retrying", func() {
			mock.ExpectExec("INSERT INTO trips").
				WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uq_trips_passenger_flight_day"})

			err := store.CreateTrip(ctx, newTrip())
			Expect(err).To(MatchError(ErrDuplicateTrip))
		})

		It("retries a transient failure once", func() {
			mock.ExpectExec("INSERT INTO trips").WillReturnError(errors.New("connection reset by peer"))
			mock.ExpectExec("INSERT INTO trips").WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(store.CreateTrip(ctx, newTrip())).To(Succeed())
		})

		It("rejects an unknown lifecycle status", func() {
			t := newTrip()
			t.Status = trip.Status("TELEPORTED")

			err := store.CreateTrip(ctx, t)
			Expect(err).To(MatchError(ContainSubstring("invalid trip status")))
		})
	})

	Describe("TripByID", func() {
		It("decodes a full row including metadata", func() {
			agency := uuid.MustParse("3f8e2c11-4a6b-4f0c-9a3d-1b2c3d4e5f60")
			dep := time.Date(2025, 7, 10, 2, 0, 0, 0, time.UTC)
			next := dep.Add(-24 * time.Hour)
			rows := sqlmock.NewRows(tripCols).AddRow(
				tripID.String(), "Valentina", "+5491155551234", "BA245", "EZE", "LHR",
				dep, "SCHEDULED", "A5", []byte(`{"stay":"221B Baker Street"}`), "VIP", agency.String(),
				next, now.Add(-time.Hour), now.Add(-time.Hour),
			)
			mock.ExpectQuery("SELECT (.+) FROM trips WHERE id").
				WithArgs(tripID).
				WillReturnRows(rows)

			t, err := store.TripByID(ctx, tripID)
			Expect(err).NotTo(HaveOccurred())
			Expect(t).NotTo(BeNil())
			Expect(t.ID).To(Equal(tripID))
			Expect(t.Gate).To(HaveValue(Equal("A5")))
			Expect(t.Metadata).To(HaveKeyWithValue("stay", "221B Baker Street"))
			Expect(t.AgencyID).To(HaveValue(Equal(agency)))
			Expect(t.NextCheckAt).To(HaveValue(Equal(next)))
			Expect(t.Status).To(Equal(trip.StatusScheduled))
		})

		It("returns nil without error when no row matches", func() {
			mock.ExpectQuery("SELECT (.+) FROM trips WHERE id").
				WithArgs(tripID).
				WillReturnRows(sqlmock.NewRows(tripCols))

			t, err := store.TripByID(ctx, tripID)
			Expect(err).NotTo(HaveOccurred())
			Expect(t).To(BeNil())
		})
	})

	Describe("FindDuplicateTrip", func() {
		It("compares the UTC departure day", func() {
			dep := time.Date(2025, 7, 10, 2, 0, 0, 0, time.UTC)
			rows := sqlmock.NewRows(tripCols).AddRow(
				tripID.String(), "Valentina", "+5491155551234", "BA245", "EZE", "LHR",
				dep, "SCHEDULED", nil, []byte(`{}`), "", nil,
				nil, now, now,
			)
			mock.ExpectQuery(regexp.QuoteMeta("(departure_utc AT TIME ZONE 'UTC')::date = ($3::timestamptz AT TIME ZONE 'UTC')::date")).
				WithArgs("+5491155551234", "BA245", dep).
				WillReturnRows(rows)

			t, err := store.FindDuplicateTrip(ctx, "+5491155551234", "BA245", dep)
			Expect(err).NotTo(HaveOccurred())
			Expect(t).NotTo(BeNil())
			Expect(t.ID).To(Equal(tripID))
		})

		It("returns nil when the combination is new", func() {
			dep := time.Date(2025, 7, 10, 2, 0, 0, 0, time.UTC)
			mock.ExpectQuery("FROM trips").
				WithArgs("+5491155551234", "BA245", dep).
				WillReturnRows(sqlmock.NewRows(tripCols))

			t, err := store.FindDuplicateTrip(ctx, "+5491155551234", "BA245", dep)
			Expect(err).NotTo(HaveOccurred())
			Expect(t).To(BeNil())
		})
	})

	Describe("UpdateTrip", func() {
		It("writes only the patched columns", func() {
			status := trip.StatusDelayed
			gate := "B12"
			next := now.Add(15 * time.Minute)
			mock.ExpectExec(regexp.QuoteMeta("UPDATE trips SET updated_at = $1, status = $2, gate = $3, next_check_at = $4 WHERE id = $5")).
				WithArgs(now, status, "B12", next, tripID).
				WillReturnResult(sqlmock.NewResult(0, 1))

			patch := trip.Patch{Status: &status, Gate: &gate, NextCheckAt: &next}
			Expect(store.UpdateTrip(ctx, tripID, patch)).To(Succeed())
		})

		It("clears next_check_at via the explicit flag", func() {
			mock.ExpectExec(regexp.QuoteMeta("UPDATE trips SET updated_at = $1, next_check_at = NULL WHERE id = $2")).
				WithArgs(now, tripID).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(store.UpdateTrip(ctx, tripID, trip.Patch{ClearNextCheck: true})).To(Succeed())
		})

		It("prefers a new check time over the clear flag", func() {
			next := now.Add(30 * time.Minute)
			mock.ExpectExec(regexp.QuoteMeta("UPDATE trips SET updated_at = $1, next_check_at = $2 WHERE id = $3")).
				WithArgs(now, next, tripID).
				WillReturnResult(sqlmock.NewResult(0, 1))

			patch := trip.Patch{NextCheckAt: &next, ClearNextCheck: true}
			Expect(store.UpdateTrip(ctx, tripID, patch)).To(Succeed())
		})

		It("returns ErrTripNotFound when no row matches", func() {
			mock.ExpectExec("UPDATE trips SET").
				WillReturnResult(sqlmock.NewResult(0, 0))

			err := store.UpdateTrip(ctx, tripID, trip.Patch{ClearNextCheck: true})
			Expect(err).To(MatchError(ErrTripNotFound))
		})

		It("does nothing for an empty patch", func() {
			Expect(store.UpdateTrip(ctx, tripID, trip.Patch{})).To(Succeed())
		})

		It("rejects an unknown lifecycle status before touching the database", func() {
			status := trip.Status("TELEPORTED")
			err := store.UpdateTrip(ctx, tripID, trip.Patch{Status: &status})
			Expect(err).To(MatchError(ContainSubstring("invalid trip status")))
		})
	})

	Describe("TripsDue", func() {
		It("selects non-terminal trips past their check time, oldest first", func() {
			otherID := uuid.MustParse("9c1d2e3f-4a5b-6c7d-8e9f-0a1b2c3d4e5f")
			dep := time.Date(2025, 7, 10, 2, 0, 0, 0, time.UTC)
			rows := sqlmock.NewRows(tripCols).
				AddRow(
					tripID.String(), "Valentina", "+5491155551234", "BA245", "EZE", "LHR",
					dep, "SCHEDULED", nil, []byte(`{}`), "", nil,
					now.Add(-10*time.Minute), now, now,
				).
				AddRow(
					otherID.String(), "Marco", "+5491155559999", "IB6844", "EZE", "MAD",
					dep.Add(time.Hour), "DELAYED", nil, []byte(`{}`), "", nil,
					now.Add(-5*time.Minute), now, now,
				)

			pattern := regexp.QuoteMeta("next_check_at <= $1") + ".*" +
				regexp.QuoteMeta("status NOT IN ('CANCELLED', 'LANDED')") + ".*" +
				regexp.QuoteMeta("departure_utc > $2") + ".*" +
				regexp.QuoteMeta("ORDER BY next_check_at ASC")
			mock.ExpectQuery(pattern).
				WithArgs(now, now.Add(-8*time.Hour), 50).
				WillReturnRows(rows)

			due, err := store.TripsDue(ctx, now, 50)
			Expect(err).NotTo(HaveOccurred())
			Expect(due).To(HaveLen(2))
			Expect(due[0].ID).To(Equal(tripID))
			Expect(due[1].ID).To(Equal(otherID))
			Expect(due[1].Status).To(Equal(trip.StatusDelayed))
		})

		It("returns an empty slice when nothing is due", func() {
			mock.ExpectQuery("FROM trips").
				WithArgs(now, now.Add(-8*time.Hour), 10).
				WillReturnRows(sqlmock.NewRows(tripCols))

			due, err := store.TripsDue(ctx, now, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(due).To(BeEmpty())
		})
	})

	Describe("AppendStatus", func() {
		It("inserts the snapshot and fills id, recorded_at and source", func() {
			snap := &trip.FlightStatusSnapshot{TripID: tripID, Status: "Scheduled"}
			mock.ExpectQuery("INSERT INTO flight_status_history").
				WithArgs(tripID, "Scheduled", nil, nil, nil, nil, nil, nil, nil, now, "aeroapi").
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(41)))

			Expect(store.AppendStatus(ctx, snap)).To(Succeed())
			Expect(snap.ID).To(Equal(int64(41)))
			Expect(snap.RecordedAt).To(Equal(now))
			Expect(snap.Source).To(Equal("aeroapi"))
		})

		It("passes raw provider payloads through", func() {
			estOut := time.Date(2025, 7, 10, 2, 30, 0, 0, time.UTC)
			snap := &trip.FlightStatusSnapshot{
				TripID:       tripID,
				Status:       "Delayed",
				GateOrigin:   strPtr("A5"),
				EstimatedOut: &estOut,
				Raw:          []byte(`{"status":"Delayed"}`),
				RecordedAt:   now.Add(-time.Minute),
				Source:       "aeroapi",
			}
			mock.ExpectQuery("INSERT INTO flight_status_history").
				WithArgs(tripID, "Delayed", "A5", nil, estOut, nil, nil, nil,
					`{"status":"Delayed"}`, now.Add(-time.Minute), "aeroapi").
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

			Expect(store.AppendStatus(ctx, snap)).To(Succeed())
			Expect(snap.ID).To(Equal(int64(42)))
		})
	})

	Describe("LatestStatus", func() {
		It("orders by recorded_at then insertion id", func() {
			estIn := time.Date(2025, 7, 10, 15, 5, 0, 0, time.UTC)
			rows := sqlmock.NewRows(snapshotCols).AddRow(
				int64(7), tripID.String(), "En Route", "A5", nil,
				nil, nil, estIn, nil, []byte(`{"status":"En Route"}`), now, "aeroapi",
			)
			pattern := regexp.QuoteMeta("FROM flight_status_history") + ".*" +
				regexp.QuoteMeta("ORDER BY recorded_at DESC, id DESC")
			mock.ExpectQuery(pattern).
				WithArgs(tripID).
				WillReturnRows(rows)

			snap, err := store.LatestStatus(ctx, tripID)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap).NotTo(BeNil())
			Expect(snap.ID).To(Equal(int64(7)))
			Expect(snap.Status).To(Equal("En Route"))
			Expect(snap.GateOrigin).To(HaveValue(Equal("A5")))
			Expect(snap.EstimatedIn).To(HaveValue(Equal(estIn)))
			Expect(string(snap.Raw)).To(MatchJSON(`{"status":"En Route"}`))
		})

		It("returns nil when the trip has no history", func() {
			mock.ExpectQuery("FROM flight_status_history").
				WithArgs(tripID).
				WillReturnRows(sqlmock.NewRows(snapshotCols))

			snap, err := store.LatestStatus(ctx, tripID)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap).To(BeNil())
		})
	})

	Describe("AppendNotification", func() {
		It("records the attempt and fills id and sent_at", func() {
			entry := &trip.NotificationLogEntry{
				TripID:            tripID,
				Kind:              trip.KindDelayed,
				TemplateName:      "delayed_es",
				DeliveryStatus:    trip.DeliverySent,
				ProviderMessageID: strPtr("SM0001"),
				RetryCount:        1,
				IdempotencyHash:   "bf2c4a9d1e3f5a70",
				ETARound:          strPtr("2025-07-10T03:00:00Z"),
			}
			mock.ExpectQuery("INSERT INTO notifications_log").
				WithArgs(tripID, trip.KindDelayed, "delayed_es", trip.DeliverySent, "SM0001",
					now, 1, nil, "bf2c4a9d1e3f5a70", "2025-07-10T03:00:00Z").
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))

			Expect(store.AppendNotification(ctx, entry)).To(Succeed())
			Expect(entry.ID).To(Equal(int64(9)))
			Expect(entry.SentAt).To(Equal(now))
		})

		It("maps a duplicate SENT row to ErrDuplicateSend", func() {
			entry := &trip.NotificationLogEntry{
				TripID:          tripID,
				Kind:            trip.KindBoarding,
				TemplateName:    "boarding_es",
				DeliveryStatus:  trip.DeliverySent,
				IdempotencyHash: "bf2c4a9d1e3f5a70",
			}
			mock.ExpectQuery("INSERT INTO notifications_log").
				WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uq_notifications_sent_once"})

			Expect(store.AppendNotification(ctx, entry)).To(MatchError(ErrDuplicateSend))
		})
	})

	Describe("FindSent", func() {
		It("only counts successful sends", func() {
			mock.ExpectQuery(regexp.QuoteMeta("delivery_status = 'SENT'")).
				WithArgs(tripID, trip.KindBoarding, "bf2c4a9d1e3f5a70").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

			seen, err := store.FindSent(ctx, tripID, trip.KindBoarding, "bf2c4a9d1e3f5a70")
			Expect(err).NotTo(HaveOccurred())
			Expect(seen).To(BeTrue())
		})

		It("reports false when nothing matches", func() {
			mock.ExpectQuery("SELECT EXISTS").
				WithArgs(tripID, trip.KindBoarding, "bf2c4a9d1e3f5a70").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

			seen, err := store.FindSent(ctx, tripID, trip.KindBoarding, "bf2c4a9d1e3f5a70")
			Expect(err).NotTo(HaveOccurred())
			Expect(seen).To(BeFalse())
		})
	})

	Describe("RecentDelaySends", func() {
		It("windows successful DELAYED sends by the store clock", func() {
			rows := sqlmock.NewRows(notificationCols).AddRow(
				int64(3), tripID.String(), "DELAYED", "delayed_es", "SENT", "SM0002",
				now.Add(-10*time.Minute), 0, nil, "bf2c4a9d1e3f5a70", "2025-07-10T03:00:00Z",
			)
			pattern := regexp.QuoteMeta("kind = 'DELAYED' AND delivery_status = 'SENT' AND sent_at > $2")
			mock.ExpectQuery(pattern).
				WithArgs(tripID, now.Add(-2*time.Hour)).
				WillReturnRows(rows)

			sends, err := store.RecentDelaySends(ctx, tripID, 2*time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(sends).To(HaveLen(1))
			Expect(sends[0].Kind).To(Equal(trip.KindDelayed))
			Expect(sends[0].ETARound).To(HaveValue(Equal("2025-07-10T03:00:00Z")))
		})
	})

	Describe("NotificationsWhere", func() {
		It("returns the full log most recent first", func() {
			rows := sqlmock.NewRows(notificationCols).
				AddRow(
					int64(5), tripID.String(), "DELAYED", "delayed_es", "SENT", "SM0003",
					now.Add(-5*time.Minute), 0, nil, "aaaa4a9d1e3f5a70", "2025-07-10T03:00:00Z",
				).
				AddRow(
					int64(4), tripID.String(), "RESERVATION_CONFIRMATION", "confirmation_es", "SENT", "SM0001",
					now.Add(-2*time.Hour), 0, nil, "bbbb4a9d1e3f5a70", nil,
				)
			mock.ExpectQuery(regexp.QuoteMeta("WHERE trip_id = $1 ORDER BY sent_at DESC, id DESC")).
				WithArgs(tripID).
				WillReturnRows(rows)

			entries, err := store.NotificationsWhere(ctx, tripID)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].Kind).To(Equal(trip.KindDelayed))
			Expect(entries[1].Kind).To(Equal(trip.KindReservationConfirmation))
		})

		It("expands a kind filter into numbered placeholders", func() {
			rows := sqlmock.NewRows(notificationCols).AddRow(
				int64(6), tripID.String(), "GATE_CHANGE", "gate_change_es", "SENT", "SM0004",
				now.Add(-time.Minute), 0, nil, "cccc4a9d1e3f5a70", nil,
			)
			mock.ExpectQuery(regexp.QuoteMeta("AND kind IN ($2, $3)")).
				WithArgs(tripID, trip.KindGateChange, trip.KindBoarding).
				WillReturnRows(rows)

			entries, err := store.NotificationsWhere(ctx, tripID, trip.KindGateChange, trip.KindBoarding)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Kind).To(Equal(trip.KindGateChange))
		})
	})
})
