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

package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/google/uuid"

	"github.com/valentin-ulloa/bauhaustravel/pkg/notification"
	"github.com/valentin-ulloa/bauhaustravel/pkg/trip"
)

var _ = Describe("Scheduler", func() {
	var (
		base   time.Time
		store  *fakeSource
		runner *fakeRunner
		sched  *Scheduler
	)

	newTrip := func(status trip.Status, departure time.Time) *trip.Trip {
		next := base
		return &trip.Trip{
			ID:           uuid.New(),
			ClientName:   "Valentina",
			WhatsApp:     "+5491155550000",
			FlightNumber: "BA245",
			OriginIATA:   "EZE",
			Status:       status,
			DepartureUTC: departure,
			NextCheckAt:  &next,
		}
	}

	BeforeEach(func() {
		base = time.Date(2025, 7, 8, 15, 0, 0, 0, time.UTC)
		store = newFakeSource()
		runner = newFakeRunner()

		var err error
		sched, err = New(Config{Tick: 30 * time.Second, Workers: 2}, Dependencies{
			Store:  store,
			Engine: runner,
			Clock:  func() time.Time { return base },
		})
		Expect(err).ToNot(HaveOccurred())
	})

	Describe("New", func() {
		It("requires a trip source and a cycle runner", func() {
			_, err := New(Config{}, Dependencies{Engine: runner})
			Expect(err).To(MatchError(ContainSubstring("trip source")))

			_, err = New(Config{}, Dependencies{Store: store})
			Expect(err).To(MatchError(ContainSubstring("cycle runner")))
		})
	})

	Describe("tick", func() {
		It("runs one cycle per due trip and advances next_check_at", func() {
			t := newTrip(trip.StatusScheduled, base.Add(48*time.Hour))
			store.queue(t)

			sched.tick(context.Background())

			Expect(runner.tripIDs()).To(ConsistOf(t.ID))
			patches := store.patchesFor(t.ID)
			Expect(patches).To(HaveLen(1))
			Expect(patches[0].NextCheckAt).ToNot(BeNil())
			Expect(*patches[0].NextCheckAt).To(Equal(base.Add(6 * time.Hour)))
		})

		It("asks the store for at most twice the saturation threshold", func() {
			sched.tick(context.Background())
			Expect(store.limit()).To(Equal(40))
		})

		It("clears next_check_at when the cycle ends in a terminal state", func() {
			t := newTrip(trip.StatusInFlight, base.Add(-10*time.Hour))
			runner.setResult(t.ID, notification.CycleResult{Status: trip.StatusLanded})
			store.queue(t)

			sched.tick(context.Background())

			patches := store.patchesFor(t.ID)
			Expect(patches).To(HaveLen(1))
			Expect(patches[0].ClearNextCheck).To(BeTrue())
			Expect(patches[0].NextCheckAt).To(BeNil())
		})

		It("repairs a terminal trip without running a cycle", func() {
			t := newTrip(trip.StatusCancelled, base.Add(2*time.Hour))
			store.queue(t)

			sched.tick(context.Background())

			Expect(runner.tripIDs()).To(BeEmpty())
			patches := store.patchesFor(t.ID)
			Expect(patches).To(HaveLen(1))
			Expect(patches[0].ClearNextCheck).To(BeTrue())
		})

		It("still advances a trip whose cycle failed", func() {
			t := newTrip(trip.StatusScheduled, base.Add(10*time.Hour))
			runner.setError(t.ID, errors.New("provider down"))
			store.queue(t)

			sched.tick(context.Background())

			patches := store.patchesFor(t.ID)
			Expect(patches).To(HaveLen(1))
			Expect(patches[0].NextCheckAt).ToNot(BeNil())
			Expect(*patches[0].NextCheckAt).To(Equal(base.Add(time.Hour)))
		})

		It("schedules from the arrival estimate once the trip is in the air", func() {
			t := newTrip(trip.StatusInFlight, base.Add(-2*time.Hour))
			arrival := base.Add(20 * time.Minute)
			runner.setResult(t.ID, notification.CycleResult{
				Status:   trip.StatusInFlight,
				Snapshot: &trip.FlightStatusSnapshot{EstimatedIn: &arrival},
			})
			store.queue(t)

			sched.tick(context.Background())

			patches := store.patchesFor(t.ID)
			Expect(patches).To(HaveLen(1))
			Expect(*patches[0].NextCheckAt).To(Equal(base.Add(10 * time.Minute)))
		})

		It("pulls the last pre-departure check into the boarding window", func() {
			t := newTrip(trip.StatusScheduled, base.Add(40*time.Minute))
			store.queue(t)

			sched.tick(context.Background())

			// The 15-minute cadence would land at base+15m, past the boarding
			// window's edge at departure-35m; the clamp wins.
			patches := store.patchesFor(t.ID)
			Expect(patches).To(HaveLen(1))
			Expect(*patches[0].NextCheckAt).To(Equal(t.DepartureUTC.Add(-35 * time.Minute)))
		})

		It("skips the batch when the due query fails", func() {
			store.failWith(errors.New("connection refused"))

			sched.tick(context.Background())

			Expect(runner.tripIDs()).To(BeEmpty())
		})

		It("never runs more cycles at once than the pool allows", func() {
			gate := make(chan struct{})
			runner.gate = gate
			store.queue(
				newTrip(trip.StatusScheduled, base.Add(48*time.Hour)),
				newTrip(trip.StatusScheduled, base.Add(48*time.Hour)),
				newTrip(trip.StatusScheduled, base.Add(48*time.Hour)),
				newTrip(trip.StatusScheduled, base.Add(48*time.Hour)),
			)

			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				sched.tick(context.Background())
				close(done)
			}()

			Eventually(runner.startedCount).Should(Equal(2))
			Consistently(runner.startedCount, 100*time.Millisecond).Should(Equal(2))

			close(gate)
			Eventually(done).Should(BeClosed())
			Expect(runner.startedCount()).To(Equal(4))
		})
	})

	Describe("back-pressure", func() {
		It("eases the cadence after two consecutive saturated ticks and restores it on drain", func() {
			threshold := 20

			sched.adjustBackPressure(threshold+1, threshold)
			Expect(sched.interval).To(Equal(30 * time.Second))

			sched.adjustBackPressure(threshold+1, threshold)
			Expect(sched.interval).To(Equal(60 * time.Second))

			sched.adjustBackPressure(threshold+1, threshold)
			Expect(sched.interval).To(Equal(120 * time.Second))

			sched.adjustBackPressure(threshold+1, threshold)
			Expect(sched.interval).To(Equal(240 * time.Second))

			// Capped at eight times the base tick.
			sched.adjustBackPressure(threshold+1, threshold)
			Expect(sched.interval).To(Equal(240 * time.Second))

			sched.adjustBackPressure(3, threshold)
			Expect(sched.interval).To(Equal(30 * time.Second))
		})

		It("ignores a single saturated tick", func() {
			sched.adjustBackPressure(21, 20)
			sched.adjustBackPressure(3, 20)
			sched.adjustBackPressure(21, 20)
			Expect(sched.interval).To(Equal(30 * time.Second))
		})
	})

	Describe("Run", func() {
		It("ticks immediately and stops on cancellation", func() {
			t := newTrip(trip.StatusScheduled, base.Add(48*time.Hour))
			store.queue(t)

			ctx, cancel := context.WithCancel(context.Background())
			errCh := make(chan error, 1)
			go func() {
				errCh <- sched.Run(ctx)
			}()

			Eventually(runner.tripIDs).Should(ConsistOf(t.ID))

			cancel()
			Eventually(errCh).Should(Receive(MatchError(context.Canceled)))
		})
	})
})

// fakeSource is an in-memory TripSource: batches of due trips are handed out
// one per TripsDue call, and every patch is recorded per trip.
type fakeSource struct {
	mu        sync.Mutex
	batches   [][]*trip.Trip
	err       error
	lastLimit int
	patches   map[uuid.UUID][]trip.Patch
}

func newFakeSource() *fakeSource {
	return &fakeSource{patches: map[uuid.UUID][]trip.Patch{}}
}

func (f *fakeSource) queue(trips ...*trip.Trip) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, trips)
}

func (f *fakeSource) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSource) TripsDue(ctx context.Context, now time.Time, limit int) ([]*trip.Trip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeSource) UpdateTrip(ctx context.Context, id uuid.UUID, patch trip.Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches[id] = append(f.patches[id], patch)
	return nil
}

func (f *fakeSource) patchesFor(id uuid.UUID) []trip.Patch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]trip.Patch, len(f.patches[id]))
	copy(out, f.patches[id])
	return out
}

func (f *fakeSource) limit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastLimit
}

// fakeRunner records cycles and returns canned results. When gate is set,
// ProcessTrip blocks on it after registering the start, which lets tests pin
// down the pool's concurrency.
type fakeRunner struct {
	mu      sync.Mutex
	results map[uuid.UUID]notification.CycleResult
	errs    map[uuid.UUID]error
	calls   []uuid.UUID
	started int
	gate    chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results: map[uuid.UUID]notification.CycleResult{},
		errs:    map[uuid.UUID]error{},
	}
}

func (f *fakeRunner) setResult(id uuid.UUID, res notification.CycleResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[id] = res
}

func (f *fakeRunner) setError(id uuid.UUID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[id] = err
}

func (f *fakeRunner) ProcessTrip(ctx context.Context, t *trip.Trip) (notification.CycleResult, error) {
	f.mu.Lock()
	f.started++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, t.ID)
	res, ok := f.results[t.ID]
	if !ok {
		res = notification.CycleResult{Status: t.Status}
	}
	return res, f.errs[t.ID]
}

func (f *fakeRunner) tripIDs() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uuid.UUID, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeRunner) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}
