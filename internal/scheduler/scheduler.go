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

// Package scheduler owns the poll loop. Every tick it selects the trips
// whose next_check_at has come due, runs one engine cycle per trip on a
// bounded worker pool, and writes the next poll time back. Ticks never
// overlap: a slow tick delays the next one instead of stacking a second
// pool on top of a struggling provider.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/valentin-ulloa/bauhaustravel/pkg/metrics"
	"github.com/valentin-ulloa/bauhaustravel/pkg/notification"
	"github.com/valentin-ulloa/bauhaustravel/pkg/trip"
)

const (
	// backPressureFactor sets the saturation threshold at N times the
	// worker count; saturationStreak consecutive saturated ticks ease the
	// cadence. The due query fetches twice the threshold so a saturated
	// backlog is visible without pulling the whole table.
	backPressureFactor = 10
	saturationStreak   = 2
	// maxIntervalFactor caps how far back-pressure may stretch the tick.
	maxIntervalFactor = 8
)

// TripSource is the slice of the storage API the loop consumes.
type TripSource interface {
	TripsDue(ctx context.Context, now time.Time, limit int) ([]*trip.Trip, error)
	UpdateTrip(ctx context.Context, id uuid.UUID, patch trip.Patch) error
}

// CycleRunner runs one engine cycle for a due trip. Implemented by
// notification.Engine.
type CycleRunner interface {
	ProcessTrip(ctx context.Context, t *trip.Trip) (notification.CycleResult, error)
}

// Config tunes the loop.
type Config struct {
	// Tick is the base poll cadence (default 30s).
	Tick time.Duration
	// Workers bounds concurrent trip cycles (default 8).
	Workers int
	// CycleTimeout bounds one trip cycle end-to-end (default 90s). A cycle
	// that exceeds it is abandoned; partial state already persisted stays,
	// and the trip's next poll time is still advanced.
	CycleTimeout time.Duration
	// BoardingLead pulls the last pre-departure check forward so the cycle
	// that announces boarding runs while the gate assignment is still
	// useful to the passenger (default 35m).
	BoardingLead time.Duration
}

func (c *Config) applyDefaults() {
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = 90 * time.Second
	}
	if c.BoardingLead <= 0 {
		c.BoardingLead = 35 * time.Minute
	}
}

// Dependencies are the loop's collaborators. Store and Engine are required;
// Metrics and Logger degrade gracefully when unset.
type Dependencies struct {
	Store   TripSource
	Engine  CycleRunner
	Metrics *metrics.Recorder
	Logger  logr.Logger
	// Clock is overridable for tests.
	Clock func() time.Time
}

// Scheduler drives the poll loop. Create with New, start with Run. One
// instance per deployment; the due query does not lease rows.
type Scheduler struct {
	store   TripSource
	engine  CycleRunner
	metrics *metrics.Recorder
	log     logr.Logger
	clock   func() time.Time

	cfg Config

	// interval is the live tick cadence: back-pressure doubles it, a
	// drained queue restores cfg.Tick. Touched only by the Run goroutine.
	interval       time.Duration
	saturatedTicks int
}

// New validates dependencies and returns a scheduler ready to Run.
func New(cfg Config, deps Dependencies) (*Scheduler, error) {
	if deps.Store == nil {
		return nil, errors.New("scheduler requires a trip source")
	}
	if deps.Engine == nil {
		return nil, errors.New("scheduler requires a cycle runner")
	}
	cfg.applyDefaults()

	log := deps.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		store:    deps.Store,
		engine:   deps.Engine,
		metrics:  deps.Metrics,
		log:      log,
		clock:    clock,
		cfg:      cfg,
		interval: cfg.Tick,
	}, nil
}

// Run blocks until ctx is cancelled. The first tick fires immediately; each
// later tick waits for the previous one to finish plus the current interval,
// so ticks never overlap.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started",
		"tick", s.cfg.Tick.String(),
		"workers", s.cfg.Workers,
		"cycleTimeout", s.cfg.CycleTimeout.String())

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case <-timer.C:
		}
		s.tick(ctx)
		timer.Reset(s.interval)
	}
}

// tick selects due trips and processes each on the worker pool. Workers
// never return errors: a failed cycle is logged, counted, and the trip is
// rescheduled so one bad flight cannot stall the batch.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock().UTC()
	threshold := backPressureFactor * s.cfg.Workers

	due, err := s.store.TripsDue(ctx, now, 2*threshold)
	if err != nil {
		s.log.Error(err, "selecting due trips failed")
		return
	}
	s.metrics.RecordTick(len(due))
	s.adjustBackPressure(len(due), threshold)
	if len(due) == 0 {
		return
	}
	s.log.V(1).Info("tick", "due", len(due), "interval", s.interval.String())

	var pool errgroup.Group
	pool.SetLimit(s.cfg.Workers)
	for _, t := range due {
		t := t
		pool.Go(func() error {
			s.runCycle(ctx, t)
			return nil
		})
	}
	_ = pool.Wait()
}

// adjustBackPressure doubles the tick interval once the due backlog has
// exceeded the threshold for saturationStreak consecutive ticks, and snaps
// back to the base cadence as soon as the queue drains.
func (s *Scheduler) adjustBackPressure(dueCount, threshold int) {
	if dueCount <= threshold {
		if s.interval != s.cfg.Tick {
			s.log.Info("due queue drained, restoring base tick", "interval", s.cfg.Tick.String())
		}
		s.interval = s.cfg.Tick
		s.saturatedTicks = 0
		return
	}

	s.metrics.RecordSaturation()
	s.saturatedTicks++
	if s.saturatedTicks < saturationStreak {
		return
	}
	widened := s.interval * 2
	if ceiling := time.Duration(maxIntervalFactor) * s.cfg.Tick; widened > ceiling {
		widened = ceiling
	}
	if widened != s.interval {
		s.interval = widened
		s.log.Info("due queue saturated, easing tick cadence",
			"due", dueCount, "threshold", threshold, "interval", s.interval.String())
	}
}

// runCycle executes one engine cycle under the cycle timeout and advances
// the trip's next poll time. Rescheduling runs on the parent context so a
// timed-out cycle still moves the trip forward instead of letting every
// subsequent tick re-claim it.
func (s *Scheduler) runCycle(ctx context.Context, t *trip.Trip) {
	if t.Status.IsTerminal() {
		// A terminal trip with a live next_check_at violates the lifecycle
		// invariant; repair the row without burning a provider call.
		s.log.Info("clearing next_check_at on terminal trip",
			"tripID", t.ID.String(), "status", string(t.Status))
		if err := s.store.UpdateTrip(ctx, t.ID, trip.Patch{ClearNextCheck: true}); err != nil {
			s.log.Error(err, "repairing terminal trip failed", "tripID", t.ID.String())
		}
		return
	}

	cycleCtx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	start := time.Now()
	res, err := s.engine.ProcessTrip(cycleCtx, t)
	cancel()
	s.metrics.RecordCycle(time.Since(start).Seconds(), err)
	if err != nil {
		s.log.Error(err, "trip cycle failed",
			"tripID", t.ID.String(), "flight", t.FlightNumber)
	}

	s.reschedule(ctx, t, res)
}

// reschedule writes the next poll time computed from the cycle's resulting
// lifecycle state, clearing it for trips that went terminal.
func (s *Scheduler) reschedule(ctx context.Context, t *trip.Trip, res notification.CycleResult) {
	now := s.clock().UTC()
	next := NextCheck(t.DepartureUTC, now, res.Status, res.EstimatedArrival())
	if next == nil {
		if err := s.store.UpdateTrip(ctx, t.ID, trip.Patch{ClearNextCheck: true}); err != nil {
			s.log.Error(err, "clearing next_check_at failed", "tripID", t.ID.String())
		}
		return
	}

	at := s.clampToBoardingLead(*next, t, now)
	if err := s.store.UpdateTrip(ctx, t.ID, trip.Patch{NextCheckAt: &at}); err != nil {
		s.log.Error(err, "advancing next_check_at failed", "tripID", t.ID.String())
	}
}

// clampToBoardingLead pulls a pre-departure check that would overshoot the
// boarding window back to departure minus BoardingLead, guaranteeing one
// poll lands on the window's edge regardless of how the cadence bands line
// up with the departure time.
func (s *Scheduler) clampToBoardingLead(next time.Time, t *trip.Trip, now time.Time) time.Time {
	boardingAt := t.DepartureUTC.Add(-s.cfg.BoardingLead)
	if now.Before(boardingAt) && next.After(boardingAt) {
		return boardingAt
	}
	return next
}
