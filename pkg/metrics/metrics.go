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

// Package metrics exposes the Prometheus instruments shared by the
// scheduler, the flight-data cache, and the notifications engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder owns every instrument the core emits. One instance is created at
// process start and handed to each component; a nil *Recorder disables
// recording so unit tests do not need a registry.
type Recorder struct {
	notificationsSent       *prometheus.CounterVec
	notificationsFailed     *prometheus.CounterVec
	notificationsSuppressed *prometheus.CounterVec

	flightCacheHits   prometheus.Counter
	flightCacheMisses prometheus.Counter
	flightCacheSaved  prometheus.Counter

	providerRequests *prometheus.CounterVec

	gatewayBreakerState prometheus.Gauge

	schedulerTicks      prometheus.Counter
	schedulerSaturation prometheus.Counter
	dueTrips            prometheus.Gauge
	cycleDuration       prometheus.Histogram
	cycleErrors         prometheus.Counter
}

// NewRecorder registers all instruments on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		notificationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bauhaus",
			Subsystem: "notifications",
			Name:      "sent_total",
			Help:      "Notifications delivered to the messaging gateway, by kind.",
		}, []string{"kind"}),
		notificationsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bauhaus",
			Subsystem: "notifications",
			Name:      "failed_total",
			Help:      "Notifications whose delivery exhausted retries, by kind.",
		}, []string{"kind"}),
		notificationsSuppressed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bauhaus",
			Subsystem: "notifications",
			Name:      "suppressed_total",
			Help:      "Notifications suppressed before delivery, by kind and reason.",
		}, []string{"kind", "reason"}),
		flightCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bauhaus",
			Subsystem: "flight_cache",
			Name:      "hits_total",
			Help:      "Flight-status lookups answered from the in-process cache.",
		}),
		flightCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bauhaus",
			Subsystem: "flight_cache",
			Name:      "misses_total",
			Help:      "Flight-status lookups that reached the provider.",
		}),
		flightCacheSaved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bauhaus",
			Subsystem: "flight_cache",
			Name:      "saved_calls_total",
			Help:      "Provider calls avoided by cache hits and in-flight request coalescing.",
		}),
		providerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bauhaus",
			Subsystem: "flight_provider",
			Name:      "requests_total",
			Help:      "Requests issued to the flight-data provider, by outcome.",
		}, []string{"outcome"}),
		gatewayBreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bauhaus",
			Subsystem: "gateway",
			Name:      "breaker_state",
			Help:      "Messaging-gateway circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),
		schedulerTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bauhaus",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Scheduler ticks executed.",
		}),
		schedulerSaturation: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bauhaus",
			Subsystem: "scheduler",
			Name:      "saturation_events_total",
			Help:      "Ticks where the due-trip queue exceeded the back-pressure threshold.",
		}),
		dueTrips: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bauhaus",
			Subsystem: "scheduler",
			Name:      "due_trips",
			Help:      "Trips picked up by the most recent tick.",
		}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bauhaus",
			Subsystem: "scheduler",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time spent processing one trip end-to-end.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		cycleErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bauhaus",
			Subsystem: "scheduler",
			Name:      "cycle_errors_total",
			Help:      "Trip cycles that ended with an error.",
		}),
	}
}

func (r *Recorder) RecordSent(kind string) {
	if r == nil {
		return
	}
	r.notificationsSent.WithLabelValues(kind).Inc()
}

func (r *Recorder) RecordFailed(kind string) {
	if r == nil {
		return
	}
	r.notificationsFailed.WithLabelValues(kind).Inc()
}

func (r *Recorder) RecordSuppressed(kind, reason string) {
	if r == nil {
		return
	}
	r.notificationsSuppressed.WithLabelValues(kind, reason).Inc()
}

func (r *Recorder) RecordCacheHit() {
	if r == nil {
		return
	}
	r.flightCacheHits.Inc()
	r.flightCacheSaved.Inc()
}

func (r *Recorder) RecordCacheMiss() {
	if r == nil {
		return
	}
	r.flightCacheMisses.Inc()
}

// RecordCacheCoalesced counts a provider call avoided because an identical
// request was already in flight.
func (r *Recorder) RecordCacheCoalesced() {
	if r == nil {
		return
	}
	r.flightCacheSaved.Inc()
}

func (r *Recorder) RecordProviderRequest(outcome string) {
	if r == nil {
		return
	}
	r.providerRequests.WithLabelValues(outcome).Inc()
}

// RecordGatewayBreakerState sets the messaging-gateway breaker gauge
// (0 closed, 1 half-open, 2 open).
func (r *Recorder) RecordGatewayBreakerState(state float64) {
	if r == nil {
		return
	}
	r.gatewayBreakerState.Set(state)
}

func (r *Recorder) RecordTick(dueCount int) {
	if r == nil {
		return
	}
	r.schedulerTicks.Inc()
	r.dueTrips.Set(float64(dueCount))
}

func (r *Recorder) RecordSaturation() {
	if r == nil {
		return
	}
	r.schedulerSaturation.Inc()
}

func (r *Recorder) RecordCycle(seconds float64, err error) {
	if r == nil {
		return
	}
	r.cycleDuration.Observe(seconds)
	if err != nil {
		r.cycleErrors.Inc()
	}
}
