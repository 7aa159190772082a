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

// Package ingress is the HTTP surface of the core: trip creation and
// inspection, manual notification sends, a recheck trigger, and the
// operational probes. It owns input validation and local-to-UTC departure
// normalization; everything behind it works in UTC only.
package ingress

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/valentin-ulloa/bauhaustravel/pkg/notification"
	"github.com/valentin-ulloa/bauhaustravel/pkg/trip"
)

const healthProbeTimeout = 2 * time.Second

// TripStore is the slice of the storage API the handlers consume.
type TripStore interface {
	CreateTrip(ctx context.Context, t *trip.Trip) error
	TripByID(ctx context.Context, id uuid.UUID) (*trip.Trip, error)
	FindDuplicateTrip(ctx context.Context, whatsapp, flightNumber string, departureUTC time.Time) (*trip.Trip, error)
	UpdateTrip(ctx context.Context, id uuid.UUID, patch trip.Patch) error
	NotificationsWhere(ctx context.Context, tripID uuid.UUID, kinds ...trip.NotificationKind) ([]trip.NotificationLogEntry, error)
	Ping(ctx context.Context) error
}

// Notifier is the slice of the engine the handlers consume.
type Notifier interface {
	SendReservationConfirmation(ctx context.Context, t *trip.Trip) notification.DispatchResult
	SendSingle(ctx context.Context, tripID uuid.UUID, kind trip.NotificationKind, extra map[string]string) (notification.DispatchResult, error)
}

// Config tunes the HTTP server.
type Config struct {
	Addr string
	// FirstCheckLead positions a new trip's initial poll relative to its
	// departure. It defaults to 24h so the first cycle lands when the
	// reminder window opens; a trip created inside the window is polled on
	// the next tick.
	FirstCheckLead time.Duration
	// ShutdownGrace bounds the connection drain on shutdown (default 10s).
	ShutdownGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.FirstCheckLead <= 0 {
		c.FirstCheckLead = 24 * time.Hour
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
}

// Dependencies are the server's collaborators. Store and Notifier are
// required; a nil Gatherer disables the /metrics route.
type Dependencies struct {
	Store    TripStore
	Notifier Notifier
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	// Clock is overridable for tests.
	Clock func() time.Time
}

// Server serves the ingress API. Create with New, start with Run.
type Server struct {
	cfg      Config
	store    TripStore
	notifier Notifier
	gatherer prometheus.Gatherer
	log      *zap.Logger
	clock    func() time.Time
	validate *validator.Validate
}

// New validates dependencies and returns a server ready to Run.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("ingress requires a trip store")
	}
	if deps.Notifier == nil {
		return nil, errors.New("ingress requires a notifier")
	}
	cfg.applyDefaults()

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names in validation errors, not Go field names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Server{
		cfg:      cfg,
		store:    deps.Store,
		notifier: deps.Notifier,
		gatherer: deps.Gatherer,
		log:      log,
		clock:    clock,
		validate: validate,
	}, nil
}

// Router builds the chi routing tree. Exposed separately so tests can drive
// handlers without binding a socket.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/healthz", s.handleHealthz)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/trips", func(r chi.Router) {
		r.Post("/", s.handleCreateTrip)
		r.Get("/{tripID}", s.handleGetTrip)
		r.Post("/{tripID}/recheck", s.handleRecheckTrip)
	})
	r.Post("/notifications/send", s.handleSendNotification)

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests for up
// to ShutdownGrace.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		s.log.Warn("http drain incomplete, closing", zap.Error(err))
		_ = srv.Close()
	}
	return ctx.Err()
}

// logRequests logs one line per request. The probes are exempt; they fire
// every few seconds and say nothing.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
