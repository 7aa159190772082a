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

// Package template maps notification kinds to WhatsApp message templates and
// resolves their positional variables. The catalogue is configuration, not
// code: a YAML file (embedded defaults, optionally overridden on disk and
// hot-reloaded) binds each kind to a gateway template id and slot schema.
package template

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/valentin-ulloa/bauhaustravel/pkg/airports"
	"github.com/valentin-ulloa/bauhaustravel/pkg/trip"
)

//go:embed defaults.yaml
var embeddedCatalogue []byte

// lastResort fills a slot no resolver and no default could produce. A
// template with an empty positional variable is rejected by the gateway.
const lastResort = "N/D"

// Definition binds one notification kind to a gateway template.
type Definition struct {
	TemplateID   string `yaml:"template_id"`
	TemplateName string `yaml:"template_name"`
	// Slots is the ordered variable schema; slot i maps to positional
	// variable strconv.Itoa(i+1).
	Slots    []string          `yaml:"slots"`
	Defaults map[string]string `yaml:"defaults"`
}

type catalogueFile struct {
	Templates map[trip.NotificationKind]Definition `yaml:"templates"`
}

// Message is a fully resolved template send: the gateway id plus the
// positional variables keyed "1".."N".
type Message struct {
	TemplateID   string
	TemplateName string
	Variables    map[string]string
}

// TripView is the read-only projection of a trip the registry formats from.
type TripView struct {
	ClientName      string
	FlightNumber    string
	OriginIATA      string
	DestinationIATA string
	DepartureUTC    time.Time
	Gate            string
	Metadata        map[string]string
}

// WeatherProvider optionally resolves the REMINDER_24H weather slot. A nil
// provider or an error degrades to the catalogue default.
type WeatherProvider interface {
	Forecast(ctx context.Context, iata string, at time.Time) (string, error)
}

// Registry resolves notification kinds to ready-to-send messages.
type Registry struct {
	mu        sync.RWMutex
	templates map[trip.NotificationKind]Definition

	weather WeatherProvider
	log     *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithWeather plugs a forecast source into the reminder's weather slot.
func WithWeather(w WeatherProvider) Option {
	return func(r *Registry) { r.weather = w }
}

// NewRegistry builds a registry from the embedded catalogue.
func NewRegistry(log *zap.Logger, opts ...Option) (*Registry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{log: log}
	for _, opt := range opts {
		opt(r)
	}
	templates, err := parseCatalogue(embeddedCatalogue)
	if err != nil {
		return nil, fmt.Errorf("embedded catalogue: %w", err)
	}
	r.templates = templates
	return r, nil
}

// LoadFile replaces the catalogue with the contents of path. The previous
// catalogue stays active when the file is unreadable or incomplete.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading catalogue %s: %w", path, err)
	}
	templates, err := parseCatalogue(data)
	if err != nil {
		return fmt.Errorf("catalogue %s: %w", path, err)
	}
	r.mu.Lock()
	r.templates = templates
	r.mu.Unlock()
	r.log.Info("template catalogue loaded", zap.String("path", path), zap.Int("templates", len(templates)))
	return nil
}

func parseCatalogue(data []byte) (map[trip.NotificationKind]Definition, error) {
	var file catalogueFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	for _, kind := range []trip.NotificationKind{
		trip.KindReservationConfirmation, trip.KindReminder24h, trip.KindDelayed,
		trip.KindGateChange, trip.KindCancelled, trip.KindBoarding,
		trip.KindLandingWelcome, trip.KindItineraryReady,
	} {
		def, ok := file.Templates[kind]
		if !ok {
			return nil, fmt.Errorf("missing template for kind %s", kind)
		}
		if def.TemplateID == "" || def.TemplateName == "" || len(def.Slots) == 0 {
			return nil, fmt.Errorf("template for kind %s is incomplete", kind)
		}
	}
	return file.Templates, nil
}

// Lookup returns the definition for a kind.
func (r *Registry) Lookup(kind trip.NotificationKind) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.templates[kind]
	if !ok {
		return Definition{}, fmt.Errorf("no template registered for kind %s", kind)
	}
	return def, nil
}

// Format resolves the template for kind into a Message. Slot values come
// from extra first (the engine's per-change payload), then from the trip
// view, then from catalogue defaults. No variable is ever left empty.
func (r *Registry) Format(ctx context.Context, kind trip.NotificationKind, view TripView, extra map[string]string) (Message, error) {
	def, err := r.Lookup(kind)
	if err != nil {
		return Message{}, err
	}

	vars := make(map[string]string, len(def.Slots))
	for i, slot := range def.Slots {
		value := extra[slot]
		if value == "" {
			value = r.resolveSlot(ctx, slot, view)
		}
		if value == "" {
			value = def.Defaults[slot]
		}
		if value == "" {
			r.log.Warn("template slot resolved empty, using last-resort filler",
				zap.String("kind", string(kind)), zap.String("slot", slot))
			value = lastResort
		}
		vars[strconv.Itoa(i+1)] = value
	}

	return Message{
		TemplateID:   def.TemplateID,
		TemplateName: def.TemplateName,
		Variables:    vars,
	}, nil
}

// resolveSlot computes the standard slots from the trip view. Unknown slot
// names resolve empty and fall through to the catalogue defaults, so new
// catalogue slots do not require a code change unless they need computation.
func (r *Registry) resolveSlot(ctx context.Context, slot string, view TripView) string {
	switch slot {
	case "name":
		return view.ClientName
	case "flight":
		return view.FlightNumber
	case "origin":
		return airports.CityName(view.OriginIATA)
	case "destination", "destination_city":
		return airports.CityName(view.DestinationIATA)
	case "local_departure_human":
		return airports.FormatHuman(view.DepartureUTC, view.OriginIATA)
	case "local_departure_clean":
		return airports.FormatClean(view.DepartureUTC, view.OriginIATA)
	case "gate":
		return view.Gate
	case "stay_address":
		return view.Metadata["stay"]
	case "weather":
		return r.forecast(ctx, view)
	default:
		return ""
	}
}

func (r *Registry) forecast(ctx context.Context, view TripView) string {
	if r.weather == nil {
		return ""
	}
	forecast, err := r.weather.Forecast(ctx, view.DestinationIATA, view.DepartureUTC)
	if err != nil {
		r.log.Debug("weather lookup failed, using default",
			zap.String("destination", view.DestinationIATA), zap.Error(err))
		return ""
	}
	return forecast
}
