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

// Package config loads the runtime configuration from the environment.
// Every tunable has a default; only the external endpoints and credentials
// are required. The loaded Config is passed explicitly to each component.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/valentin-ulloa/bauhaustravel/pkg/airports"
)

// Config is the full runtime configuration.
type Config struct {
	DatabaseURL string
	// RedisURL is optional; empty disables the sent-notification L1 cache.
	RedisURL string
	HTTPAddr string

	FlightAPIBaseURL string
	FlightAPIKey     string

	WhatsAppBaseURL string
	WhatsAppToken   string

	// SlackToken is optional; empty disables critical ops alerts.
	SlackToken   string
	SlackChannel string

	// TemplateCataloguePath overrides the embedded template catalogue and is
	// hot-reloaded; empty keeps the embedded defaults.
	TemplateCataloguePath string

	SchedulerTick    time.Duration
	SchedulerWorkers int
	CycleTimeout     time.Duration

	FlightCacheTTL time.Duration
	DelayCooldown  time.Duration
	SameETAWindow  time.Duration
	QuietHours     airports.QuietWindow
	ReminderLead   time.Duration
	BoardingLead   time.Duration

	LogLevel string
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("SLACK_ALERT_CHANNEL", "#ops-alerts")
	v.SetDefault("SCHEDULER_TICK_SECONDS", 30)
	v.SetDefault("SCHEDULER_WORKERS", 8)
	v.SetDefault("CYCLE_TIMEOUT_SECONDS", 90)
	v.SetDefault("FLIGHT_CACHE_TTL_SECONDS", 300)
	v.SetDefault("DELAY_COOLDOWN_MINUTES", 15)
	v.SetDefault("DELAY_SAME_ETA_WINDOW_HOURS", 2)
	v.SetDefault("QUIET_HOURS_LOCAL", "20-09")
	v.SetDefault("REMINDER_LEAD_HOURS", 24)
	v.SetDefault("BOARDING_LEAD_MINUTES", 35)
	v.SetDefault("LOG_LEVEL", "info")

	cfg := &Config{
		DatabaseURL:           v.GetString("DATABASE_URL"),
		RedisURL:              v.GetString("REDIS_URL"),
		HTTPAddr:              v.GetString("HTTP_ADDR"),
		FlightAPIBaseURL:      v.GetString("FLIGHT_API_BASE_URL"),
		FlightAPIKey:          v.GetString("FLIGHT_API_KEY"),
		WhatsAppBaseURL:       v.GetString("WHATSAPP_API_BASE_URL"),
		WhatsAppToken:         v.GetString("WHATSAPP_API_TOKEN"),
		SlackToken:            v.GetString("SLACK_ALERT_TOKEN"),
		SlackChannel:          v.GetString("SLACK_ALERT_CHANNEL"),
		TemplateCataloguePath: v.GetString("TEMPLATE_CATALOGUE_PATH"),
		SchedulerTick:         time.Duration(v.GetInt("SCHEDULER_TICK_SECONDS")) * time.Second,
		SchedulerWorkers:      v.GetInt("SCHEDULER_WORKERS"),
		CycleTimeout:          time.Duration(v.GetInt("CYCLE_TIMEOUT_SECONDS")) * time.Second,
		FlightCacheTTL:        time.Duration(v.GetInt("FLIGHT_CACHE_TTL_SECONDS")) * time.Second,
		DelayCooldown:         time.Duration(v.GetInt("DELAY_COOLDOWN_MINUTES")) * time.Minute,
		SameETAWindow:         time.Duration(v.GetInt("DELAY_SAME_ETA_WINDOW_HOURS")) * time.Hour,
		ReminderLead:          time.Duration(v.GetInt("REMINDER_LEAD_HOURS")) * time.Hour,
		BoardingLead:          time.Duration(v.GetInt("BOARDING_LEAD_MINUTES")) * time.Minute,
		LogLevel:              v.GetString("LOG_LEVEL"),
	}

	quiet, err := airports.ParseQuietWindow(v.GetString("QUIET_HOURS_LOCAL"))
	if err != nil {
		return nil, fmt.Errorf("QUIET_HOURS_LOCAL: %w", err)
	}
	cfg.QuietHours = quiet

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	require := func(value, key string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}
	require(c.DatabaseURL, "DATABASE_URL")
	require(c.FlightAPIBaseURL, "FLIGHT_API_BASE_URL")
	require(c.FlightAPIKey, "FLIGHT_API_KEY")
	require(c.WhatsAppBaseURL, "WHATSAPP_API_BASE_URL")
	require(c.WhatsAppToken, "WHATSAPP_API_TOKEN")
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.SchedulerTick <= 0 {
		return fmt.Errorf("SCHEDULER_TICK_SECONDS must be positive")
	}
	if c.SchedulerWorkers < 1 {
		return fmt.Errorf("SCHEDULER_WORKERS must be at least 1")
	}
	if c.CycleTimeout <= 0 {
		return fmt.Errorf("CYCLE_TIMEOUT_SECONDS must be positive")
	}
	if c.FlightCacheTTL <= 0 {
		return fmt.Errorf("FLIGHT_CACHE_TTL_SECONDS must be positive")
	}
	return nil
}

// ZapLevel maps LOG_LEVEL to a zap level. Unknown values fall back to info
// rather than refusing to start.
func (c *Config) ZapLevel() zapcore.Level {
	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel)))
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}
