// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config represents the governor configuration.
//
// Configuration is one immutable value: a YAML file merged with
// upper-snake-case environment variable overrides, validated once at
// startup. There are no runtime toggles.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	yaml "github.com/goccy/go-yaml"
)

// Config is the single configuration object for the governor process.
type Config struct {
	IngestPort     int `yaml:"ingest_port" validate:"min=1,max=65535"`
	APIPort        int `yaml:"api_port" validate:"min=1,max=65535"`
	HealthPort     int `yaml:"health_port" validate:"min=1,max=65535"`
	PrometheusPort int `yaml:"prometheus_port" validate:"min=1,max=65535"`

	ContextWindowSize int64 `yaml:"context_window_size" validate:"min=1"`

	CompactionThreshold float64 `yaml:"compaction_threshold" validate:"gt=0,lt=1"`
	WarningThreshold    float64 `yaml:"warning_threshold" validate:"gt=0,lt=1"`
	CheckpointThreshold float64 `yaml:"checkpoint_threshold" validate:"gt=0,lt=1"`

	CompactionDropFraction   float64 `yaml:"compaction_drop_fraction" validate:"gt=0,lt=1"`
	HighVelocityTokensPerSec float64 `yaml:"high_velocity_tokens_per_sec" validate:"gt=0"`

	// MaxConcurrentSessions is a soft limit; exceeding it logs a warning,
	// it never rejects telemetry.
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions" validate:"min=1"`

	RetentionAfterClose time.Duration `yaml:"retention_after_close"`
	SSEReplayBuffer     int           `yaml:"sse_replay_buffer" validate:"min=1"`

	// StrictSessionID rejects telemetry that carries no claude.session.id
	// instead of synthesizing a weak identity.
	StrictSessionID bool `yaml:"strict_session_id"`

	StateDir    string `yaml:"state_dir" validate:"required"`
	StoreEngine string `yaml:"store_engine" validate:"oneof=file bolt"`

	LogFile string `yaml:"log_file"`
}

// NewDefault returns the built-in configuration.
func NewDefault() Config {
	return Config{
		IngestPort:               4318,
		APIPort:                  3030,
		HealthPort:               8080,
		PrometheusPort:           9090,
		ContextWindowSize:        200000,
		CompactionThreshold:      0.95,
		WarningThreshold:         0.85,
		CheckpointThreshold:      0.75,
		CompactionDropFraction:   0.25,
		HighVelocityTokensPerSec: 1000,
		MaxConcurrentSessions:    64,
		RetentionAfterClose:      15 * time.Minute,
		SSEReplayBuffer:          1024,
		StateDir:                 "/var/lib/governor",
		StoreEngine:              "file",
	}
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (Config, error) {
	c := NewDefault()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return Config{}, fmt.Errorf("the config file is not valid YAML. detailed error: %w", err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks field ranges and the threshold ordering invariant.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !(c.CheckpointThreshold < c.WarningThreshold && c.WarningThreshold < c.CompactionThreshold) {
		return fmt.Errorf("thresholds must be ordered checkpoint (%v) < warning (%v) < compaction (%v)",
			c.CheckpointThreshold, c.WarningThreshold, c.CompactionThreshold)
	}
	if c.RetentionAfterClose <= 0 {
		return fmt.Errorf("retention_after_close must be positive, got %v", c.RetentionAfterClose)
	}
	return nil
}

// envBindings maps environment variables onto config fields. Every YAML
// field has an upper-snake-case analog.
func (c *Config) applyEnv() error {
	intFields := map[string]*int{
		"INGEST_PORT":             &c.IngestPort,
		"API_PORT":                &c.APIPort,
		"HEALTH_PORT":             &c.HealthPort,
		"PROMETHEUS_PORT":         &c.PrometheusPort,
		"MAX_CONCURRENT_SESSIONS": &c.MaxConcurrentSessions,
		"SSE_REPLAY_BUFFER":       &c.SSEReplayBuffer,
	}
	for name, dst := range intFields {
		if v, ok := os.LookupEnv(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("environment variable %s=%q is not an integer: %w", name, v, err)
			}
			*dst = n
		}
	}
	floatFields := map[string]*float64{
		"COMPACTION_THRESHOLD":         &c.CompactionThreshold,
		"WARNING_THRESHOLD":            &c.WarningThreshold,
		"CHECKPOINT_THRESHOLD":         &c.CheckpointThreshold,
		"COMPACTION_DROP_FRACTION":     &c.CompactionDropFraction,
		"HIGH_VELOCITY_TOKENS_PER_SEC": &c.HighVelocityTokensPerSec,
	}
	for name, dst := range floatFields {
		if v, ok := os.LookupEnv(name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("environment variable %s=%q is not a number: %w", name, v, err)
			}
			*dst = f
		}
	}
	if v, ok := os.LookupEnv("CONTEXT_WINDOW_SIZE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("environment variable CONTEXT_WINDOW_SIZE=%q is not an integer: %w", v, err)
		}
		c.ContextWindowSize = n
	}
	if v, ok := os.LookupEnv("RETENTION_AFTER_CLOSE"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("environment variable RETENTION_AFTER_CLOSE=%q is not a duration: %w", v, err)
		}
		c.RetentionAfterClose = d
	}
	if v, ok := os.LookupEnv("STRICT_SESSION_ID"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("environment variable STRICT_SESSION_ID=%q is not a boolean: %w", v, err)
		}
		c.StrictSessionID = b
	}
	if v, ok := os.LookupEnv("STATE_DIR"); ok {
		c.StateDir = v
	}
	if v, ok := os.LookupEnv("STORE_ENGINE"); ok {
		c.StoreEngine = v
	}
	if v, ok := os.LookupEnv("LOG_FILE"); ok {
		c.LogFile = v
	}
	return nil
}
