// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the root build-engine configuration.
type Config struct {
	// Environment selects the active entry in Environments.
	Environment string `yaml:"environment" validate:"required"`

	// Environments maps environment names to their storage roots.
	Environments map[string]EnvironmentConfig `yaml:"environments" validate:"required,min=1"`

	Lock    LockConfig    `yaml:"lock"`
	Events  EventsConfig  `yaml:"events"`
	Control ControlConfig `yaml:"control"`
	Store   StoreConfig   `yaml:"store"`
	Logging LoggingConfig `yaml:"logging"`

	// Workers bounds concurrent task execution within one build.
	Workers int `yaml:"workers" validate:"gte=0"`

	// GCSCredentialsFile optionally points at a service account key for
	// gs:// roots. Empty uses application default credentials.
	GCSCredentialsFile string `yaml:"gcs_credentials_file,omitempty"`
}

// EnvironmentConfig is one environment's root set.
type EnvironmentConfig struct {
	// Roots maps root names to URIs (file://, gs://, mem://). Every
	// environment needs a "default" root.
	Roots map[string]string `yaml:"roots" validate:"required,min=1"`
}

// LockConfig configures the cross-build execution lock.
type LockConfig struct {
	// Dir is the shared lease directory. Builds that must exclude each
	// other need the same directory (a shared mount for multi-host).
	Dir string `yaml:"dir"`

	TTL          time.Duration `yaml:"ttl"`
	WaitTimeout  time.Duration `yaml:"wait_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// EventsConfig configures event emission to the dashboard tier.
type EventsConfig struct {
	// WebSocketURL is the ingest endpoint. Empty disables the sink.
	WebSocketURL string `yaml:"websocket_url,omitempty"`

	// EventsPerSecond rate-limits emission. Zero means unlimited.
	EventsPerSecond float64 `yaml:"events_per_second" validate:"gte=0"`
}

// ControlConfig configures the local control API.
type ControlConfig struct {
	// Listen is the bind address, e.g. "127.0.0.1:8372". Empty disables
	// the API.
	Listen string `yaml:"listen,omitempty"`
}

// StoreConfig configures the local execution-record store.
type StoreConfig struct {
	// Path is the BadgerDB directory. Empty disables record keeping.
	Path string `yaml:"path,omitempty"`

	SyncWrites bool `yaml:"sync_writes"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Format is text or json.
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// DefaultConfig returns a runnable local configuration rooted under the
// user's home directory.
func DefaultConfig() Config {
	base := ".kiln"
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".kiln")
	}
	return Config{
		Environment: "local",
		Environments: map[string]EnvironmentConfig{
			"local": {
				Roots: map[string]string{
					"default": "file://" + filepath.Join(base, "data"),
				},
			},
		},
		Lock: LockConfig{
			Dir: filepath.Join(base, "leases"),
		},
		Store: StoreConfig{
			Path:       filepath.Join(base, "records"),
			SyncWrites: true,
		},
		Control: ControlConfig{
			Listen: "127.0.0.1:8372",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Workers: 1,
	}
}

// ActiveRoots returns the root map for the selected environment.
func (c *Config) ActiveRoots() (map[string]string, bool) {
	env, ok := c.Environments[c.Environment]
	if !ok {
		return nil, false
	}
	return env.Roots, true
}

func (c *Config) applyDefaults() {
	if c.Workers == 0 {
		c.Workers = 1
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}
