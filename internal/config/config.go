// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

// Package config defines the WatchState configuration model and its loader.
//
// Configuration is layered: compiled defaults, then config.yaml (global) and
// servers.yaml (backends) from the config directory, then WS_-prefixed
// environment variables. The core never reads files elsewhere; callers pass
// the already-loaded *Config down.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// BackendType identifies the vendor of a configured backend.
type BackendType string

// Supported backend types.
const (
	BackendPlex     BackendType = "plex"
	BackendJellyfin BackendType = "jellyfin"
	BackendEmby     BackendType = "emby"
)

// Config is the root configuration.
type Config struct {
	Logging  LoggingConfig  `koanf:"logging"`
	API      APIConfig      `koanf:"api"`
	Store    StoreConfig    `koanf:"store"`
	Cache    CacheConfig    `koanf:"cache"`
	Sync     SyncConfig     `koanf:"sync"`
	Tasks    TasksConfig    `koanf:"tasks"`
	Backends []Backend      `koanf:"backends" validate:"dive"`
}

// LoggingConfig controls the zerolog global logger.
type LoggingConfig struct {
	Level   string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format  string `koanf:"format" validate:"omitempty,oneof=json console"`
	Dir     string `koanf:"dir"`
	Context bool   `koanf:"context"` // WS_LOGS_CONTEXT: attach context maps to records
}

// APIConfig controls the HTTP surface (webhooks, healthz, metrics).
type APIConfig struct {
	Listen string `koanf:"listen"`
	// KeyHash is the bcrypt hash of the API key generated by system:apikey.
	KeyHash string `koanf:"key_hash"`
	// RateLimit is requests per minute per client IP on the webhook route.
	RateLimit int `koanf:"rate_limit" validate:"omitempty,min=1"`
	WebUI     bool `koanf:"webui"` // WEBUI_ENABLED; consumed by the outer shell
}

// StoreConfig locates the sqlite state store.
type StoreConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// CacheConfig locates the badger KV backing the webhook buckets.
type CacheConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"in_memory"`
}

// SyncConfig carries the engine-wide tunables shared by import and export.
type SyncConfig struct {
	// SegmentSize is the page size for segmented library fetches.
	SegmentSize int `koanf:"segment_size" validate:"min=1"`
	// Workers is the queue worker pool size.
	Workers int `koanf:"workers" validate:"min=1"`
	// RequestTimeout bounds a single backend HTTP request.
	RequestTimeout time.Duration `koanf:"request_timeout"`
	// ImportTimeout bounds a whole import run.
	ImportTimeout time.Duration `koanf:"import_timeout"`
	// ExportTimeout bounds a whole export run.
	ExportTimeout time.Duration `koanf:"export_timeout"`
	// Grace is how long in-flight requests get after cancellation.
	Grace         time.Duration `koanf:"grace"`
	RetryAttempts int           `koanf:"retry_attempts" validate:"min=1,max=10"`
	RetryDelay    time.Duration `koanf:"retry_delay"`
}

// TasksConfig schedules the background runs. A zero interval disables the task.
type TasksConfig struct {
	Import       time.Duration `koanf:"import"`
	Export       time.Duration `koanf:"export"`
	Backup       time.Duration `koanf:"backup"`
	Progress     time.Duration `koanf:"progress"`
	WebhookDrain time.Duration `koanf:"webhook_drain"`
	Timezone     string        `koanf:"timezone"`
}

// Backend is one configured media-server backend.
type Backend struct {
	Name  string      `koanf:"name" validate:"required"`
	Type  BackendType `koanf:"type" validate:"required,oneof=plex jellyfin emby"`
	URL   string      `koanf:"url" validate:"required,url"`
	Token string      `koanf:"token" validate:"required"`
	// User is the backend-local user id whose play state is synchronized.
	User string `koanf:"user"`
	// UUID is the backend server identifier, learned at add time and used
	// to validate webhook origin.
	UUID string `koanf:"uuid"`

	Import  ImportFlags  `koanf:"import"`
	Export  ExportFlags  `koanf:"export"`
	Webhook WebhookFlags `koanf:"webhook"`
	Options Options      `koanf:"options"`
}

// ImportFlags controls whether and how a backend contributes state.
type ImportFlags struct {
	Enabled bool `koanf:"enabled"`
	// MetadataOnly accepts metadata snapshots without play-state writes.
	MetadataOnly bool `koanf:"metadata_only"`
}

// ExportFlags controls whether state is pushed to a backend.
type ExportFlags struct {
	Enabled bool `koanf:"enabled"`
}

// WebhookFlags controls webhook origin validation for a backend.
type WebhookFlags struct {
	// MatchUser requires the webhook's user id to equal Backend.User.
	MatchUser bool `koanf:"match_user"`
	// MatchUUID requires the webhook's server id to equal Backend.UUID.
	MatchUUID bool `koanf:"match_uuid"`
}

// Options are per-backend overrides of the engine-wide tunables.
type Options struct {
	SegmentSize     int      `koanf:"segment_size" validate:"omitempty,min=1"`
	Workers         int      `koanf:"workers" validate:"omitempty,min=1"`
	IgnoreLibraries []string `koanf:"ignore_libraries"`
}

// Default returns a Config with the compiled defaults applied.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		API: APIConfig{
			Listen:    "0.0.0.0:7878",
			RateLimit: 120,
		},
		Store: StoreConfig{
			Path: "/config/db.sqlite",
		},
		Cache: CacheConfig{
			Path: "/config/cache",
		},
		Sync: SyncConfig{
			SegmentSize:    1000,
			Workers:        10,
			RequestTimeout: 300 * time.Second,
			ImportTimeout:  24 * time.Hour,
			ExportTimeout:  12 * time.Hour,
			Grace:          5 * time.Second,
			RetryAttempts:  3,
			RetryDelay:     1 * time.Second,
		},
		Tasks: TasksConfig{
			Import:       1 * time.Hour,
			Export:       90 * time.Minute,
			Backup:       24 * time.Hour,
			Progress:     45 * time.Minute,
			WebhookDrain: 1 * time.Minute,
		},
	}
}

// Validate checks structural validity and cross-field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Backends))
	for i := range c.Backends {
		b := &c.Backends[i]
		if !validBackendName(b.Name) {
			return fmt.Errorf("backend %q: name must match [a-z0-9_]+", b.Name)
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("backend %q: duplicate name", b.Name)
		}
		seen[b.Name] = struct{}{}
	}
	return nil
}

// GetBackend returns the backend with the given name.
func (c *Config) GetBackend(name string) (*Backend, bool) {
	for i := range c.Backends {
		if c.Backends[i].Name == name {
			return &c.Backends[i], true
		}
	}
	return nil, false
}

// SegmentSize returns the effective library page size for the backend.
func (c *Config) SegmentSize(b *Backend) int {
	if b.Options.SegmentSize > 0 {
		return b.Options.SegmentSize
	}
	return c.Sync.SegmentSize
}

func validBackendName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}
