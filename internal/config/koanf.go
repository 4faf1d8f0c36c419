// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"golang.org/x/crypto/bcrypt"
)

// Filenames inside the config directory.
const (
	GlobalFile  = "config.yaml"
	ServersFile = "servers.yaml"
)

// EnvPrefix is the prefix for WatchState environment variables.
const EnvPrefix = "WS_"

// Load builds the configuration for the given config directory, layering
// defaults, config.yaml, servers.yaml and WS_ environment variables.
// Missing files are not an error; a malformed file is.
func Load(dir string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	for _, name := range []string{GlobalFile, ServersFile} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
	}

	// Generic env overrides: WS_SYNC__SEGMENT_SIZE=500 -> sync.segment_size.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyNamedEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyNamedEnv applies the documented flat environment variables that do
// not follow the WS_SECTION__KEY convention.
func applyNamedEnv(cfg *Config) {
	if v := os.Getenv("WS_TZ"); v != "" {
		cfg.Tasks.Timezone = v
	}
	if v := os.Getenv("WS_LOGS_CONTEXT"); v != "" {
		cfg.Logging.Context = parseBool(v)
	}
	if v := os.Getenv("WEBUI_ENABLED"); v != "" {
		cfg.API.WebUI = parseBool(v)
	}
	// WS_API_KEY carries the raw key; the stored form is always the bcrypt
	// hash the auth middleware compares against.
	if v := os.Getenv("WS_API_KEY"); v != "" {
		if hash, err := bcrypt.GenerateFromPassword([]byte(v), bcrypt.DefaultCost); err == nil {
			cfg.API.KeyHash = string(hash)
		}
	}

	for name, target := range map[string]*time.Duration{
		"WS_CRON_IMPORT":   &cfg.Tasks.Import,
		"WS_CRON_EXPORT":   &cfg.Tasks.Export,
		"WS_CRON_BACKUP":   &cfg.Tasks.Backup,
		"WS_CRON_PROGRESS": &cfg.Tasks.Progress,
	} {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			continue // malformed schedule falls back to the configured value
		}
		*target = d
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
