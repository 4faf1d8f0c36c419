// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/watchstate/internal/cache"
	"github.com/tomtom215/watchstate/internal/config"
	"github.com/tomtom215/watchstate/internal/logging"
	"github.com/tomtom215/watchstate/internal/pipeline"
	"github.com/tomtom215/watchstate/internal/store"
)

// app bundles the opened resources behind one Close.
type app struct {
	cfg *config.Config
	st  *store.Store
	ca  *cache.Cache
	pl  *pipeline.Pipeline
	log zerolog.Logger
}

// openApp loads the config and opens store, cache and pipeline. withCache
// is false for the read-only db verbs that never touch the buckets.
func openApp(configDir string, withCache bool) (*app, error) {
	cfg, err := loadConfig(configDir)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: logging.Logger()}

	a.st, err = store.Open(cfg.Store.Path, a.log)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		names = append(names, b.Name)
	}
	if err := a.st.EnsureBackendIndexes(names); err != nil {
		a.Close()
		return nil, err
	}

	if withCache {
		a.ca, err = cache.Open(cfg.Cache.Path, cfg.Cache.InMemory, a.log)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.pl, err = pipeline.New(cfg, a.st, a.ca, a.log)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.ca != nil {
		_ = a.ca.Close()
	}
	if a.st != nil {
		_ = a.st.Close()
	}
}

// printJSON writes v to stdout, indented for humans.
func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// reportExit converts a run outcome into the documented exit codes.
func reportExit(report *pipeline.RunReport, err error) int {
	if report != nil {
		printJSON(report)
		for _, br := range report.Backends {
			if br.AuthFailed {
				return exitAuth
			}
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitFail
	}
	if report != nil && report.HasErrors() {
		return exitFail
	}
	return exitOK
}
