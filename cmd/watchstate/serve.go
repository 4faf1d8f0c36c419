// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package main

import (
	"context"
	"errors"
	"flag"
	"os/signal"
	"syscall"

	"github.com/tomtom215/watchstate/internal/api"
	"github.com/tomtom215/watchstate/internal/scheduler"
	"github.com/tomtom215/watchstate/internal/webhook"
)

// cmdServe runs the long-lived process: webhook ingestion, the scheduled
// sync tasks and the API, all under one supervisor.
func cmdServe(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	dir := configDirFlag(fs)
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	a, err := openApp(*dir, true)
	if err != nil {
		return failConfig(err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wh := webhook.NewHandler(a.cfg, a.pl, a.ca, a.log)
	srv := api.New(a.cfg, a.st, a.pl, wh, a.log)
	drainer := webhook.NewDrainer(a.cfg, a.pl, a.st, a.ca, a.log)

	sched := scheduler.New(a.cfg, a.pl, a.log)
	sched.Add(srv)
	sched.Add(drainer)

	a.log.Info().
		Int("backends", len(a.cfg.Backends)).
		Str("listen", a.cfg.API.Listen).
		Msg("WatchState starting")

	if err := sched.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error().Err(err).Msg("Supervisor exited")
		return exitFail
	}

	// Flush anything the webhook buffered before going down.
	if n, err := drainer.Drain(context.Background()); err == nil && n > 0 {
		a.log.Info().Int("events", n).Msg("Final webhook drain")
	}
	return exitOK
}
