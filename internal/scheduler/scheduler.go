// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

// Package scheduler runs the background tasks under a suture supervisor
// tree. Each task is its own service, so a panicking import run restarts
// without taking down the HTTP listener or the webhook drainer.
package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/tomtom215/watchstate/internal/config"
	"github.com/tomtom215/watchstate/internal/logging"
	"github.com/tomtom215/watchstate/internal/pipeline"
)

// Scheduler owns the supervisor tree.
type Scheduler struct {
	root  *suture.Supervisor
	tasks *suture.Supervisor
	log   zerolog.Logger
}

// New builds the tree: root supervises the long-lived services added via
// Add (HTTP server, webhook drainer) and a child supervisor holding the
// interval tasks.
func New(cfg *config.Config, pl *pipeline.Pipeline, log zerolog.Logger) *Scheduler {
	hook := (&sutureslog.Handler{Logger: logging.Slog(log)}).MustHook()

	root := suture.New("watchstate", suture.Spec{
		EventHook:        hook,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	tasks := suture.New("tasks", suture.Spec{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	root.Add(tasks)

	s := &Scheduler{root: root, tasks: tasks, log: log}

	s.addTask("task-import", cfg.Tasks.Import, func(ctx context.Context) error {
		report, err := pl.Import(ctx, pipeline.ImportOpts{})
		logReport(log, report, err)
		return err
	})
	s.addTask("task-export", cfg.Tasks.Export, func(ctx context.Context) error {
		report, err := pl.Export(ctx, pipeline.ExportOpts{})
		logReport(log, report, err)
		return err
	})
	s.addTask("task-progress", cfg.Tasks.Progress, func(ctx context.Context) error {
		report, err := pl.Progress(ctx, pipeline.ExportOpts{})
		logReport(log, report, err)
		return err
	})

	backupDir := filepath.Join(filepath.Dir(cfg.Store.Path), "backups")
	s.addTask("task-backup", cfg.Tasks.Backup, func(ctx context.Context) error {
		if err := os.MkdirAll(backupDir, 0o755); err != nil {
			return err
		}
		path, n, err := pl.Backup(ctx, backupDir)
		if err != nil {
			return err
		}
		log.Info().Str("path", path).Int64("states", n).Msg("Backup written")
		return nil
	})

	return s
}

// Add attaches a long-lived service (implements suture.Service) to the
// root.
func (s *Scheduler) Add(svc suture.Service) {
	s.root.Add(svc)
}

// Serve runs the tree until ctx is canceled.
func (s *Scheduler) Serve(ctx context.Context) error {
	return s.root.Serve(ctx)
}

func (s *Scheduler) addTask(name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		s.log.Info().Str("task", name).Msg("Task disabled")
		return
	}
	s.tasks.Add(&task{name: name, interval: interval, fn: fn, log: s.log})
}

// task runs fn on a fixed interval. A failed run is logged and waits for
// the next tick rather than failing the service.
type task struct {
	name     string
	interval time.Duration
	fn       func(context.Context) error
	log      zerolog.Logger
}

func (t *task) String() string { return t.name }

func (t *task) Serve(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.fn(ctx); err != nil && ctx.Err() == nil {
				t.log.Error().Err(err).Str("task", t.name).Msg("Task run failed")
			}
		}
	}
}

func logReport(log zerolog.Logger, report *pipeline.RunReport, err error) {
	if report == nil {
		return
	}
	ev := log.Info()
	if err != nil || report.HasErrors() {
		ev = log.Warn()
	}
	ev.Str("operation", report.Operation).
		Dur("took", report.Duration).
		Int("added", report.Added).
		Int("updated", report.Updated).
		Int("unchanged", report.Unchanged).
		Msg("Task run finished")
}
