// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

// Package pipeline orchestrates multi-backend runs: segmented imports into
// the mapper, decision-table exports, play-progress pushes and store
// backups. One Pipeline lives for the process; each run builds its own
// queue and mapper.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/watchstate/internal/backends"
	"github.com/tomtom215/watchstate/internal/cache"
	"github.com/tomtom215/watchstate/internal/config"
	"github.com/tomtom215/watchstate/internal/mapper"
	"github.com/tomtom215/watchstate/internal/metrics"
	"github.com/tomtom215/watchstate/internal/models"
	"github.com/tomtom215/watchstate/internal/queue"
	"github.com/tomtom215/watchstate/internal/store"
)

// watermarkBucket keeps per-operation last-success timestamps so periodic
// runs only consider changes since the previous one.
const watermarkBucket = "runs"

// Pipeline wires the configured backends to the store and cache.
type Pipeline struct {
	cfg    *config.Config
	store  *store.Store
	cache  *cache.Cache
	log    zerolog.Logger
	client *http.Client

	clients map[string]backends.Client
}

// New builds the pipeline and one adapter per configured backend.
func New(cfg *config.Config, st *store.Store, ca *cache.Cache, log zerolog.Logger) (*Pipeline, error) {
	client := &http.Client{Timeout: cfg.Sync.RequestTimeout}

	clients := make(map[string]backends.Client, len(cfg.Backends))
	for _, b := range cfg.Backends {
		c, err := backends.New(b, client, log)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", b.Name, err)
		}
		clients[b.Name] = c
	}

	return &Pipeline{
		cfg:     cfg,
		store:   st,
		cache:   ca,
		log:     log,
		client:  client,
		clients: clients,
	}, nil
}

// Client returns the adapter for the named backend.
func (p *Pipeline) Client(name string) (backends.Client, bool) {
	c, ok := p.clients[name]
	return c, ok
}

func (p *Pipeline) queueConfig() queue.Config {
	return queue.Config{
		Workers:        p.cfg.Sync.Workers,
		RequestTimeout: p.cfg.Sync.RequestTimeout,
		Grace:          p.cfg.Sync.Grace,
		MaxAttempts:    p.cfg.Sync.RetryAttempts,
		RetryBaseDelay: p.cfg.Sync.RetryDelay,
	}
}

// selected returns the backends a run operates on: the named subset, or
// every backend passing keep.
func (p *Pipeline) selected(only []string, keep func(*config.Backend) bool) ([]*config.Backend, error) {
	if len(only) > 0 {
		out := make([]*config.Backend, 0, len(only))
		for _, name := range only {
			b, ok := p.cfg.GetBackend(name)
			if !ok {
				return nil, fmt.Errorf("unknown backend %q", name)
			}
			out = append(out, b)
		}
		return out, nil
	}

	var out []*config.Backend
	for i := range p.cfg.Backends {
		if b := &p.cfg.Backends[i]; keep(b) {
			out = append(out, b)
		}
	}
	return out, nil
}

// ImportOpts controls one import run.
type ImportOpts struct {
	// Backends restricts the run; empty means every import-enabled backend.
	Backends []string
	// Libraries restricts each backend to the given library ids or titles.
	Libraries []string
	// Full ignores the stored watermark and imports everything.
	Full bool
}

// Import pulls play state from the selected backends into the store.
func (p *Pipeline) Import(ctx context.Context, opts ImportOpts) (*RunReport, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Sync.ImportTimeout)
	defer cancel()

	targets, err := p.selected(opts.Backends, func(b *config.Backend) bool { return b.Import.Enabled })
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, errors.New("no backend has import enabled")
	}

	report := newRunReport("import")
	q := queue.New(p.client, p.queueConfig(), p.log)
	mp := mapper.NewMemory(p.store, p.log)

	var g errgroup.Group
	g.SetLimit(len(targets))
	for _, b := range targets {
		b := b
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("import %s panicked: %v", b.Name, r)
					report.addError(b.Name, err)
				}
			}()

			client := p.clients[b.Name]
			after := p.watermark("import", b.Name)
			if opts.Full || b.Import.MetadataOnly {
				after = nil
			}

			h := p.importHandler(ctx, b, mp, report)
			libs, err := client.Import(ctx, q, h, backends.ImportOpts{
				After:        after,
				Libraries:    opts.Libraries,
				MetadataOnly: b.Import.MetadataOnly,
				SegmentSize:  p.cfg.SegmentSize(b),
			})
			report.setLibraries(b.Name, libs)
			if err != nil {
				report.addError(b.Name, err)
				p.log.Error().Err(err).Str("backend", b.Name).Msg("Import failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	stats := q.Wait()
	commit, err := mp.Commit(ctx)
	if err != nil {
		return report, fmt.Errorf("commit import run: %w", err)
	}
	report.fold(stats, commit)

	for _, b := range targets {
		if br := report.backend(b.Name); !br.HasErrors {
			p.setWatermark("import", b.Name, report.Started)
		}
	}

	p.log.Info().
		Int("added", report.Added).
		Int("updated", report.Updated).
		Int("unchanged", report.Unchanged).
		Dur("duration", report.Duration).
		Msg("Import run finished")
	return report, nil
}

// importHandler adapts mapper and report bookkeeping into the adapter
// callback set.
func (p *Pipeline) importHandler(ctx context.Context, b *config.Backend, mp mapper.Mapper, report *RunReport) backends.ItemHandler {
	name := b.Name
	metadataOnly := b.Import.MetadataOnly
	return backends.ItemHandler{
		Log: p.log.With().Str("backend", name).Logger(),
		OnState: func(s *models.State) {
			if metadataOnly {
				maskPlayState(s)
			}
			if err := mp.Add(ctx, s); err != nil {
				report.addError(name, err)
				metrics.ImportDropped.WithLabelValues(name, "malformed").Inc()
				return
			}
			report.addItem(name)
			metrics.ImportItems.WithLabelValues(name).Inc()
		},
		OnDrop: func(reason string, err error) {
			report.addDropped(name)
			metrics.ImportDropped.WithLabelValues(name, reason).Inc()
		},
		OnError: func(err error) {
			report.addError(name, err)
		},
	}
}

// maskPlayState strips the canonical play-state contribution of a
// metadata-only backend. The per-backend snapshot keeps the remote truth so
// exports can still reason about it.
func maskPlayState(s *models.State) {
	s.Watched = false
	s.Progress = 0
	s.Updated = 0
	s.Tainted = false
}

// ExportOpts controls one export run.
type ExportOpts struct {
	Backends []string
	// Full ignores the watermark and considers every stored state.
	Full bool
}

// Export pushes watched/unwatched transitions to the selected backends per
// the latest-wins decision table.
func (p *Pipeline) Export(ctx context.Context, opts ExportOpts) (*RunReport, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Sync.ExportTimeout)
	defer cancel()

	targets, err := p.selected(opts.Backends, func(b *config.Backend) bool { return b.Export.Enabled })
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, errors.New("no backend has export enabled")
	}

	since := int64(0)
	if !opts.Full {
		if wm := p.watermark("export", ""); wm != nil {
			since = wm.Unix()
		}
	}

	var states []*models.State
	err = p.store.IterSince(ctx, since, func(st *models.State) error {
		states = append(states, st)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect states: %w", err)
	}

	report := newRunReport("export")
	q := queue.New(p.client, p.queueConfig(), p.log)

	for _, b := range targets {
		client := p.clients[b.Name]
		if err := client.Push(ctx, q, states); err != nil {
			report.addError(b.Name, err)
			p.log.Error().Err(err).Str("backend", b.Name).Msg("Export failed")
		}
	}

	report.fold(q.Wait(), mapper.Stats{})
	if !report.HasErrors() {
		p.setWatermark("export", "", report.Started)
	}

	p.log.Info().
		Int("states", len(states)).
		Dur("duration", report.Duration).
		Msg("Export run finished")
	return report, nil
}

// Progress pushes in-flight play positions to every export-enabled backend.
func (p *Pipeline) Progress(ctx context.Context, opts ExportOpts) (*RunReport, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Sync.ExportTimeout)
	defer cancel()

	targets, err := p.selected(opts.Backends, func(b *config.Backend) bool { return b.Export.Enabled })
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, errors.New("no backend has export enabled")
	}

	var states []*models.State
	err = p.store.IterSince(ctx, 0, func(st *models.State) error {
		if st.HasPlayProgress() {
			states = append(states, st)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect progress states: %w", err)
	}

	report := newRunReport("progress")
	q := queue.New(p.client, p.queueConfig(), p.log)

	for _, b := range targets {
		client := p.clients[b.Name]
		if err := client.Progress(ctx, q, states); err != nil {
			report.addError(b.Name, err)
			if errors.Is(err, backends.ErrVersionGate) {
				p.log.Warn().Err(err).Str("backend", b.Name).Msg("Progress push skipped")
				continue
			}
			p.log.Error().Err(err).Str("backend", b.Name).Msg("Progress push failed")
		}
	}

	report.fold(q.Wait(), mapper.Stats{})
	return report, nil
}

// Backup writes a line-delimited JSON snapshot of the store into dir and
// returns the file path.
func (p *Pipeline) Backup(ctx context.Context, dir string) (string, int64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create backup dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("watchstate-%s.json", time.Now().UTC().Format("20060102-150405")))
	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("create backup file: %w", err)
	}

	n, err := p.store.Backup(ctx, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("write backup: %w", err)
	}

	p.log.Info().Str("path", path).Int64("states", n).Msg("Backup written")
	return path, n, nil
}

// Restore loads a backup file into the store.
func (p *Pipeline) Restore(ctx context.Context, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open backup: %w", err)
	}
	defer f.Close()

	n, err := p.store.Restore(ctx, f)
	if err != nil {
		return n, fmt.Errorf("restore backup: %w", err)
	}
	p.log.Info().Str("path", path).Int64("states", n).Msg("Backup restored")
	return n, nil
}

// watermark returns the last successful run time for (op, backend), nil when
// none is recorded or no cache is attached.
func (p *Pipeline) watermark(op, backend string) *time.Time {
	if p.cache == nil {
		return nil
	}
	var unix int64
	if err := p.cache.Bucket(watermarkBucket, 0).Get(op+":"+backend, &unix); err != nil {
		return nil
	}
	t := time.Unix(unix, 0)
	return &t
}

func (p *Pipeline) setWatermark(op, backend string, t time.Time) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Bucket(watermarkBucket, 0).Put(op+":"+backend, t.Unix()); err != nil {
		p.log.Warn().Err(err).Str("operation", op).Msg("Failed to record run watermark")
	}
}
