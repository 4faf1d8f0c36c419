// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package webhook

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/watchstate/internal/cache"
	"github.com/tomtom215/watchstate/internal/config"
	"github.com/tomtom215/watchstate/internal/mapper"
	"github.com/tomtom215/watchstate/internal/models"
	"github.com/tomtom215/watchstate/internal/pipeline"
	"github.com/tomtom215/watchstate/internal/queue"
	"github.com/tomtom215/watchstate/internal/store"
)

// Drainer periodically folds the buffered webhook buckets into the store
// and pushes buffered progress to the export-enabled backends. It runs as a
// supervised service.
type Drainer struct {
	cfg *config.Config
	pl  *pipeline.Pipeline
	st  *store.Store
	log zerolog.Logger

	client   *http.Client
	requests *cache.Bucket
	progress *cache.Bucket
	interval time.Duration
}

// NewDrainer wires the drainer to the buckets the handler writes.
func NewDrainer(cfg *config.Config, pl *pipeline.Pipeline, st *store.Store, ca *cache.Cache, log zerolog.Logger) *Drainer {
	return &Drainer{
		cfg:      cfg,
		pl:       pl,
		st:       st,
		log:      log,
		client:   &http.Client{Timeout: cfg.Sync.RequestTimeout},
		requests: ca.Bucket(requestsBucket, RequestsTTL),
		progress: ca.Bucket(progressBucket, ProgressTTL),
		interval: cfg.Tasks.WebhookDrain,
	}
}

// String names the service in supervisor logs.
func (d *Drainer) String() string { return "webhook-drainer" }

// Serve runs the drain loop until the context is canceled.
func (d *Drainer) Serve(ctx context.Context) error {
	if d.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := d.Drain(ctx); err != nil {
				d.log.Error().Err(err).Msg("Webhook drain failed")
			} else if n > 0 {
				d.log.Info().Int("events", n).Msg("Webhook events drained")
			}
		}
	}
}

// Drain folds buffered request events into the store and flushes buffered
// progress. Returns the number of request events applied.
func (d *Drainer) Drain(ctx context.Context) (int, error) {
	n, err := d.drainRequests(ctx)
	if err != nil {
		return n, err
	}
	if err := d.drainProgress(ctx); err != nil {
		return n, err
	}
	return n, nil
}

func (d *Drainer) drainRequests(ctx context.Context) (int, error) {
	type entry struct {
		key   string
		raw   []byte
		state *models.State
	}
	var entries []entry
	err := d.requests.Each(func(key string, raw []byte) error {
		var st models.State
		if err := json.Unmarshal(raw, &st); err != nil {
			d.log.Warn().Err(err).Str("key", key).Msg("Dropping undecodable webhook entry")
			_, derr := d.requests.CompareDelete(key, raw)
			return derr
		}
		entries = append(entries, entry{
			key:   key,
			raw:   append([]byte(nil), raw...),
			state: &st,
		})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("iterate request bucket: %w", err)
	}

	direct := mapper.NewDirect(d.st, d.log)
	applied := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return applied, ctx.Err()
		}
		if err := direct.Add(ctx, e.state); err != nil {
			d.log.Warn().Err(err).Str("key", e.key).Msg("Webhook event not applicable, dropping")
		} else {
			applied++
		}
		// An overwrite since the snapshot stays for the next tick.
		if _, err := d.requests.CompareDelete(e.key, e.raw); err != nil {
			return applied, err
		}
	}
	return applied, nil
}

// drainProgress pushes buffered play positions to the export-enabled
// backends. Entries stay in the bucket on push failure and are retried on
// the next drain until their TTL expires.
func (d *Drainer) drainProgress(ctx context.Context) error {
	var (
		keys   []string
		raws   [][]byte
		states []*models.State
	)
	err := d.progress.Each(func(key string, raw []byte) error {
		var st models.State
		if err := json.Unmarshal(raw, &st); err != nil {
			_, derr := d.progress.CompareDelete(key, raw)
			return derr
		}
		keys = append(keys, key)
		raws = append(raws, append([]byte(nil), raw...))
		states = append(states, &st)
		return nil
	})
	if err != nil {
		return fmt.Errorf("iterate progress bucket: %w", err)
	}
	if len(states) == 0 {
		return nil
	}

	// Resolve buffered events against the store so every backend's remote
	// id is available, not just the origin's.
	direct := mapper.NewDirect(d.st, d.log)
	resolved := make([]*models.State, 0, len(states))
	for _, st := range states {
		if full, err := direct.Get(ctx, st); err == nil && full != nil {
			models.Merge(full, st, d.log)
			resolved = append(resolved, full)
		} else {
			resolved = append(resolved, st)
		}
	}

	q := queue.New(d.client, queue.Config{
		Workers:        d.cfg.Sync.Workers,
		RequestTimeout: d.cfg.Sync.RequestTimeout,
		Grace:          d.cfg.Sync.Grace,
		MaxAttempts:    d.cfg.Sync.RetryAttempts,
		RetryBaseDelay: d.cfg.Sync.RetryDelay,
	}, d.log)

	for i := range d.cfg.Backends {
		b := &d.cfg.Backends[i]
		if !b.Export.Enabled {
			continue
		}
		client, ok := d.pl.Client(b.Name)
		if !ok {
			continue
		}
		// Do not echo progress back at the backend that reported it.
		var outgoing []*models.State
		for _, st := range resolved {
			if st.Via != b.Name {
				outgoing = append(outgoing, st)
			}
		}
		if len(outgoing) == 0 {
			continue
		}
		if err := client.Progress(ctx, q, outgoing); err != nil {
			d.log.Warn().Err(err).Str("backend", b.Name).Msg("Progress drain push skipped")
		}
	}

	stats := q.Wait()
	for _, s := range stats {
		if s.Failed > 0 || s.Aborted > 0 {
			// Keep the bucket; TTL bounds the retries.
			return nil
		}
	}
	for i, key := range keys {
		if _, err := d.progress.CompareDelete(key, raws[i]); err != nil {
			return err
		}
	}
	return nil
}
