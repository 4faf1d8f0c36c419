// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

// Package mapper reconciles incoming backend states with the canonical
// store. The memory mapper aggregates a whole import run and commits dirty
// entities in one transaction; the direct mapper writes through immediately
// and serves the webhook path.
package mapper

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tomtom215/watchstate/internal/models"
	"github.com/tomtom215/watchstate/internal/store"
)

// Stats summarizes one commit.
type Stats struct {
	Added     int
	Updated   int
	Unchanged int
}

// Mapper folds incoming states into canonical entities.
type Mapper interface {
	// Add merges incoming into the entity it identifies, creating one when
	// nothing matches. Safe for concurrent use.
	Add(ctx context.Context, incoming *models.State) error
	// Get resolves the entity an incoming state refers to without merging.
	Get(ctx context.Context, ref *models.State) (*models.State, error)
	// Commit persists accumulated changes and returns the tally.
	Commit(ctx context.Context) (Stats, error)
	// Len is the number of entities touched since the last commit.
	Len() int
}

type slot struct {
	state   *models.State
	created bool
	dirty   bool
}

// Memory is the aggregation mapper used by import runs. Entities are
// indexed under every pointer they are reachable by; store lookups happen
// only on an index miss, so repeated items from segmented fetches stay in
// memory.
type Memory struct {
	store *store.Store
	log   zerolog.Logger

	mu    sync.Mutex
	slots []*slot
	index map[string]*slot
}

// NewMemory builds an empty aggregation mapper over the store.
func NewMemory(st *store.Store, log zerolog.Logger) *Memory {
	return &Memory{
		store: st,
		log:   log,
		index: make(map[string]*slot),
	}
}

// Add merges incoming into its entity.
func (m *Memory) Add(ctx context.Context, incoming *models.State) error {
	if err := incoming.Validate(); err != nil {
		return fmt.Errorf("reject state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sl, err := m.resolve(ctx, incoming)
	if err != nil {
		return err
	}

	if sl == nil {
		sl = &slot{state: incoming.Clone(), created: true, dirty: true}
		m.slots = append(m.slots, sl)
		m.register(sl)
		return nil
	}

	before := fingerprintOf(sl.state, incoming.Via)
	models.Merge(sl.state, incoming, m.log)
	if !before.equal(fingerprintOf(sl.state, incoming.Via)) {
		sl.dirty = true
	}
	// Merging can introduce new pointers (new guids, new backend ids).
	m.register(sl)
	return nil
}

// resolve finds the slot incoming belongs to, consulting the store on an
// index miss. Caller holds the lock.
func (m *Memory) resolve(ctx context.Context, incoming *models.State) (*slot, error) {
	pointers := incoming.Pointers()
	for _, p := range pointers {
		if sl, ok := m.index[p]; ok {
			return sl, nil
		}
	}

	found, err := m.store.FindByPointers(ctx, pointers)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", incoming.Display(), err)
	}
	if len(found) == 0 {
		return nil, nil
	}

	match := found[0]
	for _, cand := range found {
		if models.Matches(cand, incoming) {
			match = cand
			break
		}
	}
	if len(found) > 1 {
		m.log.Debug().Str("item", incoming.Display()).Int("candidates", len(found)).
			Msg("Multiple stored states matched incoming pointers")
	}

	sl := &slot{state: match}
	m.slots = append(m.slots, sl)
	m.register(sl)
	return sl, nil
}

func (m *Memory) register(sl *slot) {
	for _, p := range sl.state.Pointers() {
		m.index[p] = sl
	}
}

// Get resolves without merging.
func (m *Memory) Get(ctx context.Context, ref *models.State) (*models.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sl, err := m.resolve(ctx, ref)
	if err != nil || sl == nil {
		return nil, err
	}
	return sl.state, nil
}

// Len is the number of touched entities.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// Commit writes every dirty entity in one transaction and resets the
// mapper.
func (m *Memory) Commit(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats Stats
	err := m.store.Commit(ctx, func(tx *store.Tx) error {
		for _, sl := range m.slots {
			if !sl.dirty {
				stats.Unchanged++
				continue
			}
			if _, created, err := tx.Upsert(ctx, sl.state); err != nil {
				return fmt.Errorf("persist %s: %w", sl.state.Display(), err)
			} else if created {
				stats.Added++
			} else {
				stats.Updated++
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	m.slots = nil
	m.index = make(map[string]*slot)
	return stats, nil
}

// Direct is the write-through mapper used by the webhook drain: every Add
// resolves against the store and persists immediately.
type Direct struct {
	store *store.Store
	log   zerolog.Logger

	mu    sync.Mutex
	stats Stats
}

// NewDirect builds a write-through mapper over the store.
func NewDirect(st *store.Store, log zerolog.Logger) *Direct {
	return &Direct{store: st, log: log}
}

// Add merges incoming into the store immediately.
func (d *Direct) Add(ctx context.Context, incoming *models.State) error {
	if err := incoming.Validate(); err != nil {
		return fmt.Errorf("reject state: %w", err)
	}

	found, err := d.store.FindByPointers(ctx, incoming.Pointers())
	if err != nil {
		return fmt.Errorf("lookup %s: %w", incoming.Display(), err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(found) == 0 {
		st := incoming.Clone()
		st.ID = 0
		if _, _, err := d.store.Upsert(ctx, st); err != nil {
			return fmt.Errorf("persist %s: %w", st.Display(), err)
		}
		d.stats.Added++
		return nil
	}

	existing := found[0]
	for _, cand := range found {
		if models.Matches(cand, incoming) {
			existing = cand
			break
		}
	}

	before := fingerprintOf(existing, incoming.Via)
	models.Merge(existing, incoming, d.log)
	if before.equal(fingerprintOf(existing, incoming.Via)) {
		d.stats.Unchanged++
		return nil
	}
	if _, _, err := d.store.Upsert(ctx, existing); err != nil {
		return fmt.Errorf("persist %s: %w", existing.Display(), err)
	}
	d.stats.Updated++
	return nil
}

// Get resolves without merging.
func (d *Direct) Get(ctx context.Context, ref *models.State) (*models.State, error) {
	found, err := d.store.FindByPointers(ctx, ref.Pointers())
	if err != nil || len(found) == 0 {
		return nil, err
	}
	for _, cand := range found {
		if models.Matches(cand, ref) {
			return cand, nil
		}
	}
	return found[0], nil
}

// Commit returns the running tally; writes already happened.
func (d *Direct) Commit(ctx context.Context) (Stats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	stats := d.stats
	d.stats = Stats{}
	return stats, nil
}

// Len reports the writes since the last Commit.
func (d *Direct) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats.Added + d.stats.Updated + d.stats.Unchanged
}

// fingerprint captures the fields whose change makes an entity dirty.
type fingerprint struct {
	watched  bool
	tainted  bool
	updated  int64
	progress int64
	via      string
	guids    int
	parent   int
	backends int
	viaMD    models.Metadata
	hasViaMD bool
}

func fingerprintOf(s *models.State, via string) fingerprint {
	fp := fingerprint{
		watched:  s.Watched,
		tainted:  s.Tainted,
		updated:  s.Updated,
		progress: s.Progress,
		via:      s.Via,
		guids:    len(s.Guids),
		parent:   len(s.Parent),
		backends: len(s.Metadata),
	}
	fp.viaMD, fp.hasViaMD = s.Metadata[via]
	return fp
}

func (f fingerprint) equal(o fingerprint) bool {
	return f.watched == o.watched &&
		f.tainted == o.tainted &&
		f.updated == o.updated &&
		f.progress == o.progress &&
		f.via == o.via &&
		f.guids == o.guids &&
		f.parent == o.parent &&
		f.backends == o.backends &&
		f.hasViaMD == o.hasViaMD &&
		equalMetadata(f.viaMD, o.viaMD)
}

func equalMetadata(a, b models.Metadata) bool {
	return a.ID == b.ID &&
		a.Library == b.Library &&
		a.Path == b.Path &&
		a.AddedAt == b.AddedAt &&
		a.PlayedAt == b.PlayedAt &&
		a.Watched == b.Watched &&
		a.Progress == b.Progress &&
		maps.Equal(a.Extra, b.Extra)
}
