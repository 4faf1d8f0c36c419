// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package pipeline

import (
	"errors"
	"sync"
	"time"

	"github.com/tomtom215/watchstate/internal/mapper"
	"github.com/tomtom215/watchstate/internal/queue"
)

// BackendReport is the per-backend outcome of one run.
type BackendReport struct {
	Backend    string   `json:"backend"`
	Libraries  int      `json:"libraries"`
	Items      int      `json:"items"`
	Dropped    int      `json:"dropped"`
	Queued     int      `json:"queued"`
	Failed     int      `json:"failed"`
	Aborted    int      `json:"aborted"`
	Errors     []string `json:"errors,omitempty"`
	HasErrors  bool     `json:"has_errors"`
	AuthFailed bool     `json:"auth_failed"`
}

// RunReport is the outcome of one orchestrated run across backends.
type RunReport struct {
	Operation string                    `json:"operation"`
	Started   time.Time                 `json:"started"`
	Duration  time.Duration             `json:"duration"`
	Added     int                       `json:"added"`
	Updated   int                       `json:"updated"`
	Unchanged int                       `json:"unchanged"`
	Backends  map[string]*BackendReport `json:"backends"`

	mu sync.Mutex
}

func newRunReport(op string) *RunReport {
	return &RunReport{
		Operation: op,
		Started:   time.Now(),
		Backends:  make(map[string]*BackendReport),
	}
}

func (r *RunReport) backend(name string) *BackendReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	br, ok := r.Backends[name]
	if !ok {
		br = &BackendReport{Backend: name}
		r.Backends[name] = br
	}
	return br
}

func (r *RunReport) addItem(name string) {
	br := r.backend(name)
	r.mu.Lock()
	br.Items++
	r.mu.Unlock()
}

func (r *RunReport) addDropped(name string) {
	br := r.backend(name)
	r.mu.Lock()
	br.Dropped++
	r.mu.Unlock()
}

func (r *RunReport) addError(name string, err error) {
	br := r.backend(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	br.HasErrors = true
	if errors.Is(err, queue.ErrAuthAborted) {
		br.AuthFailed = true
	}
	if len(br.Errors) < 25 {
		br.Errors = append(br.Errors, err.Error())
	}
}

func (r *RunReport) setLibraries(name string, n int) {
	br := r.backend(name)
	r.mu.Lock()
	br.Libraries = n
	r.mu.Unlock()
}

// fold merges queue drain stats and mapper commit stats into the report.
func (r *RunReport) fold(stats map[string]queue.Stats, commit mapper.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tag, s := range stats {
		br, ok := r.Backends[tag]
		if !ok {
			br = &BackendReport{Backend: tag}
			r.Backends[tag] = br
		}
		br.Queued = s.Queued
		br.Failed = s.Failed
		br.Aborted = s.Aborted
		if s.Failed > 0 || s.Aborted > 0 {
			br.HasErrors = true
		}
	}
	r.Added = commit.Added
	r.Updated = commit.Updated
	r.Unchanged = commit.Unchanged
	r.Duration = time.Since(r.Started)
}

// HasErrors reports whether any backend recorded a failure.
func (r *RunReport) HasErrors() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, br := range r.Backends {
		if br.HasErrors {
			return true
		}
	}
	return false
}
