// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

// Package models defines the canonical play-state entity and its identity
// graph. A State is the cross-backend record of one movie or episode: which
// external GUIDs identify it, which backends know about it, whether it has
// been watched and when that was last decided.
package models

import (
	"fmt"
	"sort"
)

// MediaType is the kind of media a State describes.
type MediaType string

// Supported media types.
const (
	TypeMovie   MediaType = "movie"
	TypeEpisode MediaType = "episode"
	TypeShow    MediaType = "show"
)

// Valid reports whether t is a known media type.
func (t MediaType) Valid() bool {
	return t == TypeMovie || t == TypeEpisode || t == TypeShow
}

// Metadata is one backend's snapshot of an item. The keys of State.Metadata
// are backend names; ID is the opaque remote id in that backend.
type Metadata struct {
	ID       string            `json:"id"`
	Library  string            `json:"library,omitempty"`
	Path     string            `json:"path,omitempty"`
	AddedAt  int64             `json:"added_at,omitempty"`
	PlayedAt int64             `json:"played_at,omitempty"`
	Watched  bool              `json:"watched"`
	Progress int64             `json:"progress,omitempty"` // milliseconds
	Extra    map[string]string `json:"extra,omitempty"`
}

// Extra is auxiliary event info contributed by a backend, typically from a
// webhook delivery.
type Extra struct {
	Event string `json:"event,omitempty"`
	Date  int64  `json:"date,omitempty"`
}

// State is the canonical play-state record.
//
// Identity is the set of (source, value) pairs in Guids plus the virtual
// backend://name:id pointers derived from Metadata. Episodes without their
// own external ids are identified relative to their parent show via Parent
// plus (Season, Episode).
type State struct {
	ID      int64     `json:"id,omitempty"`
	Type    MediaType `json:"type"`
	Via     string    `json:"via"`
	Title   string    `json:"title,omitempty"`
	Year    int       `json:"year,omitempty"`
	Season  int       `json:"season,omitempty"`
	Episode int       `json:"episode,omitempty"`

	Guids  Guids `json:"guids,omitempty"`
	Parent Guids `json:"parent,omitempty"`

	Metadata map[string]Metadata `json:"metadata,omitempty"`
	Extra    map[string]Extra    `json:"extra,omitempty"`

	Watched  bool  `json:"watched"`
	Updated  int64 `json:"updated"`
	Progress int64 `json:"progress,omitempty"` // milliseconds

	// Tainted marks a record derived from an in-progress transition
	// (play/pause/resume). Tainted writes may update progress but never
	// flip Watched on their own.
	Tainted bool `json:"tainted,omitempty"`
}

// IsEpisode reports whether the state describes an episode.
func (s *State) IsEpisode() bool { return s.Type == TypeEpisode }

// HasGuids reports whether the state carries at least one real external GUID.
func (s *State) HasGuids() bool { return len(s.Guids) > 0 }

// HasRelativeGuid reports whether an episode can be identified via its parent.
func (s *State) HasRelativeGuid() bool {
	return s.IsEpisode() && len(s.Parent) > 0 && s.Season >= 0 && s.Episode >= 1
}

// HasPlayProgress reports whether the state carries a usable play position.
// Positions under ten seconds are treated as noise.
func (s *State) HasPlayProgress() bool {
	return s.Progress > 10_000 && !s.Watched
}

// BackendID returns the remote id of the state in the named backend, or ""
// when that backend has no metadata entry.
func (s *State) BackendID(backend string) string {
	if m, ok := s.Metadata[backend]; ok {
		return m.ID
	}
	return ""
}

// Backends returns the sorted names of backends with a metadata entry.
func (s *State) Backends() []string {
	names := make([]string, 0, len(s.Metadata))
	for name := range s.Metadata {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the structural invariants a State must satisfy before it
// may be stored.
func (s *State) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("invalid media type %q", s.Type)
	}
	if s.Via == "" {
		return fmt.Errorf("missing via backend")
	}
	if _, ok := s.Metadata[s.Via]; !ok {
		return fmt.Errorf("via %q has no metadata entry", s.Via)
	}
	if s.IsEpisode() {
		if s.Season < 0 || s.Episode < 1 {
			return fmt.Errorf("episode requires season >= 0 and episode >= 1, got S%dE%d", s.Season, s.Episode)
		}
	}
	if !s.HasGuids() && len(s.VirtualPointers()) == 0 && !s.HasRelativeGuid() {
		return fmt.Errorf("state has no guids, no virtual guids and no relative guid")
	}
	return nil
}

// Display returns a human-readable identity for logs and CLI summaries.
func (s *State) Display() string {
	switch s.Type {
	case TypeEpisode:
		return fmt.Sprintf("%s (%d) S%02dE%02d", s.Title, s.Year, s.Season, s.Episode)
	default:
		if s.Year > 0 {
			return fmt.Sprintf("%s (%d)", s.Title, s.Year)
		}
		return s.Title
	}
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	c := *s
	c.Guids = s.Guids.clone()
	c.Parent = s.Parent.clone()
	if s.Metadata != nil {
		c.Metadata = make(map[string]Metadata, len(s.Metadata))
		for k, v := range s.Metadata {
			if v.Extra != nil {
				ex := make(map[string]string, len(v.Extra))
				for ek, ev := range v.Extra {
					ex[ek] = ev
				}
				v.Extra = ex
			}
			c.Metadata[k] = v
		}
	}
	if s.Extra != nil {
		c.Extra = make(map[string]Extra, len(s.Extra))
		for k, v := range s.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}
