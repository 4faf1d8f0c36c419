// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package models

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/rs/zerolog"
)

// Guids maps an external source tag to the id in that source,
// e.g. {"imdb": "tt1160419", "tvdb": "371028"}.
type Guids map[string]string

// guidPatterns is the fixed alphabet of supported external sources with the
// validation pattern each id must satisfy. Unknown sources are discarded at
// ingestion, never stored.
var guidPatterns = map[string]*regexp.Regexp{
	"imdb":   regexp.MustCompile(`^tt\d+$`),
	"tvdb":   regexp.MustCompile(`^\d+$`),
	"tmdb":   regexp.MustCompile(`^\d+$`),
	"tvmaze": regexp.MustCompile(`^\d+$`),
	"tvrage": regexp.MustCompile(`^\d+$`),
	"anidb":  regexp.MustCompile(`^\d+$`),
}

// backendNameRx validates the <name> part of the backend://<name>:<remote_id>
// virtual GUID grammar.
var backendNameRx = regexp.MustCompile(`^[a-z0-9_]+$`)

// KnownSource reports whether source is part of the supported GUID alphabet.
func KnownSource(source string) bool {
	_, ok := guidPatterns[source]
	return ok
}

// ValidBackendName reports whether name is usable in virtual GUIDs.
func ValidBackendName(name string) bool {
	return backendNameRx.MatchString(name)
}

// FilterGuids validates raw (source, value) pairs against the supported
// alphabet and per-source patterns. Invalid pairs are logged at warn level
// and dropped; the survivors are returned.
func FilterGuids(raw map[string]string, log zerolog.Logger) Guids {
	if len(raw) == 0 {
		return nil
	}
	out := make(Guids, len(raw))
	for source, value := range raw {
		rx, ok := guidPatterns[source]
		if !ok {
			log.Warn().Str("source", source).Str("value", value).
				Msg("Discarding GUID from unknown source")
			continue
		}
		if !rx.MatchString(value) {
			log.Warn().Str("source", source).Str("value", value).
				Msg("Discarding malformed GUID")
			continue
		}
		out[source] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Pointers returns the sorted "source://value" pointer form of the set.
func (g Guids) Pointers() []string {
	if len(g) == 0 {
		return nil
	}
	out := make([]string, 0, len(g))
	for source, value := range g {
		out = append(out, source+"://"+value)
	}
	sort.Strings(out)
	return out
}

func (g Guids) clone() Guids {
	if g == nil {
		return nil
	}
	c := make(Guids, len(g))
	for k, v := range g {
		c[k] = v
	}
	return c
}

// VirtualPointer builds the virtual GUID pointer for an item known to a
// backend under a remote id: backend://<name>:<remote_id>.
func VirtualPointer(backend, remoteID string) string {
	return fmt.Sprintf("backend://%s:%s", backend, remoteID)
}

// RelativePointer builds the pointer form of an episode identified only
// relative to its parent show.
func RelativePointer(parentSource, parentValue string, season, episode int) string {
	return fmt.Sprintf("relative://%s://%s:%dx%d", parentSource, parentValue, season, episode)
}

// VirtualPointers returns the backend://name:id pointers derived from the
// state's metadata entries.
func (s *State) VirtualPointers() []string {
	if len(s.Metadata) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.Metadata))
	for backend, md := range s.Metadata {
		if md.ID == "" || !ValidBackendName(backend) {
			continue
		}
		out = append(out, VirtualPointer(backend, md.ID))
	}
	sort.Strings(out)
	return out
}

// RelativePointers returns the relative://... pointers for episodes that can
// be located via their parent show. Empty for non-episodes.
func (s *State) RelativePointers() []string {
	if !s.HasRelativeGuid() {
		return nil
	}
	out := make([]string, 0, len(s.Parent))
	for source, value := range s.Parent {
		out = append(out, RelativePointer(source, value, s.Season, s.Episode))
	}
	sort.Strings(out)
	return out
}

// Pointers returns every pointer under which the state can be found: real
// GUIDs, virtual backend GUIDs and, for episodes, relative GUIDs.
func (s *State) Pointers() []string {
	out := s.Guids.Pointers()
	out = append(out, s.VirtualPointers()...)
	out = append(out, s.RelativePointers()...)
	return out
}
