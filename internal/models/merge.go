// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package models

import (
	"github.com/rs/zerolog"
)

// Matches reports whether a and b describe the same entity: any overlap in
// their real or virtual GUID pointers, or for two episodes, an overlapping
// parent pointer with the same (season, episode) position.
func Matches(a, b *State) bool {
	if a == nil || b == nil {
		return false
	}

	if intersects(a.Guids.Pointers(), b.Guids.Pointers()) {
		return true
	}
	if intersects(a.VirtualPointers(), b.VirtualPointers()) {
		return true
	}

	if a.IsEpisode() && b.IsEpisode() && a.Season == b.Season && a.Episode == b.Episode {
		return intersects(a.Parent.Pointers(), b.Parent.Pointers())
	}

	return false
}

func intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, p := range a {
		set[p] = struct{}{}
	}
	for _, p := range b {
		if _, ok := set[p]; ok {
			return true
		}
	}
	return false
}

// Merge folds incoming into existing under the latest-wins rules and returns
// existing.
//
// A strictly newer non-tainted write wins watched, progress, via and updated.
// A tainted write (in-progress transition) may carry progress, via, updated
// and snapshots forward but never flips Watched. On equal updated the watched
// flag is monotonic: watched=true is preferred; a full tie keeps existing.
// GUID sets union; on a per-source conflict the side with the newer updated
// wins and the conflict is logged. Metadata and extra snapshots are replaced
// wholesale for the backends incoming reports on; other backends' snapshots
// are preserved. Title and year only fill gaps.
func Merge(existing, incoming *State, log zerolog.Logger) *State {
	if incoming == nil {
		return existing
	}
	if existing == nil {
		return incoming
	}

	newer := incoming.Updated > existing.Updated

	switch {
	case newer && !incoming.Tainted:
		existing.Watched = incoming.Watched
		existing.Progress = incoming.Progress
		existing.Via = incoming.Via
		existing.Updated = incoming.Updated
		existing.Tainted = false
	case newer && incoming.Tainted:
		// Progress carry: the transition is untrustworthy for Watched.
		if incoming.Progress > 0 {
			existing.Progress = incoming.Progress
		}
		existing.Via = incoming.Via
		existing.Updated = incoming.Updated
		existing.Tainted = true
	case incoming.Updated == existing.Updated:
		// Watched is monotonic by policy: prefer watched=true on ties,
		// otherwise keep existing for idempotence.
		if !existing.Watched && incoming.Watched && !incoming.Tainted {
			existing.Watched = true
			existing.Via = incoming.Via
		}
	}

	mergeGuids(existing, &existing.Guids, incoming.Guids, incoming.Updated > existing.Updated, log)
	mergeGuids(existing, &existing.Parent, incoming.Parent, incoming.Updated > existing.Updated, log)

	for backend, md := range incoming.Metadata {
		if existing.Metadata == nil {
			existing.Metadata = make(map[string]Metadata, len(incoming.Metadata))
		}
		existing.Metadata[backend] = md
	}
	for backend, ex := range incoming.Extra {
		if existing.Extra == nil {
			existing.Extra = make(map[string]Extra, len(incoming.Extra))
		}
		existing.Extra[backend] = ex
	}

	if existing.Title == "" {
		existing.Title = incoming.Title
	}
	if existing.Year == 0 {
		existing.Year = incoming.Year
	}
	if existing.IsEpisode() && existing.Season == 0 && existing.Episode == 0 {
		existing.Season = incoming.Season
		existing.Episode = incoming.Episode
	}

	return existing
}

// mergeGuids unions src into *dst. Same-source conflicts keep the newer
// side's value and are logged; incomingNewer tells which side that is.
func mergeGuids(s *State, dst *Guids, src Guids, incomingNewer bool, log zerolog.Logger) {
	if len(src) == 0 {
		return
	}
	if *dst == nil {
		*dst = make(Guids, len(src))
	}
	for source, value := range src {
		current, ok := (*dst)[source]
		if ok && current != value {
			log.Warn().
				Str("title", s.Title).
				Str("source", source).
				Str("existing", current).
				Str("incoming", value).
				Bool("incoming_wins", incomingNewer).
				Msg("GUID conflict between backends")
			if !incomingNewer {
				continue
			}
		}
		(*dst)[source] = value
	}
}
