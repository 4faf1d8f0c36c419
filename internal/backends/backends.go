// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

// Package backends implements the adapter layer between the sync engine and
// the supported media servers (Plex, Jellyfin, Emby). Every adapter
// satisfies the Client capability set and translates between vendor APIs
// and the canonical models.State entity.
package backends

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/watchstate/internal/config"
	"github.com/tomtom215/watchstate/internal/models"
	"github.com/tomtom215/watchstate/internal/queue"
)

// Library is one backend library section.
type Library struct {
	ID    string
	Title string
	Type  string // normalized: "movie" or "show"; raw vendor type otherwise
	// Supported marks library types the engine imports (movies, tvshows).
	Supported bool
	// Ignored marks libraries excluded by per-backend configuration.
	Ignored bool
}

// User is a backend account visible to the configured token.
type User struct {
	ID    string
	Name  string
	Admin bool
}

// RequestAttributes are extracted from a webhook request prior to parsing,
// for origin validation.
type RequestAttributes struct {
	UserID    string
	BackendID string
	Event     string
}

// ImportOpts controls one import run against a backend.
type ImportOpts struct {
	// After drops items whose authoritative timestamp is at or before it.
	After *time.Time
	// Libraries restricts the run to the given library ids.
	Libraries []string
	// MetadataOnly imports snapshots without play-state writes.
	MetadataOnly bool
	// SegmentSize is the page size for segmented fetches.
	SegmentSize int
}

// ItemHandler receives the outcome of item parsing during import. Callbacks
// may be invoked concurrently from queue workers; implementations
// synchronize internally.
type ItemHandler struct {
	OnState func(*models.State)
	// OnDrop is invoked for items skipped for a known reason:
	// "malformed", "no_guids", "unsupported", "cutoff".
	OnDrop func(reason string, err error)
	// OnError is invoked for failed library or page requests.
	OnError func(err error)
	Log     zerolog.Logger
}

func (h ItemHandler) state(s *models.State) {
	if h.OnState != nil {
		h.OnState(s)
	}
}

func (h ItemHandler) drop(reason string, err error) {
	if h.OnDrop != nil {
		h.OnDrop(reason, err)
	}
}

func (h ItemHandler) fail(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// Client is the capability set every backend adapter implements.
//
// Adapters are immutable: WithContext returns a clone bound to the new
// Context, leaving the receiver untouched.
type Client interface {
	Name() string
	Type() config.BackendType
	Context() Context
	WithContext(Context) Client

	ListLibraries(ctx context.Context) ([]Library, error)

	// Import lists and filters libraries, then enqueues segmented page
	// fetches onto q. Parsed items stream into h from queue workers; the
	// caller drains q. Returns the number of admitted libraries.
	Import(ctx context.Context, q *queue.Queue, h ItemHandler, opts ImportOpts) (int, error)

	// GetMetadata fetches a single item by its backend-local id.
	GetMetadata(ctx context.Context, remoteID string) (*models.State, error)

	// ParseWebhook converts a webhook delivery into a State.
	ParseWebhook(r *http.Request) (*models.State, error)

	// InspectRequest extracts origin attributes without full parsing.
	InspectRequest(r *http.Request) (RequestAttributes, error)

	// Push enqueues watched/unwatched writes for states that the decision
	// table marks as stale on this backend.
	Push(ctx context.Context, q *queue.Queue, states []*models.State) error

	// Progress enqueues play-position writes for in-progress states.
	Progress(ctx context.Context, q *queue.Queue, states []*models.State) error

	Search(ctx context.Context, query string, limit int) ([]*models.State, error)
	SearchID(ctx context.Context, remoteID string) (*models.State, error)

	// SearchGuids locates an item by external ids; ErrNotImplemented when
	// the vendor API cannot express the query.
	SearchGuids(ctx context.Context, guids models.Guids) (*models.State, error)

	// Identifier returns the backend server UUID, cached unless force.
	Identifier(ctx context.Context, force bool) (string, error)

	ListUsers(ctx context.Context) ([]User, error)
	Version(ctx context.Context) (string, error)
}

// PushAction is the outcome of the export decision table.
type PushAction int

// Push decisions.
const (
	PushNone PushAction = iota
	PushWatched
	PushUnwatched
	// PushSearch means the backend has no metadata entry; the caller must
	// resolve the remote id first.
	PushSearch
)

// DecidePush applies the canonical latest-wins decision table for exporting
// state s to the named backend.
func DecidePush(s *models.State, backend string) PushAction {
	// Tainted implies an untrustworthy transition: never push.
	if s.Tainted {
		return PushNone
	}

	md, ok := s.Metadata[backend]
	if !ok {
		return PushSearch
	}
	if md.ID == "" {
		return PushNone
	}

	if md.Watched == s.Watched {
		return PushNone
	}

	remote := md.PlayedAt
	if remote == 0 {
		remote = md.AddedAt
	}
	if s.Updated <= remote {
		// Remote is newer or tied; import will reconcile instead.
		return PushNone
	}

	if s.Watched {
		return PushWatched
	}
	return PushUnwatched
}

// VersionAtLeast reports whether the dotted version string v is at least
// major.minor. Unparseable versions compare as too old.
func VersionAtLeast(v string, major, minor int) bool {
	parts := strings.SplitN(strings.TrimSpace(v), ".", 3)
	if len(parts) < 2 {
		return false
	}
	gotMajor, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	gotMinor, err := strconv.Atoi(strings.SplitN(parts[1], "-", 2)[0])
	if err != nil {
		return false
	}
	if gotMajor != major {
		return gotMajor > major
	}
	return gotMinor >= minor
}
