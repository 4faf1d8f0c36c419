// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package backends

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tomtom215/watchstate/internal/config"
	"github.com/tomtom215/watchstate/internal/models"
	"github.com/tomtom215/watchstate/internal/queue"
)

// jellyfinProgressMinor is the 10.x minor from which Jellyfin accepts
// user-data position writes on the endpoint we use.
const jellyfinProgressMinor = 9

// Jellyfin adapts a Jellyfin server. Most behavior comes from the shared
// MediaBrowser client; webhooks arrive via the Jellyfin webhook plugin's
// flat template.
type Jellyfin struct {
	*mediaBrowser
}

// NewJellyfin builds the adapter for the given context.
func NewJellyfin(ctx Context) (*Jellyfin, error) {
	if err := ctx.Validate(); err != nil {
		return nil, err
	}
	return &Jellyfin{newMediaBrowser(ctx, config.BackendJellyfin)}, nil
}

// WithContext returns a clone bound to ctx.
func (j *Jellyfin) WithContext(ctx Context) Client {
	return &Jellyfin{j.mediaBrowser.with(ctx)}
}

// ParseWebhook decodes a webhook plugin delivery.
func (j *Jellyfin) ParseWebhook(r *http.Request) (*models.State, error) {
	return j.parseJellyfinWebhook(r)
}

// InspectRequest extracts origin attributes from a webhook delivery.
func (j *Jellyfin) InspectRequest(r *http.Request) (RequestAttributes, error) {
	return j.inspectJellyfinRequest(r)
}

// Push routes through the shared client with this adapter's overrides.
func (j *Jellyfin) Push(ctx context.Context, q *queue.Queue, states []*models.State) error {
	return j.push(ctx, q, states, j)
}

// Progress gates position writes on server version; older servers reject
// the user-data endpoint.
func (j *Jellyfin) Progress(ctx context.Context, q *queue.Queue, states []*models.State) error {
	version, err := j.Version(ctx)
	if err != nil {
		return err
	}
	if !VersionAtLeast(version, 10, jellyfinProgressMinor) {
		return fmt.Errorf("jellyfin %s cannot accept progress writes: %w", version, ErrVersionGate)
	}
	return j.mediaBrowser.Progress(ctx, q, states)
}
