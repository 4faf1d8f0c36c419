// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package backends

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/watchstate/internal/config"
	"github.com/tomtom215/watchstate/internal/models"
	"github.com/tomtom215/watchstate/internal/queue"
)

// Emby adapts an Emby server on top of the shared MediaBrowser client.
// Unlike Jellyfin, Emby can look items up by external id, which the export
// path uses to resolve items missing a local remote id.
type Emby struct {
	*mediaBrowser
}

// NewEmby builds the adapter for the given context.
func NewEmby(ctx Context) (*Emby, error) {
	if err := ctx.Validate(); err != nil {
		return nil, err
	}
	return &Emby{newMediaBrowser(ctx, config.BackendEmby)}, nil
}

// WithContext returns a clone bound to ctx.
func (e *Emby) WithContext(ctx Context) Client {
	return &Emby{e.mediaBrowser.with(ctx)}
}

// ParseWebhook decodes an Emby webhook notification.
func (e *Emby) ParseWebhook(r *http.Request) (*models.State, error) {
	return e.parseEmbyWebhook(r)
}

// InspectRequest extracts origin attributes from a webhook delivery.
func (e *Emby) InspectRequest(r *http.Request) (RequestAttributes, error) {
	return e.inspectEmbyRequest(r)
}

// Push routes through the shared client with this adapter's overrides.
func (e *Emby) Push(ctx context.Context, q *queue.Queue, states []*models.State) error {
	return e.push(ctx, q, states, e)
}

// SearchGuids locates an item by any of its external ids via
// AnyProviderIdEquals.
func (e *Emby) SearchGuids(ctx context.Context, guids models.Guids) (*models.State, error) {
	if len(guids) == 0 {
		return nil, ErrNotFound
	}

	pairs := make([]string, 0, len(guids))
	for source, value := range guids {
		pairs = append(pairs, source+"."+value)
	}
	sort.Strings(pairs)

	q := url.Values{}
	q.Set("AnyProviderIdEquals", strings.Join(pairs, ","))
	q.Set("recursive", "true")
	q.Set("includeItemTypes", "Movie,Episode")
	q.Set("fields", "ProviderIds,Path,DateCreated")
	q.Set("enableUserData", "true")
	q.Set("limit", "1")

	var page mbPage
	if err := e.getJSON(ctx, "/Users/"+e.ctx.UserID+"/Items", q, &page); err != nil {
		return nil, err
	}
	if len(page.Items) == 0 {
		return nil, ErrNotFound
	}

	var item mbItem
	if err := json.Unmarshal(page.Items[0], &item); err != nil {
		return nil, err
	}
	st, _, err := e.itemState(item, "", nil, e.ctx.Log)
	if st == nil {
		return nil, err
	}
	return st, nil
}
