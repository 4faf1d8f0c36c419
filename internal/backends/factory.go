// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package backends

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/tomtom215/watchstate/internal/config"
)

// New builds the adapter for a configured backend entry.
func New(b config.Backend, client *http.Client, log zerolog.Logger) (Client, error) {
	ctx := ContextFrom(b, client, log)
	switch b.Type {
	case config.BackendPlex:
		return NewPlex(ctx)
	case config.BackendJellyfin:
		return NewJellyfin(ctx)
	case config.BackendEmby:
		return NewEmby(ctx)
	default:
		return nil, fmt.Errorf("unknown backend type %q", b.Type)
	}
}
