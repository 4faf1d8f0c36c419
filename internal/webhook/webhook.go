// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

// Package webhook ingests push deliveries from the media servers. Parsed
// events are buffered in TTL buckets keyed by item identity, so a burst of
// play/pause/progress events for one item collapses to its latest state
// before the drainer folds it into the store.
package webhook

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/watchstate/internal/backends"
	"github.com/tomtom215/watchstate/internal/cache"
	"github.com/tomtom215/watchstate/internal/config"
	"github.com/tomtom215/watchstate/internal/metrics"
	"github.com/tomtom215/watchstate/internal/models"
	"github.com/tomtom215/watchstate/internal/pipeline"
)

// Bucket retention windows. Requests survive long enough to cover a store
// outage; progress entries are only useful while a session is plausibly
// still running.
const (
	RequestsTTL = 72 * time.Hour
	ProgressTTL = 24 * time.Hour

	requestsBucket = "requests"
	progressBucket = "progress"
)

// Handler serves the webhook ingestion endpoint.
type Handler struct {
	cfg *config.Config
	pl  *pipeline.Pipeline
	log zerolog.Logger

	requests *cache.Bucket
	progress *cache.Bucket
}

// NewHandler wires the handler to the config, adapters and buckets.
func NewHandler(cfg *config.Config, pl *pipeline.Pipeline, ca *cache.Cache, log zerolog.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		pl:       pl,
		log:      log,
		requests: ca.Bucket(requestsBucket, RequestsTTL),
		progress: ca.Bucket(progressBucket, ProgressTTL),
	}
}

// Routes mounts the webhook endpoint on r. Both POST and PUT are accepted,
// with and without a trailing slash, since the vendors disagree on both.
func (h *Handler) Routes(r chi.Router) {
	for _, method := range []string{http.MethodPost, http.MethodPut} {
		r.Method(method, "/backends/{backend}/webhook", http.HandlerFunc(h.handle))
		r.Method(method, "/backends/{backend}/webhook/", http.HandlerFunc(h.handle))
	}
}

// itemKey is the bucket key for a parsed webhook state:
// {type}://{remoteId}:{tainted|untainted}@{backend}.
func itemKey(st *models.State, backend string) string {
	taint := "untainted"
	if st.Tainted {
		taint = "tainted"
	}
	return fmt.Sprintf("%s://%s:%s@%s", st.Type, st.BackendID(backend), taint, backend)
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "backend")
	log := h.log.With().Str("backend", name).Logger()

	b, ok := h.cfg.GetBackend(name)
	if !ok {
		h.reject(w, log, name, http.StatusNotFound, "no such backend")
		return
	}
	client, ok := h.pl.Client(name)
	if !ok {
		h.reject(w, log, name, http.StatusNotFound, "no such backend")
		return
	}

	attrs, err := client.InspectRequest(r)
	if err != nil {
		h.errorOut(w, log, name, err)
		return
	}

	if b.Webhook.MatchUser &&
		subtle.ConstantTimeCompare([]byte(attrs.UserID), []byte(b.User)) != 1 {
		h.reject(w, log, name, http.StatusBadRequest, "request user does not match backend user")
		return
	}
	if b.Webhook.MatchUUID &&
		subtle.ConstantTimeCompare([]byte(attrs.BackendID), []byte(b.UUID)) != 1 {
		h.reject(w, log, name, http.StatusBadRequest, "request server id does not match backend uuid")
		return
	}
	// Metadata-only backends still accept events while import is off; the
	// play-state mask below keeps their writes snapshot-only.
	if !b.Import.Enabled && !b.Import.MetadataOnly {
		h.reject(w, log, name, http.StatusNotAcceptable, "import disabled for backend")
		return
	}

	st, err := client.ParseWebhook(r)
	if err != nil {
		h.errorOut(w, log, name, err)
		return
	}

	if b.Import.MetadataOnly {
		st.Watched = false
		st.Progress = 0
		st.Updated = 0
		st.Tainted = false
	}

	key := itemKey(st, name)
	if err := h.requests.Put(key, st); err != nil {
		h.reject(w, log, name, http.StatusInternalServerError, "failed to buffer event")
		return
	}
	if st.HasPlayProgress() {
		if err := h.progress.Put(key, st); err != nil {
			log.Warn().Err(err).Msg("Failed to buffer progress event")
		}
	}

	metrics.WebhookEvents.WithLabelValues(name, "accepted").Inc()
	log.Info().
		Str("item", st.Display()).
		Str("event", attrs.Event).
		Bool("tainted", st.Tainted).
		Msg("Webhook event buffered")

	// Tells well-behaved senders this delivery needs no log inspection.
	w.Header().Set("X-Log-Response", "0")
	writeJSON(w, http.StatusOK, map[string]any{"status": "queued", "item": key})
}

// errorOut maps adapter errors onto HTTP responses. Ignorable conditions
// (unsupported type, no usable ids) answer 304 so backends do not retry.
func (h *Handler) errorOut(w http.ResponseWriter, log zerolog.Logger, name string, err error) {
	var be *backends.Error
	if errors.As(err, &be) {
		code := be.StatusCode(http.StatusBadRequest)
		be.Log(log)
		if code == http.StatusNotModified {
			metrics.WebhookEvents.WithLabelValues(name, "ignored").Inc()
			w.WriteHeader(code)
			return
		}
		metrics.WebhookEvents.WithLabelValues(name, "rejected").Inc()
		writeJSON(w, code, map[string]any{"error": be.Error(), "code": code})
		return
	}

	metrics.WebhookEvents.WithLabelValues(name, "rejected").Inc()
	log.Warn().Err(err).Msg("Webhook rejected")
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": err.Error(), "code": http.StatusBadRequest,
	})
}

func (h *Handler) reject(w http.ResponseWriter, log zerolog.Logger, name string, code int, msg string) {
	metrics.WebhookEvents.WithLabelValues(name, "rejected").Inc()
	log.Info().Int("code", code).Str("reason", msg).Msg("Webhook rejected")
	writeJSON(w, code, map[string]any{"error": msg, "code": code})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
