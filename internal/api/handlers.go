// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/watchstate/internal/models"
	"github.com/tomtom215/watchstate/internal/store"
)

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg, "code": code})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := s.st.Count(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded", "error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "states": n})
}

// handleStates pages through the store with the db:list filters.
func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := store.Filter{
		Backend: q.Get("backend"),
		Type:    models.MediaType(q.Get("type")),
		Title:   q.Get("title"),
	}
	if raw := q.Get("watched"); raw != "" {
		watched, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "watched must be a boolean")
			return
		}
		f.Watched = &watched
	}
	if f.Type != "" && !f.Type.Valid() {
		writeError(w, http.StatusBadRequest, "unknown media type")
		return
	}

	limit := intParam(q.Get("limit"), 50)
	if limit < 1 || limit > 1000 {
		limit = 50
	}
	offset := intParam(q.Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}

	sort := store.SortUpdatedDesc
	switch q.Get("sort") {
	case "", string(store.SortUpdatedDesc):
	case string(store.SortUpdatedAsc):
		sort = store.SortUpdatedAsc
	case string(store.SortTitle):
		sort = store.SortTitle
	default:
		writeError(w, http.StatusBadRequest, "unknown sort order")
		return
	}

	states, total, err := s.st.Page(r.Context(), f, sort, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":  total,
		"limit":  limit,
		"offset": offset,
		"states": states,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid state id")
		return
	}

	st, err := s.st.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such state")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleBackends summarizes the configured backends without exposing
// tokens.
func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	type summary struct {
		Name         string `json:"name"`
		Type         string `json:"type"`
		Import       bool   `json:"import"`
		Export       bool   `json:"export"`
		MetadataOnly bool   `json:"metadataOnly"`
	}
	out := make([]summary, 0, len(s.cfg.Backends))
	for _, b := range s.cfg.Backends {
		out = append(out, summary{
			Name:         b.Name,
			Type:         string(b.Type),
			Import:       b.Import.Enabled,
			Export:       b.Export.Enabled,
			MetadataOnly: b.Import.MetadataOnly,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleParity lists states known to fewer backends than requested, two by
// default.
func (s *Server) handleParity(w http.ResponseWriter, r *http.Request) {
	min := intParam(r.URL.Query().Get("min"), 2)
	if min < 1 {
		writeError(w, http.StatusBadRequest, "min must be positive")
		return
	}

	states, err := s.st.Parity(r.Context(), min)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(states), "states": states})
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
