// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

// Package api provides the HTTP surface: webhook ingestion under /v1/api,
// state browsing, health and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tomtom215/watchstate/internal/config"
	"github.com/tomtom215/watchstate/internal/pipeline"
	"github.com/tomtom215/watchstate/internal/store"
	"github.com/tomtom215/watchstate/internal/webhook"
)

// Server owns the router and the HTTP listener lifecycle.
type Server struct {
	cfg *config.Config
	st  *store.Store
	pl  *pipeline.Pipeline
	wh  *webhook.Handler
	log zerolog.Logger
}

// New builds the server around an already-wired webhook handler.
func New(cfg *config.Config, st *store.Store, pl *pipeline.Pipeline, wh *webhook.Handler, log zerolog.Logger) *Server {
	return &Server{cfg: cfg, st: st, pl: pl, wh: wh, log: log}
}

// Routes assembles the full router. Webhook and health endpoints stay open;
// vendors cannot attach an API key, and probes should not need one. The
// state-browsing endpoints sit behind the key check when a hash is set.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(rateLimit(s.cfg.API.RateLimit))
			s.wh.Routes(r)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireKey(s.cfg.API.KeyHash, s.log))
			r.Get("/states", s.handleStates)
			r.Get("/states/{id}", s.handleState)
			r.Get("/backends", s.handleBackends)
			r.Get("/parity", s.handleParity)
		})
	})

	return r
}

// String names the service in supervisor logs.
func (s *Server) String() string { return "api-server" }

// Serve runs the listener until the context is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.API.Listen,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	s.log.Info().Str("listen", s.cfg.API.Listen).Msg("HTTP server started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
