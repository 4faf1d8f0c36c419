// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

// Package metrics exposes Prometheus instrumentation for the sync engine:
// import throughput, response payload sizes, queue outcomes and webhook
// ingestion counters. Metrics are registered via promauto on the default
// registry and served by the API router at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ImportItems counts items fed to the mapper, per backend.
	ImportItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchstate_import_items_total",
			Help: "Total number of library items parsed and forwarded to the mapper",
		},
		[]string{"backend"},
	)

	// ImportDropped counts items dropped during import with the drop reason.
	ImportDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchstate_import_dropped_total",
			Help: "Total number of library items dropped during import",
		},
		[]string{"backend", "reason"}, // "malformed", "no_guids", "unsupported", "cutoff"
	)

	// ResponseSize accumulates payload bytes received from backend APIs.
	ResponseSize = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchstate_response_size_bytes_total",
			Help: "Total bytes of backend API response payloads",
		},
		[]string{"backend"},
	)

	// QueueRequests counts completed queue requests by final status.
	QueueRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchstate_queue_requests_total",
			Help: "Total number of queue HTTP requests by outcome",
		},
		[]string{"backend", "status"}, // "success", "failed", "aborted"
	)

	// QueueRetries counts retry attempts for transient failures.
	QueueRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchstate_queue_retries_total",
			Help: "Total number of queue request retries",
		},
		[]string{"backend"},
	)

	// QueueDepth tracks requests currently queued or in flight.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchstate_queue_depth",
			Help: "Number of queue requests pending or in flight",
		},
	)

	// WebhookEvents counts webhook deliveries by outcome.
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchstate_webhook_events_total",
			Help: "Total number of webhook deliveries by outcome",
		},
		[]string{"backend", "status"}, // "accepted", "ignored", "rejected"
	)

	// StoreStates tracks the number of canonical states in the store.
	StoreStates = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchstate_store_states",
			Help: "Number of canonical play-state records in the store",
		},
	)

	// StoreQueryDuration measures store operation latency.
	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watchstate_store_query_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)
