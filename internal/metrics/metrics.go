// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

// Package metrics provides Prometheus instrumentation for the fetcher engine,
// the shipper and the scheduler. Metrics are registered on the default
// registry and exposed by the ops server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Fetcher metrics

	TickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skimmer_tick_duration_seconds",
			Help:    "Duration of one fetch tick per source",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skimmer_ticks_total",
			Help: "Total fetch ticks per source and outcome",
		},
		[]string{"source", "outcome"}, // "ok", "error"
	)

	RecordsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skimmer_records_fetched_total",
			Help: "Total records extracted from API responses",
		},
		[]string{"source"},
	)

	PaginationCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skimmer_pagination_calls_total",
			Help: "Total pagination follow-up calls per source",
		},
		[]string{"source"},
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skimmer_token_refreshes_total",
			Help: "Total OAuth token refreshes per source and outcome",
		},
		[]string{"source", "outcome"},
	)

	// Shipper metrics

	BulksShipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skimmer_bulks_shipped_total",
			Help: "Total bulks posted to a sink by outcome",
		},
		[]string{"sink", "outcome"}, // "ok", "retry_exhausted", "bad_request", "unauthorized"
	)

	BulkBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skimmer_bulk_bytes",
			Help:    "Pre-compression bulk sizes in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 6), // 1KiB .. 1MiB
		},
		[]string{"sink"},
	)

	RecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skimmer_records_dropped_total",
			Help: "Records dropped for exceeding the max log size",
		},
		[]string{"sink"},
	)

	ShipperRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skimmer_shipper_retries_total",
			Help: "Retry attempts while posting bulks",
		},
		[]string{"sink"},
	)

	// Circuit breaker metrics (mirrors gobreaker state per upstream API)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skimmer_circuit_breaker_state",
			Help: "Circuit breaker state per source (0=closed, 1=half-open, 2=open)",
		},
		[]string{"source"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skimmer_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions per source",
		},
		[]string{"source", "from", "to"},
	)
)
