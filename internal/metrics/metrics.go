// Package metrics holds the relay's Prometheus collectors, registered on the
// default registry and served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request lifecycle, labelled with protocol.EventRequest* names.
	RequestEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weavebot_request_events_total",
			Help: "Parse request lifecycle events",
		},
		[]string{"event"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weavebot_dispatch_duration_seconds",
			Help:    "Agent dispatch round trip",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"result"}, // "ok", "unreachable", "rejected"
	)

	DispatchesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "weavebot_dispatches_in_flight",
			Help: "Accepted messages whose dispatch has not finished",
		},
	)

	// Callback outcomes: "completed", "failed", "duplicate", "late", "unknown", "malformed".
	Callbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weavebot_callbacks_total",
			Help: "Agent callbacks by outcome",
		},
		[]string{"outcome"},
	)

	ChatErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weavebot_chat_errors_total",
			Help: "Chat platform operations that failed and were absorbed",
		},
		[]string{"op"},
	)

	SweepRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "weavebot_sweep_runs_total",
			Help: "Timeout sweeper ticks",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weavebot_rate_limit_hits_total",
			Help: "Requests refused by the HTTP rate limiter",
		},
		[]string{"endpoint"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weavebot_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route", "status"},
	)
)
