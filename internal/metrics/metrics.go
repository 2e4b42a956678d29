// Package metrics defines the Prometheus instruments shared across the
// server. Everything registers on the default registry; the API server
// exposes it on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChatTurns counts completed chat turns by outcome kind
	// (ok, ai_unavailable, timeout, validation_error, ...).
	ChatTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studymate_chat_turns_total",
		Help: "Chat turns by outcome.",
	}, []string{"outcome"})

	// MaterialsProcessed counts finished material pipeline runs.
	MaterialsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studymate_materials_processed_total",
		Help: "Material processing runs by terminal status.",
	}, []string{"status"})

	// QueueDepth tracks tasks waiting in the background queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "studymate_queue_depth",
		Help: "Tasks waiting in the background processing queue.",
	})

	// BrainRestarts counts supervisor-initiated restarts.
	BrainRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studymate_brain_restarts_total",
		Help: "Brain child process restarts.",
	})

	// RequestDuration observes API request latency per route.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "studymate_request_duration_seconds",
		Help:    "API request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)
