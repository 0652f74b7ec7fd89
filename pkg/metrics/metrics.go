// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepscope_events_appended_total",
		Help: "Events appended to the live session log, by type",
	}, []string{"type"})

	TransportErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepscope_transport_errors_total",
		Help: "Research transport failures, by transport mode",
	}, []string{"mode"})

	MalformedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepscope_malformed_frames_total",
		Help: "Inbound frames dropped because they could not be decoded",
	}, []string{"mode"})

	HistoryWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepscope_history_writes_total",
		Help: "History synchronizer outcomes (created, updated, skipped, coalesced)",
	}, []string{"action"})

	HistoryWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepscope_history_write_failures_total",
		Help: "Failed durable history writes",
	})

	HistoryWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "deepscope_history_write_duration_seconds",
		Help:    "Duration of one history save-or-update decision including store calls",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	FeedbackRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepscope_feedback_requests_total",
		Help: "Human feedback requests, by outcome (resolved, rejected, cancelled)",
	}, []string{"outcome"})

	SessionPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "deepscope_session_phase",
		Help: "1 for the live session's current phase, 0 otherwise",
	}, []string{"phase"})

	HistoryRecordsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepscope_history_records_deleted_total",
		Help: "History records removed by retention cleanup",
	})
)

// SetPhase marks current as the only active phase among all.
func SetPhase(current string, all []string) {
	for _, p := range all {
		v := 0.0
		if p == current {
			v = 1
		}
		SessionPhase.WithLabelValues(p).Set(v)
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
