// Package metrics provides Prometheus instrumentation for the Study-Hub
// real-time service. It exposes gauges for connection counts, counters for
// broadcast throughput and delivery outcomes, and histograms for fan-out
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active channel connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "studyhub_connections_total",
		Help: "Current number of active channel connections",
	})

	// BroadcastsTotal counts group broadcasts, labeled by event type:
	// "message", "typing", or "system".
	BroadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studyhub_broadcasts_total",
		Help: "Total number of group broadcasts issued",
	}, []string{"event"})

	// DeliveriesTotal counts per-connection delivery attempts, labeled by
	// outcome: "ok", "failed", "stale", or "skipped".
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studyhub_deliveries_total",
		Help: "Total number of per-connection delivery attempts",
	}, []string{"outcome"})

	// BroadcastLatency records time from fan-out start to all deliveries
	// settling, in seconds.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "studyhub_broadcast_latency_seconds",
		Help:    "Time for a group broadcast to settle all deliveries",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// MessagesPersisted counts chat messages written to the store, labeled
	// by outcome: "ok" or "failed".
	MessagesPersisted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studyhub_messages_persisted_total",
		Help: "Total number of chat message persistence attempts",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		BroadcastsTotal,
		DeliveriesTotal,
		BroadcastLatency,
		MessagesPersisted,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
