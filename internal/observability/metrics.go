package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	apiRequestsTotal  *prometheus.CounterVec
	apiLatencySeconds *prometheus.HistogramVec
	apiErrorsTotal    *prometheus.CounterVec

	eventsAppliedTotal    *prometheus.CounterVec
	eventsDroppedTotal    *prometheus.CounterVec
	reconnectsTotal       prometheus.Counter
	optimisticWritesTotal *prometheus.CounterVec
	snapshotLoadSeconds   *prometheus.HistogramVec

	relayConnectionsActive prometheus.Gauge
	relayEventsTotal       *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the relay and the sync client.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_live_api_requests_total",
			Help: "Total number of collaborator API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gema_live_api_latency_seconds",
			Help:    "Latency distribution for collaborator API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_live_api_errors_total",
			Help: "Total number of error responses returned by collaborator endpoints.",
		}, []string{"method", "route", "status"})

		eventsAppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_live_events_applied_total",
			Help: "Push events handled by the reconciler, by kind and outcome.",
		}, []string{"type", "outcome"})

		eventsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_live_events_dropped_total",
			Help: "Inbound frames dropped before reconciliation, by reason.",
		}, []string{"reason"})

		reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gema_live_reconnects_total",
			Help: "Push channel reconnect attempts after an unexpected disconnect.",
		})

		optimisticWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_live_optimistic_writes_total",
			Help: "Speculative writes by operation and outcome.",
		}, []string{"operation", "outcome"})

		snapshotLoadSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gema_live_snapshot_load_seconds",
			Help:    "Latency of scope snapshot fetches.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"})

		relayConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gema_live_relay_connections_active",
			Help: "Websocket connections currently attached to the relay.",
		})

		relayEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_live_relay_events_total",
			Help: "Events broadcast by the relay, by kind.",
		}, []string{"type"})

		prometheus.MustRegister(
			apiRequestsTotal,
			apiLatencySeconds,
			apiErrorsTotal,
			eventsAppliedTotal,
			eventsDroppedTotal,
			reconnectsTotal,
			optimisticWritesTotal,
			snapshotLoadSeconds,
			relayConnectionsActive,
			relayEventsTotal,
		)
	})
}

// APIRequests exposes the counter for collaborator requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for collaborator requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for collaborator error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// EventsApplied exposes the reconciler outcome counter.
func EventsApplied() *prometheus.CounterVec {
	RegisterMetrics()
	return eventsAppliedTotal
}

// EventsDropped exposes the counter for frames rejected before reconciliation.
func EventsDropped() *prometheus.CounterVec {
	RegisterMetrics()
	return eventsDroppedTotal
}

// Reconnects exposes the reconnect attempt counter.
func Reconnects() prometheus.Counter {
	RegisterMetrics()
	return reconnectsTotal
}

// OptimisticWrites exposes the speculative write counter.
func OptimisticWrites() *prometheus.CounterVec {
	RegisterMetrics()
	return optimisticWritesTotal
}

// SnapshotLoads exposes the snapshot latency histogram.
func SnapshotLoads() *prometheus.HistogramVec {
	RegisterMetrics()
	return snapshotLoadSeconds
}

// RelayConnectionsActive exposes the relay connection gauge.
func RelayConnectionsActive() prometheus.Gauge {
	RegisterMetrics()
	return relayConnectionsActive
}

// RelayEvents exposes the relay broadcast counter.
func RelayEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return relayEventsTotal
}
