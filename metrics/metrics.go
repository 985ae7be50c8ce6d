// Package metrics exposes prometheus instrumentation for the pool and the
// discovery pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "outbox",
		Subsystem: "pool",
		Name:      "active_connections",
		Help:      "Number of currently open relay connections.",
	})

	queriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "outbox",
		Subsystem: "pool",
		Name:      "queries_total",
		Help:      "Total multi-relay query calls.",
	})

	queryRelayFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "outbox",
		Subsystem: "pool",
		Name:      "query_relay_failures_total",
		Help:      "Per-relay failures during query calls.",
	})

	eventsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "outbox",
		Subsystem: "pool",
		Name:      "events_fetched_total",
		Help:      "Events returned by queries, after deduplication.",
	})

	publishesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "outbox",
		Subsystem: "pool",
		Name:      "publishes_total",
		Help:      "Per-relay publish attempts.",
	})

	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "outbox",
		Subsystem: "pool",
		Name:      "publish_failures_total",
		Help:      "Per-relay publish failures.",
	})

	discoveryRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "outbox",
		Subsystem: "discovery",
		Name:      "runs_total",
		Help:      "Discovery runs started.",
	})

	discoveryRunFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "outbox",
		Subsystem: "discovery",
		Name:      "run_failures_total",
		Help:      "Discovery runs that ended with at least one failed batch.",
	})

	routesUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "outbox",
		Subsystem: "discovery",
		Name:      "routes_upserted_total",
		Help:      "Relay routes written to the routing table.",
	})
)

func IncrementActiveConnections() { activeConnections.Inc() }

func DecrementActiveConnections() { activeConnections.Dec() }

func IncrementQueries() { queriesTotal.Inc() }

func IncrementQueryFailures() { queryRelayFailures.Inc() }

func AddEventsFetched(n int) { eventsFetched.Add(float64(n)) }

func IncrementPublishes() { publishesTotal.Inc() }

func IncrementPublishFailures() { publishFailures.Inc() }

func IncrementDiscoveryRuns() { discoveryRuns.Inc() }

func IncrementDiscoveryFailed() { discoveryRunFailures.Inc() }

func AddRoutesUpserted(n int) { routesUpserted.Add(float64(n)) }
