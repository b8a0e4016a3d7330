package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "carshare_booking"

var (
	once sync.Once

	writes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Booking writes by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	conflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Rejected windows by the stage that caught them.",
		},
		[]string{"stage"},
	)

	txRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_retries_total",
			Help:      "Write transactions retried after a serialization failure.",
		},
	)

	storeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_duration_seconds",
			Help:      "Latency of store calls by operation.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeline_cache_lookups_total",
			Help:      "Timeline cache lookups by result.",
		},
		[]string{"result"},
	)

	outboxPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox events handed to Kafka by result.",
		},
		[]string{"result"},
	)

	fleetEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fleet_events_total",
			Help:      "Consumed fleet events by result.",
		},
		[]string{"result"},
	)
)

// Register registers metrics with the default registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(writes, conflicts, txRetries, storeLatency, cacheLookups, outboxPublished, fleetEvents)
	})
}

func ObserveWrite(op, outcome string) {
	writes.WithLabelValues(op, outcome).Inc()
}

// IncConflict counts a rejected window. stage is "check" for the advisory
// check and "commit" for the in-transaction guard.
func IncConflict(stage string) {
	conflicts.WithLabelValues(stage).Inc()
}

func IncTxRetry() {
	txRetries.Inc()
}

func ObserveStore(op string, started time.Time) {
	storeLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func IncCacheLookup(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}

func IncOutboxPublished(result string) {
	outboxPublished.WithLabelValues(result).Inc()
}

func IncFleetEvent(result string) {
	fleetEvents.WithLabelValues(result).Inc()
}
