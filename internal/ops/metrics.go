package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus counters shared by the services. Registered on the default
// registry and served from the health endpoint's /metrics.
var (
	RelaysProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bigbrotr_relays_processed_total",
		Help: "Relays processed per service, by outcome.",
	}, []string{"service", "outcome"})

	EventsNew = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bigbrotr_events_new_total",
		Help: "Events newly written to the store.",
	})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bigbrotr_events_rejected_total",
		Help: "Events dropped before insert, by reason.",
	}, []string{"reason"})

	IterationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bigbrotr_iteration_duration_seconds",
		Help:    "Wall-clock duration of a full service iteration.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"service"})

	RelaysDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bigbrotr_relays_discovered_total",
		Help: "Candidate relay URLs accepted by the finder.",
	})
)
