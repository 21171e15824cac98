// Package metrics defines the Prometheus collectors exported by the macro
// agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Fetch outcomes recorded by the resolver.
const (
	ResultOK    = "ok"
	ResultError = "error"
	ResultStale = "stale"
)

// Resolver groups the collectors updated by the port macro resolver.
type Resolver struct {
	Fetches       *prometheus.CounterVec
	FetchDuration prometheus.Histogram
	Transitions   *prometheus.CounterVec
	Held          prometheus.Gauge
	Registered    prometheus.Gauge
}

// NewResolver creates the collectors and registers them with reg.
func NewResolver(reg prometheus.Registerer) (*Resolver, error) {
	m := &Resolver{
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aerophoenix",
			Subsystem: "portmacro",
			Name:      "descriptor_fetches_total",
			Help:      "Machine descriptor fetches by outcome.",
		}, []string{"result"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aerophoenix",
			Subsystem: "portmacro",
			Name:      "descriptor_fetch_seconds",
			Help:      "Latency of machine descriptor fetches.",
			Buckets:   prometheus.DefBuckets,
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aerophoenix",
			Subsystem: "portmacro",
			Name:      "state_transitions_total",
			Help:      "Resolver state transitions by target state.",
		}, []string{"state"}),
		Held: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aerophoenix",
			Subsystem: "portmacro",
			Name:      "held_macros",
			Help:      "Port macros currently owned by the resolver.",
		}),
		Registered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aerophoenix",
			Subsystem: "macro",
			Name:      "registered_macros",
			Help:      "Macros currently present in the registry.",
		}),
	}
	for _, c := range []prometheus.Collector{m.Fetches, m.FetchDuration, m.Transitions, m.Held, m.Registered} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveRegistry keeps the Registered gauge in sync with a registry size.
func (m *Resolver) ObserveRegistry(size int) {
	m.Registered.Set(float64(size))
}
