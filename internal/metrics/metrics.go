// Package metrics holds the prometheus instrumentation for a store
// instance. Every instance gets its own registry so tests and embedded
// stores stay independent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts object-store and reader operations.
type Metrics struct {
	registry *prometheus.Registry

	ListOps            prometheus.Counter
	GetOps             prometheus.Counter
	PutOps             prometheus.Counter
	DeleteOps          prometheus.Counter
	Retries            prometheus.Counter
	ReadBytes          prometheus.Counter
	ContinuationMisses prometheus.Counter
}

// New creates a Metrics with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ListOps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "klstore", Name: "list_operations_total",
			Help: "Object store LIST calls issued.",
		}),
		GetOps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "klstore", Name: "read_operations_total",
			Help: "Object store GET calls issued.",
		}),
		PutOps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "klstore", Name: "write_operations_total",
			Help: "Object store PUT calls issued.",
		}),
		DeleteOps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "klstore", Name: "delete_operations_total",
			Help: "Object store DELETE calls issued.",
		}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "klstore", Name: "retries_total",
			Help: "Transient object store failures that were retried.",
		}),
		ReadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "klstore", Name: "read_bytes_total",
			Help: "Bytes fetched from the object store.",
		}),
		ContinuationMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "klstore", Name: "continuation_misses_total",
			Help: "Paged reads whose continuation anchor was compacted away.",
		}),
	}
}

// Registry exposes the instance registry for scraping or test asserts.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
