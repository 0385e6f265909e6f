package objstore

import (
	"context"

	"github.com/klstore/klstore/internal/metrics"
)

// Instrumented counts operations and read bytes on a wrapped Client.
type Instrumented struct {
	inner   Client
	metrics *metrics.Metrics
}

// WithMetrics wraps c so every call is counted. A nil Metrics returns c
// unchanged.
func WithMetrics(c Client, m *metrics.Metrics) Client {
	if m == nil {
		return c
	}
	return &Instrumented{inner: c, metrics: m}
}

func (i *Instrumented) List(ctx context.Context, prefix, startAfter string, limit int) (ListPage, error) {
	i.metrics.ListOps.Inc()
	return i.inner.List(ctx, prefix, startAfter, limit)
}

func (i *Instrumented) Get(ctx context.Context, name string) ([]byte, error) {
	i.metrics.GetOps.Inc()
	data, err := i.inner.Get(ctx, name)
	if err == nil {
		i.metrics.ReadBytes.Add(float64(len(data)))
	}
	return data, err
}

func (i *Instrumented) Put(ctx context.Context, name string, data []byte) error {
	i.metrics.PutOps.Inc()
	return i.inner.Put(ctx, name, data)
}

func (i *Instrumented) PutIfAbsent(ctx context.Context, name string, data []byte) error {
	i.metrics.PutOps.Inc()
	return i.inner.PutIfAbsent(ctx, name, data)
}

func (i *Instrumented) Delete(ctx context.Context, name string) error {
	i.metrics.DeleteOps.Inc()
	return i.inner.Delete(ctx, name)
}
