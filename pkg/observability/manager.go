// Package observability wires OpenTelemetry tracing and Prometheus metrics.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/kadirpekel/a2abridge/pkg/config"
)

// Manager owns the tracer provider and the metrics registry.
type Manager struct {
	provider *sdktrace.TracerProvider
	metrics  *Metrics
}

// NewManager sets up whatever cfg enables. A disabled section leaves the
// corresponding accessor returning nil.
func NewManager(ctx context.Context, cfg config.ObservabilityConfig, traceOut io.Writer) (*Manager, error) {
	m := &Manager{}
	provider, err := NewTracerProvider(ctx, cfg.Tracing, traceOut)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	m.provider = provider

	if cfg.Metrics.Enabled {
		metrics, err := NewMetrics(cfg.Metrics.Namespace)
		if err != nil {
			_ = m.Shutdown(ctx)
			return nil, fmt.Errorf("metrics: %w", err)
		}
		m.metrics = metrics
	}
	return m, nil
}

// Metrics returns nil when metrics are disabled.
func (m *Manager) Metrics() *Metrics {
	if m == nil {
		return nil
	}
	return m.metrics
}

// Shutdown flushes pending spans and metrics.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	var errs []error
	if m.provider != nil {
		errs = append(errs, m.provider.Shutdown(ctx))
	}
	errs = append(errs, m.metrics.Shutdown(ctx))
	return errors.Join(errs...)
}
