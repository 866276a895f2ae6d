package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the bridge's Prometheus collectors. Every method is safe on
// a nil receiver so components can be wired without metrics.
type Metrics struct {
	registry *prometheus.Registry

	rpcRequests     *prometheus.CounterVec
	activeStreams   prometheus.Gauge
	downstreamCalls *prometheus.CounterVec
	tokenRefreshes  *prometheus.CounterVec
	cardLookups     *prometheus.CounterVec
	sweptSessions   prometheus.Counter

	meterProvider *sdkmetric.MeterProvider
	httpDuration  metric.Float64Histogram
	httpRequests  metric.Int64Counter
}

// NewMetrics registers every collector on a fresh registry. HTTP request
// instruments go through an OpenTelemetry meter exported to the same
// registry.
func NewMetrics(namespace string) (*Metrics, error) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests by method and outcome.",
		}, []string{"method", "outcome"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Open tasks/sendSubscribe streams.",
		}),
		downstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downstream",
			Name:      "calls_total",
			Help:      "Calls to the session backend by operation and outcome.",
		}, []string{"op", "outcome"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credentials",
			Name:      "refreshes_total",
			Help:      "Access token fetches by outcome.",
		}, []string{"outcome"}),
		cardLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "descriptor",
			Name:      "lookups_total",
			Help:      "Agent card lookups by cache result.",
		}, []string{"result"}),
		sweptSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "swept_total",
			Help:      "Idle session mappings removed by the sweeper.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.rpcRequests, m.activeStreams, m.downstreamCalls,
		m.tokenRefreshes, m.cardLookups, m.sweptSessions,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(reg), otelprom.WithNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	m.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := m.meterProvider.Meter(instrumentationName)

	m.httpDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}
	m.httpRequests, err = meter.Int64Counter(
		"http_requests",
		metric.WithDescription("HTTP requests by route and status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}
	return m, nil
}

// Registry exposes the registry for the /metrics handler and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRPC counts a JSON-RPC request.
func (m *Metrics) ObserveRPC(method string, err error) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(method, outcome(err)).Inc()
}

// StreamDelta tracks stream opens (+1) and closes (-1).
func (m *Metrics) StreamDelta(delta int) {
	if m == nil {
		return
	}
	m.activeStreams.Add(float64(delta))
}

// ObserveDownstream counts a backend call.
func (m *Metrics) ObserveDownstream(op string, err error) {
	if m == nil {
		return
	}
	m.downstreamCalls.WithLabelValues(op, outcome(err)).Inc()
}

// ObserveTokenRefresh counts a token fetch.
func (m *Metrics) ObserveTokenRefresh(ok bool) {
	if m == nil {
		return
	}
	o := OutcomeOK
	if !ok {
		o = OutcomeError
	}
	m.tokenRefreshes.WithLabelValues(o).Inc()
}

// ObserveCardLookup counts an agent card cache hit or miss.
func (m *Metrics) ObserveCardLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cardLookups.WithLabelValues(result).Inc()
}

// ObserveSweep counts mappings removed by one sweep.
func (m *Metrics) ObserveSweep(removed int) {
	if m == nil || removed <= 0 {
		return
	}
	m.sweptSessions.Add(float64(removed))
}

func (m *Metrics) recordHTTP(ctx context.Context, method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(httpAttrs(method, route, status)...)
	m.httpDuration.Record(ctx, d.Seconds(), attrs)
	m.httpRequests.Add(ctx, 1, attrs)
}

// Shutdown flushes the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.meterProvider == nil {
		return nil
	}
	return m.meterProvider.Shutdown(ctx)
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}
