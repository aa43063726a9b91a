// Package observability wires tracing and metrics for the runtime. Tracing
// exports OTLP spans, metrics export through a Prometheus registry; both are
// off unless configured.
package observability

import (
	"context"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/petitionlabs/gavel/pkg/config"
)

// Manager owns the tracer provider and the metrics instruments.
type Manager struct {
	cfg config.ObservabilityConfig

	mu             sync.RWMutex
	tracerProvider trace.TracerProvider
	metrics        Metrics
	handler        http.Handler
}

func NewManager(cfg config.ObservabilityConfig) *Manager {
	return &Manager{
		cfg:            cfg,
		tracerProvider: noop.NewTracerProvider(),
		metrics:        NoopMetrics{},
	}
}

// NoopManager returns a manager with tracing and metrics disabled. Safe to
// use without calling Initialize.
func NoopManager() *Manager {
	return NewManager(config.ObservabilityConfig{})
}

func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tp, err := initTracer(ctx, m.cfg)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	metrics, handler, err := initMetrics(m.cfg)
	if err != nil {
		return err
	}
	m.metrics = metrics
	m.handler = handler
	return nil
}

func (m *Manager) Tracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracerProvider.Tracer(name)
}

func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// MetricsHandler serves the Prometheus scrape endpoint. When metrics are
// disabled it reports 503.
func (m *Manager) MetricsHandler() http.Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.handler != nil {
		return m.handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("metrics not enabled"))
	})
}

func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sd, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		return sd.Shutdown(ctx)
	}
	return nil
}
