package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/petitionlabs/gavel/pkg/config"
)

// Metrics records the runtime's operational signals.
type Metrics interface {
	RecordCommand(ctx context.Context, kind string, duration time.Duration, err error)
	RecordNode(ctx context.Context, graph, node string, duration time.Duration, err error)
	RecordModelCall(ctx context.Context, modelID string, duration time.Duration, tokens int, cached bool, err error)
	RecordMemorySearch(ctx context.Context, collection string, duration time.Duration, results int)
	RecordCacheLookup(ctx context.Context, layer string, hit bool)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) RecordCommand(context.Context, string, time.Duration, error)              {}
func (NoopMetrics) RecordNode(context.Context, string, string, time.Duration, error)         {}
func (NoopMetrics) RecordModelCall(context.Context, string, time.Duration, int, bool, error) {}
func (NoopMetrics) RecordMemorySearch(context.Context, string, time.Duration, int)           {}
func (NoopMetrics) RecordCacheLookup(context.Context, string, bool)                          {}

func initMetrics(cfg config.ObservabilityConfig) (Metrics, http.Handler, error) {
	if cfg.MetricsSink != "prometheus" {
		return NoopMetrics{}, nil, nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("gavel")

	m := &prometheusMetrics{}
	if m.commandDuration, err = meter.Float64Histogram(
		"gavel_command_duration_seconds",
		metric.WithDescription("Dispatch command duration in seconds"),
	); err != nil {
		return nil, nil, err
	}
	if m.commandsTotal, err = meter.Int64Counter(
		"gavel_commands_total",
		metric.WithDescription("Total dispatched commands"),
	); err != nil {
		return nil, nil, err
	}
	if m.commandErrors, err = meter.Int64Counter(
		"gavel_command_errors_total",
		metric.WithDescription("Total failed commands"),
	); err != nil {
		return nil, nil, err
	}
	if m.nodeDuration, err = meter.Float64Histogram(
		"gavel_workflow_node_duration_seconds",
		metric.WithDescription("Workflow node execution duration in seconds"),
	); err != nil {
		return nil, nil, err
	}
	if m.nodesTotal, err = meter.Int64Counter(
		"gavel_workflow_nodes_total",
		metric.WithDescription("Total workflow node executions"),
	); err != nil {
		return nil, nil, err
	}
	if m.nodeErrors, err = meter.Int64Counter(
		"gavel_workflow_node_errors_total",
		metric.WithDescription("Total workflow node failures"),
	); err != nil {
		return nil, nil, err
	}
	if m.modelDuration, err = meter.Float64Histogram(
		"gavel_model_request_duration_seconds",
		metric.WithDescription("Model request duration in seconds"),
	); err != nil {
		return nil, nil, err
	}
	if m.modelTokens, err = meter.Int64Counter(
		"gavel_model_tokens_total",
		metric.WithDescription("Total tokens consumed by model requests"),
	); err != nil {
		return nil, nil, err
	}
	if m.modelErrors, err = meter.Int64Counter(
		"gavel_model_errors_total",
		metric.WithDescription("Total model request failures"),
	); err != nil {
		return nil, nil, err
	}
	if m.memorySearchDuration, err = meter.Float64Histogram(
		"gavel_memory_search_duration_seconds",
		metric.WithDescription("Semantic memory search duration in seconds"),
	); err != nil {
		return nil, nil, err
	}
	if m.memorySearchResults, err = meter.Int64Counter(
		"gavel_memory_search_results_total",
		metric.WithDescription("Total semantic memory search results returned"),
	); err != nil {
		return nil, nil, err
	}
	if m.cacheLookups, err = meter.Int64Counter(
		"gavel_cache_lookups_total",
		metric.WithDescription("Total response-cache lookups by layer and outcome"),
	); err != nil {
		return nil, nil, err
	}

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m, handler, nil
}

type prometheusMetrics struct {
	commandDuration metric.Float64Histogram
	commandsTotal   metric.Int64Counter
	commandErrors   metric.Int64Counter

	nodeDuration metric.Float64Histogram
	nodesTotal   metric.Int64Counter
	nodeErrors   metric.Int64Counter

	modelDuration metric.Float64Histogram
	modelTokens   metric.Int64Counter
	modelErrors   metric.Int64Counter

	memorySearchDuration metric.Float64Histogram
	memorySearchResults  metric.Int64Counter

	cacheLookups metric.Int64Counter
}

func (m *prometheusMetrics) RecordCommand(ctx context.Context, kind string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.commandDuration.Record(ctx, duration.Seconds(), attrs)
	m.commandsTotal.Add(ctx, 1, attrs)
	if err != nil {
		m.commandErrors.Add(ctx, 1, attrs)
	}
}

func (m *prometheusMetrics) RecordNode(ctx context.Context, graph, node string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("graph", graph),
		attribute.String("node", node),
	)
	m.nodeDuration.Record(ctx, duration.Seconds(), attrs)
	m.nodesTotal.Add(ctx, 1, attrs)
	if err != nil {
		m.nodeErrors.Add(ctx, 1, attrs)
	}
}

func (m *prometheusMetrics) RecordModelCall(ctx context.Context, modelID string, duration time.Duration, tokens int, cached bool, err error) {
	attrs := metric.WithAttributes(
		attribute.String("model", modelID),
		attribute.Bool("cached", cached),
	)
	m.modelDuration.Record(ctx, duration.Seconds(), attrs)
	if tokens > 0 {
		m.modelTokens.Add(ctx, int64(tokens), attrs)
	}
	if err != nil {
		m.modelErrors.Add(ctx, 1, attrs)
	}
}

func (m *prometheusMetrics) RecordMemorySearch(ctx context.Context, collection string, duration time.Duration, results int) {
	attrs := metric.WithAttributes(attribute.String("collection", collection))
	m.memorySearchDuration.Record(ctx, duration.Seconds(), attrs)
	m.memorySearchResults.Add(ctx, int64(results), attrs)
}

func (m *prometheusMetrics) RecordCacheLookup(ctx context.Context, layer string, hit bool) {
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("layer", layer),
		attribute.Bool("hit", hit),
	))
}
