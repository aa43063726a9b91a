package observability

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petitionlabs/gavel/pkg/config"
)

func TestNoopManagerIsSafeWithoutInitialize(t *testing.T) {
	m := NoopManager()

	tracer := m.Tracer("test")
	_, span := tracer.Start(context.Background(), "op")
	span.End()

	m.Metrics().RecordCommand(context.Background(), "ask", time.Millisecond, nil)
	m.Metrics().RecordCacheLookup(context.Background(), "l1", true)

	rec := httptest.NewRecorder()
	m.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 503, rec.Code)

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestPrometheusMetricsExposed(t *testing.T) {
	m := NewManager(config.ObservabilityConfig{MetricsSink: "prometheus"})
	require.NoError(t, m.Initialize(context.Background()))
	defer func() { require.NoError(t, m.Shutdown(context.Background())) }()

	ctx := context.Background()
	m.Metrics().RecordCommand(ctx, "ask", 5*time.Millisecond, nil)
	m.Metrics().RecordNode(ctx, "petition", "draft_section", 10*time.Millisecond, nil)
	m.Metrics().RecordModelCall(ctx, "m1", 20*time.Millisecond, 42, false, nil)
	m.Metrics().RecordMemorySearch(ctx, "memories", time.Millisecond, 3)
	m.Metrics().RecordCacheLookup(ctx, "l2", false)

	rec := httptest.NewRecorder()
	m.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "gavel_commands_total")
	assert.Contains(t, body, "gavel_workflow_nodes_total")
	assert.Contains(t, body, "gavel_model_tokens_total")
	assert.Contains(t, body, "gavel_memory_search_results_total")
	assert.Contains(t, body, "gavel_cache_lookups_total")
}

func TestCommandErrorsCounted(t *testing.T) {
	m := NewManager(config.ObservabilityConfig{MetricsSink: "prometheus"})
	require.NoError(t, m.Initialize(context.Background()))

	ctx := context.Background()
	m.Metrics().RecordCommand(ctx, "ask", time.Millisecond, assert.AnError)

	rec := httptest.NewRecorder()
	m.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "gavel_command_errors_total")
}
