package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/durableflow/workflow"
	"github.com/BaSui01/durableflow/workflow/executors"
)

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string][]metricdata.DataPoint[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string][]metricdata.DataPoint[int64])
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				out[m.Name] = append(out[m.Name], sum.DataPoints...)
			}
		}
	}
	return out
}

func total(points []metricdata.DataPoint[int64]) int64 {
	var n int64
	for _, p := range points {
		n += p.Value
	}
	return n
}

func TestEngineRecorder_RecordsRun(t *testing.T) {
	saveAndRestoreGlobalProviders(t)
	reader := sdkmetric.NewManualReader()
	p, err := Init(enabledConfig(), zaptest.NewLogger(t),
		WithSpanExporter(tracetest.NewInMemoryExporter()),
		WithMetricReader(reader))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	rec, err := NewEngineRecorder(p.Meter("durableflow-test"))
	require.NoError(t, err)

	registry := workflow.NewExecutorRegistry(nil)
	executors.RegisterDefaults(registry, executors.Dependencies{})
	engine := workflow.NewEngine(workflow.NewMemoryStore(), registry,
		workflow.WithMetrics(workflow.MultiMetrics(nil, rec)))
	defer engine.Close()

	def := &workflow.Definition{
		Name: "metered",
		Nodes: []*workflow.Node{
			{ID: "start", Type: workflow.NodeTypeStart},
			{ID: "end", Type: workflow.NodeTypeEnd},
		},
		Edges: []*workflow.Edge{{Source: "start", Target: "end"}},
	}
	result, err := engine.Start(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, workflow.ExecutionCompleted, result.Status)

	sums := collectSums(t, reader)
	assert.Equal(t, int64(2), total(sums["durableflow.nodes"]))
	assert.Positive(t, total(sums["durableflow.transitions"]))

	execs := sums["durableflow.executions"]
	require.Len(t, execs, 1)
	assert.Equal(t, int64(1), execs[0].Value)
	status, ok := execs[0].Attributes.Value(attribute.Key("status"))
	require.True(t, ok)
	assert.Equal(t, string(workflow.ExecutionCompleted), status.AsString())
}

func TestProviders_MeterDisabled(t *testing.T) {
	var p *Providers
	rec, err := NewEngineRecorder(p.Meter("noop"))
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		rec.RecordRetry(workflow.NodeTypeHTTP)
		rec.RecordCheckpoint(0, 10, nil)
	})
}
