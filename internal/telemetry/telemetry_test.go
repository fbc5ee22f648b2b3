package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/durableflow/config"
	"github.com/BaSui01/durableflow/workflow"
	"github.com/BaSui01/durableflow/workflow/executors"
)

// saveAndRestoreGlobalProviders snapshots the global providers and restores
// them via t.Cleanup.
func saveAndRestoreGlobalProviders(t *testing.T) {
	t.Helper()
	origTP := otel.GetTracerProvider()
	origMP := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		otel.SetMeterProvider(origMP)
	})
}

func enabledConfig() config.TelemetryConfig {
	return config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "durableflow-test",
		SampleRate:   1.0,
	}
}

func TestInit_Disabled(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	p, err := Init(config.TelemetryConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Nil(t, p.tp)
	assert.Nil(t, p.mp)
	assert.NotNil(t, p.Tracer("x"))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_EnabledRegistersGlobals(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	p, err := Init(enabledConfig(), zaptest.NewLogger(t),
		WithSpanExporter(tracetest.NewInMemoryExporter()),
		WithMetricReader(sdkmetric.NewManualReader()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, tpIsSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	_, mpIsSDK := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, tpIsSDK)
	assert.True(t, mpIsSDK)
}

func TestInit_OTLPExporters(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	p, err := Init(enabledConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p.tp)
	require.NotNil(t, p.mp)

	// 没有 collector 时导出可能失败，只要求按时返回
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NotPanics(t, func() { _ = p.Shutdown(ctx) })
}

func TestProviders_Shutdown_Nil(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestEngineSpans(t *testing.T) {
	saveAndRestoreGlobalProviders(t)
	exp := tracetest.NewInMemoryExporter()
	p, err := Init(enabledConfig(), zaptest.NewLogger(t),
		WithSpanExporter(exp),
		WithMetricReader(sdkmetric.NewManualReader()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	registry := workflow.NewExecutorRegistry(nil)
	executors.RegisterDefaults(registry, executors.Dependencies{})
	engine := workflow.NewEngine(workflow.NewMemoryStore(), registry,
		workflow.WithTracer(p.Tracer("durableflow-test")))
	defer engine.Close()

	def := &workflow.Definition{
		Name: "traced",
		Nodes: []*workflow.Node{
			{ID: "start", Type: workflow.NodeTypeStart},
			{ID: "end", Type: workflow.NodeTypeEnd},
		},
		Edges: []*workflow.Edge{{Source: "start", Target: "end"}},
	}
	result, err := engine.Start(context.Background(), def, map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionCompleted, result.Status)

	spans := exp.GetSpans()
	var runs, nodes int
	for _, s := range spans {
		switch s.Name {
		case "workflow.run":
			runs++
		case "workflow.node":
			nodes++
			assert.NotEqual(t, codes.Error, s.Status.Code)
		}
	}
	assert.Equal(t, 1, runs)
	assert.Equal(t, 2, nodes)
}

func TestBuildVersion(t *testing.T) {
	assert.Equal(t, "dev", buildVersion())
}
