package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/contentflow/config"
	"github.com/BaSui01/contentflow/testutil"
	"github.com/BaSui01/contentflow/testutil/fixtures"
	"github.com/BaSui01/contentflow/testutil/mocks"
	"github.com/BaSui01/contentflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap/zaptest"
)

// keepGlobals 测试结束后恢复全局 provider
func keepGlobals(t *testing.T) {
	t.Helper()
	tp := otel.GetTracerProvider()
	mp := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	})
}

// initInMemory 启用遥测但导出到内存
func initInMemory(t *testing.T, rate float64) (*Providers, *tracetest.InMemoryExporter) {
	t.Helper()
	keepGlobals(t)
	exp := tracetest.NewInMemoryExporter()
	p, err := Init(config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "contentflow-test",
		SampleRate:   rate,
	}, zaptest.NewLogger(t),
		WithSpanExporter(exp),
		WithMetricReader(sdkmetric.NewManualReader()),
		WithSyncExport(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, exp
}

func TestInit_DisabledKeepsNoop(t *testing.T) {
	keepGlobals(t)
	before := otel.GetTracerProvider()

	p, err := Init(config.DefaultTelemetryConfig(), nil)
	require.NoError(t, err)
	assert.Nil(t, p.tp)
	assert.Nil(t, p.mp)
	assert.Equal(t, before, otel.GetTracerProvider())
	assert.NoError(t, p.ForceFlush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_RegistersGlobalProviders(t *testing.T) {
	p, _ := initInMemory(t, 1)

	_, isSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, isSDK)
	_, isSDK = otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, isSDK)
	assert.NotNil(t, p.tp)
	assert.NotNil(t, p.mp)
}

func TestInit_OTLPExporters(t *testing.T) {
	keepGlobals(t)
	// grpc 连接是惰性的，没有 collector 也能创建
	p, err := Init(config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "contentflow-otlp",
		SampleRate:   0.5,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NotPanics(t, func() { _ = p.Shutdown(ctx) })
}

func TestProviders_NilSafe(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.NoError(t, p.ForceFlush(context.Background()))
	assert.NotNil(t, p.Tracer())
}

func TestTracer_ExportsWithResource(t *testing.T) {
	p, exp := initInMemory(t, 1)

	_, span := p.Tracer().Start(context.Background(), "contentflow.flow")
	span.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "contentflow.flow", spans[0].Name)
	assert.Equal(t, TracerName, spans[0].InstrumentationScope.Name)
	assert.Equal(t, workflow.TracerName, spans[0].InstrumentationScope.Name)

	var service string
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == semconv.ServiceNameKey {
			service = kv.Value.AsString()
		}
	}
	assert.Equal(t, "contentflow-test", service)
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate      float64
		recording bool
	}{
		{rate: 1, recording: true},
		{rate: 2, recording: true},
		{rate: 0, recording: false},
		{rate: -1, recording: false},
	}
	for _, tt := range tests {
		p, exp := initInMemory(t, tt.rate)
		_, span := p.Tracer().Start(context.Background(), "contentflow.stage")
		assert.Equal(t, tt.recording, span.IsRecording(), "rate %v", tt.rate)
		span.End()
		if !tt.recording {
			assert.Empty(t, exp.GetSpans())
		}
	}
}

func TestRunnerSpans(t *testing.T) {
	p, exp := initInMemory(t, 1)
	ctx := testutil.TestContext(t)

	runner := workflow.NewRunner(nil, mocks.StageFuncs(mocks.Workers()), mocks.NewRecordingCheckpointer(),
		workflow.WithRunnerConfig(fixtures.ManagerConfig()),
		workflow.WithRunnerLogger(zaptest.NewLogger(t)),
		workflow.WithTracer(p.Tracer()),
	)
	res, err := runner.Run(ctx, "traced-flow", fixtures.ArticleInput())
	require.NoError(t, err)
	require.Equal(t, workflow.FlowStatusCompleted, res.Status)
	require.NoError(t, p.ForceFlush(ctx))

	names := map[string]int{}
	for _, s := range exp.GetSpans() {
		names[s.Name]++
	}
	assert.Equal(t, 1, names["contentflow.flow"])
	assert.Equal(t, len(workflow.PipelineStages), names["contentflow.stage"])
}

func TestBuildVersion(t *testing.T) {
	// 测试二进制的主模块版本是 (devel)
	assert.Equal(t, "dev", buildVersion())
}
