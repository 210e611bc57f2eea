package config

import (
	"testing"
	"time"

	"github.com/BaSui01/contentflow/persistence"
	"github.com/BaSui01/contentflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, FlowConfig{}, cfg.Flow)
	assert.NotEmpty(t, cfg.Stages)
	assert.NotEqual(t, RetryConfig{}, cfg.Retry)
	assert.NotEqual(t, CircuitBreakerConfig{}, cfg.CircuitBreaker)
	assert.NotEqual(t, LoopGuardConfig{}, cfg.LoopGuard)
	assert.NotEqual(t, persistence.StoreConfig{}, cfg.Checkpoint)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NotEqual(t, MetricsConfig{}, cfg.Metrics)
}

func TestDefaultConfig_IsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

// --- Individual Default*Config functions ---

func TestDefaultFlowConfig(t *testing.T) {
	cfg := DefaultFlowConfig()
	assert.Equal(t, workflow.DefaultMaxStageExecutions, cfg.MaxStageExecutions)
	assert.Equal(t, 5*time.Minute, cfg.DefaultTimeout)
	assert.Equal(t, workflow.DefaultMaxEvents, cfg.MaxEvents)
	assert.Equal(t, 50, cfg.HealthWindow)
	assert.Empty(t, cfg.ChainFile)
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxDelay)
	assert.InDelta(t, 2.0, cfg.Multiplier, 0.001)
	assert.True(t, cfg.Jitter)
}

func TestDefaultCircuitBreakerConfig_MatchesWorkflow(t *testing.T) {
	assert.Equal(t, workflow.DefaultCircuitBreakerConfig(), DefaultCircuitBreakerConfig().toWorkflow())
}

func TestDefaultLoopGuardConfig_MatchesWorkflow(t *testing.T) {
	assert.Equal(t, workflow.DefaultLoopGuardConfig(), DefaultLoopGuardConfig().toWorkflow())
}

func TestDefaultStageConfigs(t *testing.T) {
	stages := DefaultStageConfigs()
	for _, name := range []string{"research", "draft_generation"} {
		sc, ok := stages[name]
		require.True(t, ok, name)
		require.NotNil(t, sc.CircuitBreaker)
		assert.Equal(t, 3, sc.CircuitBreaker.FailureThreshold)
	}
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "contentflow", cfg.ServiceName)
	assert.InDelta(t, 0.1, cfg.SampleRate, 0.001)
}

func TestDefaultMetricsConfig(t *testing.T) {
	cfg := DefaultMetricsConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "contentflow", cfg.Namespace)
}
