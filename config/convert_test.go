package config

import (
	"testing"
	"time"

	"github.com/BaSui01/contentflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_ManagerConfig_Defaults(t *testing.T) {
	mc := DefaultConfig().ManagerConfig()
	want := workflow.DefaultManagerConfig()

	assert.Equal(t, want.MaxStageExecutions, mc.MaxStageExecutions)
	assert.Equal(t, want.DefaultTimeout, mc.DefaultTimeout)
	assert.Equal(t, want.CircuitBreaker, mc.CircuitBreaker)
	assert.Equal(t, want.LoopGuard, mc.LoopGuard)
	assert.Equal(t, want.MaxEvents, mc.MaxEvents)
	assert.Equal(t, want.HealthWindow, mc.HealthWindow)
	assert.Equal(t, *want.Retry, *mc.Retry)

	require.Len(t, mc.Stages, len(want.Stages))
	for stage, sc := range want.Stages {
		got, ok := mc.Stages[stage]
		require.True(t, ok, stage)
		assert.Equal(t, *sc.CircuitBreaker, *got.CircuitBreaker, stage)
	}
}

func TestConfig_ManagerConfig_StageOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CircuitBreaker.RecoveryTimeout = 2 * time.Minute
	cfg.Stages = map[string]StageConfig{
		"Draft-Generation": {
			Timeout:        10 * time.Minute,
			MaxExecutions:  5,
			Retry:          &RetryConfig{MaxAttempts: 1, Multiplier: 1},
			CircuitBreaker: &CircuitBreakerConfig{FailureThreshold: 1},
		},
		"publishing": {Timeout: time.Second},
		"error":      {Timeout: time.Second},
	}

	mc := cfg.ManagerConfig()
	require.Len(t, mc.Stages, 1)

	draft := mc.Stages[workflow.StageDraftGeneration]
	assert.Equal(t, 10*time.Minute, draft.Timeout)
	assert.Equal(t, 5, draft.MaxExecutions)
	require.NotNil(t, draft.Retry)
	assert.Equal(t, 1, draft.Retry.MaxAttempts)

	// 只覆盖非零字段，其余继承全局熔断配置
	require.NotNil(t, draft.CircuitBreaker)
	assert.Equal(t, 1, draft.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 2*time.Minute, draft.CircuitBreaker.RecoveryTimeout)
	assert.Equal(t, cfg.CircuitBreaker.SuccessThreshold, draft.CircuitBreaker.SuccessThreshold)
}

func TestConfig_StoreConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Checkpoint.BaseDir = "/var/lib/contentflow"
	assert.Equal(t, "/var/lib/contentflow", cfg.StoreConfig().BaseDir)
}

func TestRetryConfig_Policy(t *testing.T) {
	p := RetryConfig{
		MaxAttempts:    4,
		InitialDelay:   time.Second,
		MaxDelay:       time.Minute,
		Multiplier:     1.5,
		Jitter:         true,
		JitterFraction: 0.1,
	}.Policy()
	assert.Equal(t, 4, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.Equal(t, time.Minute, p.MaxDelay)
	assert.InDelta(t, 1.5, p.Multiplier, 0.001)
	assert.True(t, p.Jitter)
	assert.InDelta(t, 0.1, p.JitterFraction, 0.001)
}
