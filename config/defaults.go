// =============================================================================
// 📦 ContentFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值，与 workflow / persistence 包的默认值保持一致
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/contentflow/persistence"
	"github.com/BaSui01/contentflow/workflow"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Flow:           DefaultFlowConfig(),
		Stages:         DefaultStageConfigs(),
		Retry:          DefaultRetryConfig(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		LoopGuard:      DefaultLoopGuardConfig(),
		Checkpoint:     persistence.DefaultStoreConfig(),
		Log:            DefaultLogConfig(),
		Telemetry:      DefaultTelemetryConfig(),
		Metrics:        DefaultMetricsConfig(),
	}
}

// DefaultFlowConfig 返回默认流程配置
func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		MaxStageExecutions: workflow.DefaultMaxStageExecutions,
		DefaultTimeout:     5 * time.Minute,
		MaxEvents:          workflow.DefaultMaxEvents,
		HealthWindow:       50,
		BatchConcurrency:   4,
	}
}

// DefaultStageConfigs research 与 draft_generation 调用付费外部服务，熔断阈值更低
func DefaultStageConfigs() map[string]StageConfig {
	return map[string]StageConfig{
		string(workflow.StageResearch):        {CircuitBreaker: &CircuitBreakerConfig{FailureThreshold: 3}},
		string(workflow.StageDraftGeneration): {CircuitBreaker: &CircuitBreakerConfig{FailureThreshold: 3}},
	}
}

// DefaultRetryConfig 返回默认重试配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
		JitterFraction: 0.25,
	}
}

// DefaultCircuitBreakerConfig 返回默认熔断器配置
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	d := workflow.DefaultCircuitBreakerConfig()
	return CircuitBreakerConfig{
		FailureThreshold: d.FailureThreshold,
		RecoveryTimeout:  d.RecoveryTimeout,
		SuccessThreshold: d.SuccessThreshold,
	}
}

// DefaultLoopGuardConfig 返回默认循环防护配置
func DefaultLoopGuardConfig() LoopGuardConfig {
	d := workflow.DefaultLoopGuardConfig()
	return LoopGuardConfig{
		MaxExecutionsPerStage:  d.MaxExecutionsPerStage,
		MaxExecutionsPerMethod: d.MaxExecutionsPerMethod,
		HistorySize:            d.HistorySize,
		OscillationThreshold:   d.OscillationThreshold,
		MinCallInterval:        d.MinCallInterval,
		Window:                 d.Window,
		WindowMaxCalls:         d.WindowMaxCalls,
		RepeatThreshold:        d.RepeatThreshold,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "contentflow",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "contentflow",
	}
}
