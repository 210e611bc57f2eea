package config

import (
	"github.com/BaSui01/contentflow/persistence"
	"github.com/BaSui01/contentflow/retry"
	"github.com/BaSui01/contentflow/workflow"
)

// ManagerConfig 转换为 workflow.ManagerConfig。
// 无法识别的阶段名会被忽略，由 Validate 报告。
func (c *Config) ManagerConfig() workflow.ManagerConfig {
	global := c.CircuitBreaker.toWorkflow()
	mc := workflow.ManagerConfig{
		MaxStageExecutions: c.Flow.MaxStageExecutions,
		DefaultTimeout:     c.Flow.DefaultTimeout,
		Retry:              c.Retry.Policy(),
		CircuitBreaker:     global,
		LoopGuard:          c.LoopGuard.toWorkflow(),
		Stages:             make(map[workflow.Stage]workflow.StageConfig, len(c.Stages)),
		MaxEvents:          c.Flow.MaxEvents,
		HealthWindow:       c.Flow.HealthWindow,
	}
	for name, sc := range c.Stages {
		stage, err := workflow.ParseStage(name)
		if err != nil || stage == workflow.StageError {
			continue
		}
		out := workflow.StageConfig{
			Timeout:       sc.Timeout,
			MaxExecutions: sc.MaxExecutions,
		}
		if sc.Retry != nil {
			out.Retry = sc.Retry.Policy()
		}
		if sc.CircuitBreaker != nil {
			merged := sc.CircuitBreaker.over(global)
			out.CircuitBreaker = &merged
		}
		mc.Stages[stage] = out
	}
	return mc
}

// StoreConfig 返回 checkpoint 存储配置
func (c *Config) StoreConfig() persistence.StoreConfig {
	return c.Checkpoint
}

// Policy 转换为 retry.Policy
func (r RetryConfig) Policy() *retry.Policy {
	return &retry.Policy{
		MaxAttempts:    r.MaxAttempts,
		InitialDelay:   r.InitialDelay,
		MaxDelay:       r.MaxDelay,
		Multiplier:     r.Multiplier,
		Jitter:         r.Jitter,
		JitterFraction: r.JitterFraction,
	}
}

func (b CircuitBreakerConfig) toWorkflow() workflow.CircuitBreakerConfig {
	return workflow.CircuitBreakerConfig{
		FailureThreshold: b.FailureThreshold,
		RecoveryTimeout:  b.RecoveryTimeout,
		SuccessThreshold: b.SuccessThreshold,
	}
}

// over 用非零字段覆盖 base
func (b CircuitBreakerConfig) over(base workflow.CircuitBreakerConfig) workflow.CircuitBreakerConfig {
	if b.FailureThreshold > 0 {
		base.FailureThreshold = b.FailureThreshold
	}
	if b.RecoveryTimeout > 0 {
		base.RecoveryTimeout = b.RecoveryTimeout
	}
	if b.SuccessThreshold > 0 {
		base.SuccessThreshold = b.SuccessThreshold
	}
	return base
}

func (g LoopGuardConfig) toWorkflow() workflow.LoopGuardConfig {
	return workflow.LoopGuardConfig{
		MaxExecutionsPerStage:  g.MaxExecutionsPerStage,
		MaxExecutionsPerMethod: g.MaxExecutionsPerMethod,
		HistorySize:            g.HistorySize,
		OscillationThreshold:   g.OscillationThreshold,
		MinCallInterval:        g.MinCallInterval,
		Window:                 g.Window,
		WindowMaxCalls:         g.WindowMaxCalls,
		RepeatThreshold:        g.RepeatThreshold,
	}
}
