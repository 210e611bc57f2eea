package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/contentflow/retry"
	"go.uber.org/zap"
)

// RetryExecutor 按阶段策略重试单次阶段调用，并把重试次数写回 FlowState
type RetryExecutor struct {
	state    *FlowState
	policy   *retry.Policy
	policies map[Stage]*retry.Policy
	metrics  MetricsRecorder
	onRetry  func(stage Stage, attempt int, err error, delay time.Duration)
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewRetryExecutor 创建重试执行器，policy 为 nil 时使用 retry.DefaultPolicy
func NewRetryExecutor(state *FlowState, policy *retry.Policy, logger *zap.Logger) *RetryExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryExecutor{
		state:    state,
		policy:   retry.Normalize(policy),
		policies: make(map[Stage]*retry.Policy),
		metrics:  NopMetrics(),
		logger:   logger.With(zap.String("component", "retry_executor")),
	}
}

// SetStagePolicy 设置阶段独立的重试策略
func (e *RetryExecutor) SetStagePolicy(stage Stage, policy *retry.Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if policy == nil {
		delete(e.policies, stage)
		return
	}
	e.policies[stage] = retry.Normalize(policy)
}

// PolicyFor 返回阶段生效的策略
func (e *RetryExecutor) PolicyFor(stage Stage) *retry.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.policies[stage]; ok {
		return p
	}
	return e.policy
}

// SetMetrics 设置指标记录器
func (e *RetryExecutor) SetMetrics(m MetricsRecorder) {
	if m != nil {
		e.metrics = m
	}
}

// OnRetry 注册重试回调（StageManager 用它记录 stage_retry 事件）
func (e *RetryExecutor) OnRetry(fn func(stage Stage, attempt int, err error, delay time.Duration)) {
	e.onRetry = fn
}

// RetrySync 执行 fn，失败时按阶段策略退避重试。
// 每次重试前递增 FlowState.retry_count[stage]；耗尽后原样返回最后一次错误。
// 致命错误、熔断拒绝与上下文取消不会重试。
func (e *RetryExecutor) RetrySync(ctx context.Context, fn func(ctx context.Context) (any, error), stage Stage) (any, error) {
	base := e.PolicyFor(stage)
	p := *base

	userRetryIf := base.RetryIf
	p.RetryIf = func(err error) bool {
		if !isRetryableStageError(err) {
			return false
		}
		return userRetryIf == nil || userRetryIf(err)
	}

	userOnRetry := base.OnRetry
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		if e.state != nil {
			e.state.IncrementRetry(stage)
		}
		e.metrics.RecordRetry(string(stage))
		if e.onRetry != nil {
			e.onRetry(stage, attempt, err, delay)
		}
		if userOnRetry != nil {
			userOnRetry(attempt, err, delay)
		}
	}

	retryer := retry.NewBackoffRetryer(&p, e.logger.With(zap.String("stage", string(stage))))
	return retryer.DoWithResult(ctx, func() (any, error) {
		return fn(ctx)
	})
}
