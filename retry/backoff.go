package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy 定义重试策略配置
type Policy struct {
	MaxAttempts     int                                               // 最大尝试次数（含首次调用，1 表示不重试）
	InitialDelay    time.Duration                                     // 第二次尝试前的延迟
	MaxDelay        time.Duration                                     // 最大延迟时间
	Multiplier      float64                                           // 延迟时间倍增因子（指数退避）
	Jitter          bool                                              // 是否添加随机抖动
	JitterFraction  float64                                           // 抖动幅度（±比例），默认 0.25
	RetryableErrors []error                                           // 可重试的错误（为空则由 RetryIf 或默认规则决定）
	RetryIf         func(err error) bool                              // 自定义可重试判断，返回 false 立即停止
	OnRetry         func(attempt int, err error, delay time.Duration) // 重试回调，attempt 为即将进行的尝试序号（从 2 开始）
}

// DefaultPolicy 返回默认的重试策略
// 适用于大部分 LLM 驱动的阶段调用
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:    3,
		InitialDelay:   1 * time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
		JitterFraction: 0.25,
	}
}

// Retryer 重试器接口
type Retryer interface {
	// Do 执行函数，失败时根据策略重试
	Do(ctx context.Context, fn func() error) error

	// DoWithResult 执行函数并返回结果，失败时根据策略重试
	DoWithResult(ctx context.Context, fn func() (any, error)) (any, error)
}

// backoffRetryer 基于指数退避的重试器实现
type backoffRetryer struct {
	policy *Policy
	logger *zap.Logger
}

// NewBackoffRetryer 创建指数退避重试器
func NewBackoffRetryer(policy *Policy, logger *zap.Logger) Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &backoffRetryer{
		policy: Normalize(policy),
		logger: logger,
	}
}

// Normalize 返回参数校验后的策略副本
func Normalize(policy *Policy) *Policy {
	if policy == nil {
		return DefaultPolicy()
	}
	p := *policy
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	if p.JitterFraction <= 0 || p.JitterFraction > 1 {
		p.JitterFraction = 0.25
	}
	return &p
}

// Do 实现 Retryer.Do
func (r *backoffRetryer) Do(ctx context.Context, fn func() error) error {
	_, err := r.DoWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

// DoWithResult 实现 Retryer.DoWithResult
// 耗尽重试后原样返回最后一次错误，调用方可以据此区分错误类型。
func (r *backoffRetryer) DoWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		// 第一次执行不延迟
		if attempt > 1 {
			delay := r.policy.Delay(attempt)

			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		result, err := fn()
		if err == nil {
			if attempt > 1 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if !r.policy.IsRetryable(err) {
			r.logger.Debug("error not retryable", zap.Error(err))
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
	}

	r.logger.Warn("retry attempts exhausted",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return nil, lastErr
}

// Delay 计算第 attempt 次尝试（attempt >= 2）之前的等待时间：
// min(MaxDelay, InitialDelay * Multiplier^(attempt-2))，可选 ±JitterFraction 抖动。
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-2))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter && delay > 0 {
		frac := p.JitterFraction
		if frac <= 0 {
			frac = 0.25
		}
		delay += (rand.Float64()*2 - 1) * delay * frac
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// IsRetryable 检查错误是否可重试
func (p *Policy) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.RetryIf != nil && !p.RetryIf(err) {
		return false
	}
	if len(p.RetryableErrors) == 0 {
		return true
	}
	for _, retryableErr := range p.RetryableErrors {
		if errors.Is(err, retryableErr) {
			return true
		}
	}
	return IsRetryableError(err)
}

// RetryableError 可重试的错误类型
// 用于在配置了 RetryableErrors 白名单时显式标记可重试的错误
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryableError 检查错误是否被 WrapRetryable 包装为可重试错误。
func IsRetryableError(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}

// WrapRetryable 将错误包装为可重试错误
func WrapRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}
