package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/contentflow/types"
)

var (
	// ErrStageInProgress 同一 flow 内同一阶段已在执行
	ErrStageInProgress = types.NewError(types.ErrStageInProgress, "stage already in progress")
	// ErrNotStarted CompleteStage 时该阶段没有处于执行中的句柄
	ErrNotStarted = errors.New("stage not started")
	// ErrHandleMismatch 句柄不属于当前执行中的阶段
	ErrHandleMismatch = errors.New("stage execution handle does not match the active execution")
	// ErrUnknownStep 执行链中不存在该步骤
	ErrUnknownStep = errors.New("unknown chain step")
	// ErrNoWorker 阶段没有注册 worker
	ErrNoWorker = errors.New("no worker registered for stage")
)

// CircuitOpenError 熔断器拒绝调用时返回，不会调用 worker
type CircuitOpenError struct {
	Stage      Stage
	State      CircuitState
	Failures   int
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.State == CircuitHalfOpen {
		return fmt.Sprintf("circuit breaker half-open for stage %s: trial call in flight", e.Stage)
	}
	return fmt.Sprintf("circuit breaker open for stage %s: %d consecutive failures, retry after %v",
		e.Stage, e.Failures, e.RetryAfter)
}

// Code 实现 types.Coded
func (e *CircuitOpenError) Code() types.ErrorCode { return types.ErrCircuitOpen }

// LoopPreventionError 超出执行上限或被强制停止，不可重试
type LoopPreventionError struct {
	Method string
	Stage  Stage
	Count  int
	Limit  int
	Reason string
	Forced bool
}

// LoopExceededError 是 FlowState 转换上限触发的同一错误类型
type LoopExceededError = LoopPreventionError

func (e *LoopPreventionError) Error() string {
	if e.Forced {
		return fmt.Sprintf("execution force-stopped: %s", e.Reason)
	}
	if e.Method != "" {
		return fmt.Sprintf("loop prevention: %s (method=%s stage=%s count=%d limit=%d)",
			e.Reason, e.Method, e.Stage, e.Count, e.Limit)
	}
	return fmt.Sprintf("loop prevention: %s (stage=%s count=%d limit=%d)", e.Reason, e.Stage, e.Count, e.Limit)
}

// Code 实现 types.Coded
func (e *LoopPreventionError) Code() types.ErrorCode {
	if e.Forced {
		return types.ErrForceStopped
	}
	return types.ErrLoopExceeded
}

// ValidationError 输入校验失败，在任何阶段开始前抛出
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
	}
	return "validation failed: " + e.Message
}

// Code 实现 types.Coded
func (e *ValidationError) Code() types.ErrorCode { return types.ErrValidation }

// StageTimeoutError 阶段超过时间预算
type StageTimeoutError struct {
	Stage   Stage
	Timeout time.Duration
	Elapsed time.Duration
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("stage %s timed out after %v (budget %v)", e.Stage, e.Elapsed.Round(time.Millisecond), e.Timeout)
}

// Code 实现 types.Coded
func (e *StageTimeoutError) Code() types.ErrorCode { return types.ErrStageTimeout }

// InvalidTransitionError 非法阶段转换
type InvalidTransitionError struct {
	From Stage
	To   Stage
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid stage transition: %s -> %s", e.From, e.To)
}

// Code 实现 types.Coded
func (e *InvalidTransitionError) Code() types.ErrorCode { return types.ErrInvalidTransition }

// IsFatal 致命错误（循环超限、强制停止、校验失败、checkpoint 写入失败）：
// 不重试，直接将 flow 送入 Error 阶段并归档为失败
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var loopErr *LoopPreventionError
	if errors.As(err, &loopErr) {
		return true
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return true
	}
	return types.IsErrorCode(err, types.ErrCheckpointFailed)
}

// IsCircuitOpen 判断是否为熔断拒绝（"受保护"失败，而非 worker 真实失败）
func IsCircuitOpen(err error) bool {
	var cbErr *CircuitOpenError
	return errors.As(err, &cbErr)
}

// isRetryableStageError 重试执行器的可重试判断
func isRetryableStageError(err error) bool {
	if IsFatal(err) || IsCircuitOpen(err) {
		return false
	}
	var invalid *InvalidTransitionError
	if errors.As(err, &invalid) {
		return false
	}
	var typed *types.Error
	if errors.As(err, &typed) && typed.Code == types.ErrInvalidRequest {
		return typed.Retryable
	}
	return true
}
