package workflow

import (
	"fmt"
	"time"
)

// Outcome 阶段结果类型
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// StageResult 阶段执行结果：Succeeded(payload) | Failed(err) | Skipped(reason)。
// 只能通过构造函数创建，零值不是合法结果。
type StageResult struct {
	outcome Outcome

	Stage      Stage
	Payload    any
	Err        error
	SkipReason string
	// FallbackUsed 为 true 表示 Payload 来自降级函数而不是 worker
	FallbackUsed bool
	Duration     time.Duration
	StartedAt    time.Time
}

// Succeeded 成功结果
func Succeeded(stage Stage, payload any) StageResult {
	return StageResult{outcome: OutcomeSucceeded, Stage: stage, Payload: payload}
}

// Failed 失败结果，err 不能为空
func Failed(stage Stage, err error) StageResult {
	if err == nil {
		err = fmt.Errorf("stage %s failed without an error", stage)
	}
	return StageResult{outcome: OutcomeFailed, Stage: stage, Err: err}
}

// Skipped 跳过结果
func Skipped(stage Stage, reason string) StageResult {
	return StageResult{outcome: OutcomeSkipped, Stage: stage, SkipReason: reason}
}

// Outcome 返回结果类型
func (r StageResult) Outcome() Outcome { return r.outcome }

func (r StageResult) IsSucceeded() bool { return r.outcome == OutcomeSucceeded }
func (r StageResult) IsFailed() bool    { return r.outcome == OutcomeFailed }
func (r StageResult) IsSkipped() bool   { return r.outcome == OutcomeSkipped }

// Validate 在 chain 边界校验结果
func (r StageResult) Validate() error {
	switch r.outcome {
	case OutcomeSucceeded, OutcomeSkipped:
		return nil
	case OutcomeFailed:
		if r.Err == nil {
			return &ValidationError{Field: "result", Message: "failed result without error"}
		}
		return nil
	default:
		return &ValidationError{Field: "result", Message: fmt.Sprintf("unknown outcome %q", r.outcome)}
	}
}

// WithFallback 用降级值将失败结果转换为成功结果，并保留原始错误
func (r StageResult) WithFallback(payload any) StageResult {
	r.outcome = OutcomeSucceeded
	r.Payload = payload
	r.FallbackUsed = true
	return r
}

func (r StageResult) String() string {
	switch r.outcome {
	case OutcomeFailed:
		return fmt.Sprintf("%s: failed: %v", r.Stage, r.Err)
	case OutcomeSkipped:
		return fmt.Sprintf("%s: skipped: %s", r.Stage, r.SkipReason)
	case OutcomeSucceeded:
		if r.FallbackUsed {
			return fmt.Sprintf("%s: succeeded (fallback)", r.Stage)
		}
		return fmt.Sprintf("%s: succeeded", r.Stage)
	default:
		return fmt.Sprintf("%s: invalid result", r.Stage)
	}
}
