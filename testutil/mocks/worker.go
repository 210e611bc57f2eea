// MockWorker 阶段 worker 的测试模拟实现。
//
// 支持固定输出、前 N 次失败、永久失败、延迟与 panic 注入。
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/contentflow/workflow"
)

// MockWorker 可编排的阶段 worker
type MockWorker struct {
	mu sync.Mutex

	output    any
	err       error
	failTimes int
	failErr   error
	delay     time.Duration
	panicMsg  string
	fn        func(ctx context.Context, in workflow.StageInput) (any, error)

	calls []workflow.StageInput
}

// NewMockWorker 创建返回 output 的 worker
func NewMockWorker(output any) *MockWorker {
	return &MockWorker{output: output}
}

// WithError 所有调用都返回 err
func (w *MockWorker) WithError(err error) *MockWorker {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
	return w
}

// FailTimes 前 n 次调用返回 err，之后成功
func (w *MockWorker) FailTimes(n int, err error) *MockWorker {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failTimes = n
	w.failErr = err
	return w
}

// WithDelay 每次调用前等待 d（遵守 ctx 取消）
func (w *MockWorker) WithDelay(d time.Duration) *MockWorker {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.delay = d
	return w
}

// WithPanic 调用时 panic
func (w *MockWorker) WithPanic(msg string) *MockWorker {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.panicMsg = msg
	return w
}

// WithFunc 使用自定义实现
func (w *MockWorker) WithFunc(fn func(ctx context.Context, in workflow.StageInput) (any, error)) *MockWorker {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fn = fn
	return w
}

// Func 返回 workflow.StageFunc
func (w *MockWorker) Func() workflow.StageFunc {
	return w.Execute
}

// Execute 实现 workflow.StageFunc
func (w *MockWorker) Execute(ctx context.Context, in workflow.StageInput) (any, error) {
	w.mu.Lock()
	w.calls = append(w.calls, in)
	n := len(w.calls)
	delay, panicMsg, fn := w.delay, w.panicMsg, w.fn
	failTimes, failErr, err, output := w.failTimes, w.failErr, w.err, w.output
	w.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if panicMsg != "" {
		panic(panicMsg)
	}
	if fn != nil {
		return fn(ctx, in)
	}
	if n <= failTimes {
		return nil, failErr
	}
	if err != nil {
		return nil, err
	}
	return output, nil
}

// CallCount 返回调用次数
func (w *MockWorker) CallCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

// Calls 返回调用记录副本
func (w *MockWorker) Calls() []workflow.StageInput {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]workflow.StageInput(nil), w.calls...)
}

// Workers 为每个流水线阶段创建一个返回 "<stage> output" 的 worker
func Workers() map[workflow.Stage]*MockWorker {
	out := make(map[workflow.Stage]*MockWorker, len(workflow.PipelineStages))
	for _, s := range workflow.PipelineStages {
		out[s] = NewMockWorker(string(s) + " output")
	}
	return out
}

// StageFuncs 将 MockWorker 集合转换为 Runner 使用的 worker 表
func StageFuncs(workers map[workflow.Stage]*MockWorker) map[workflow.Stage]workflow.StageFunc {
	out := make(map[workflow.Stage]workflow.StageFunc, len(workers))
	for s, w := range workers {
		out[s] = w.Func()
	}
	return out
}
