// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// flow 引擎测试共用的上下文与事件断言辅助
//
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	assert.Equal(t, want, testutil.EventTypes(mgr.GetExecutionEvents(0)))
// =============================================================================
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/contentflow/workflow"
)

// TestContext 返回 30 秒超时的测试上下文
func TestContext(t *testing.T) context.Context {
	return TestContextWithTimeout(t, 30*time.Second)
}

// TestContextWithTimeout 返回带自定义超时的测试上下文，测试结束时取消
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 返回已取消的上下文
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// =============================================================================
// 🔍 事件断言
// =============================================================================

// EventTypes 提取事件类型序列
func EventTypes(events []workflow.ExecutionEvent) []workflow.EventType {
	out := make([]workflow.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// CountEvents 统计某类事件的数量
func CountEvents(events []workflow.ExecutionEvent, typ workflow.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// StageEvents 过滤出某阶段的事件
func StageEvents(events []workflow.ExecutionEvent, stage workflow.Stage) []workflow.ExecutionEvent {
	var out []workflow.ExecutionEvent
	for _, ev := range events {
		if ev.Stage == stage {
			out = append(out, ev)
		}
	}
	return out
}

// WaitFor 轮询 condition 直到为真或超时
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}
