package types

import (
	"context"
	"testing"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	if _, ok := FlowID(ctx); ok {
		t.Fatal("FlowID should be absent on empty context")
	}

	ctx = WithTraceID(ctx, "t1")
	if got, ok := TraceID(ctx); !ok || got != "t1" {
		t.Fatalf("TraceID mismatch: %v %v", got, ok)
	}

	ctx = WithFlowID(ctx, "flow-1")
	if got, ok := FlowID(ctx); !ok || got != "flow-1" {
		t.Fatalf("FlowID mismatch: %v %v", got, ok)
	}

	ctx = WithExecutionID(ctx, "exec")
	if got, ok := ExecutionID(ctx); !ok || got != "exec" {
		t.Fatalf("ExecutionID mismatch: %v %v", got, ok)
	}

	ctx = WithStage(ctx, "research")
	if got, ok := Stage(ctx); !ok || got != "research" {
		t.Fatalf("Stage mismatch: %v %v", got, ok)
	}

	if _, ok := Stage(WithStage(context.Background(), "")); ok {
		t.Fatal("empty stage should report absent")
	}
}
