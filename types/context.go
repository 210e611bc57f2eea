package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID     contextKey = "trace_id"
	keyFlowID      contextKey = "flow_id"
	keyExecutionID contextKey = "execution_id"
	keyStage       contextKey = "stage"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithFlowID adds flow ID to context.
func WithFlowID(ctx context.Context, flowID string) context.Context {
	return context.WithValue(ctx, keyFlowID, flowID)
}

// FlowID extracts flow ID from context.
func FlowID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyFlowID).(string)
	return v, ok && v != ""
}

// WithExecutionID adds the flow execution ID to context.
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, keyExecutionID, executionID)
}

// ExecutionID extracts the flow execution ID from context.
func ExecutionID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyExecutionID).(string)
	return v, ok && v != ""
}

// WithStage adds the running stage name to context.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, keyStage, stage)
}

// Stage extracts the running stage name from context.
func Stage(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyStage).(string)
	return v, ok && v != ""
}
