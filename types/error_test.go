package types

import (
	"errors"
	"fmt"
	"testing"
)

type codedErr struct{}

func (codedErr) Error() string   { return "coded" }
func (codedErr) Code() ErrorCode { return ErrLoopExceeded }

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrUpstreamError, "upstream failed").
		WithCause(root).
		WithRetryable(true).
		WithStage("research")

	if GetErrorCode(err) != ErrUpstreamError {
		t.Fatalf("expected code %s, got %s", ErrUpstreamError, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestGetErrorCode_TypedAndWrapped(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("stage draft: %w", codedErr{})
	if !IsErrorCode(wrapped, ErrLoopExceeded) {
		t.Fatalf("expected wrapped coded error to resolve, got %q", GetErrorCode(wrapped))
	}
	if GetErrorCode(errors.New("plain")) != "" {
		t.Fatalf("plain errors carry no code")
	}
	if GetErrorCode(nil) != "" {
		t.Fatalf("nil carries no code")
	}
}

func TestTypeName(t *testing.T) {
	t.Parallel()

	if got := TypeName(codedErr{}); got != string(ErrLoopExceeded) {
		t.Fatalf("expected code as type name, got %s", got)
	}
	if got := TypeName(errors.New("x")); got != "*errors.errorString" {
		t.Fatalf("expected go type name, got %s", got)
	}
	if TypeName(nil) != "" {
		t.Fatalf("nil has no type name")
	}
}
