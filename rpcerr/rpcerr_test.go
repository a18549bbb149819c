package rpcerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := Newf(CodeTimeout, "call %s timed out", "abc")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expect %v to match ErrTimeout", err)
	}
	if errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("timeout should not match ErrConnectionClosed")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if !errors.Is(wrapped, ErrTimeout) {
		t.Fatalf("expect wrapped error to match ErrTimeout")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(CodeConnectionFailed, context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expect cause to be reachable")
	}
	if err.Message != context.DeadlineExceeded.Error() {
		t.Fatalf("unexpected message %q", err.Message)
	}
}

func TestFrom(t *testing.T) {
	if From(nil) != nil {
		t.Fatal("expect nil for nil error")
	}
	typed := New(CodeAuthorization, "denied")
	if got := From(fmt.Errorf("x: %w", typed)); got != typed {
		t.Fatalf("expect typed error to pass through, got %v", got)
	}
	if got := From(errors.New("boom")); got.Code != CodeInternal {
		t.Fatalf("expect INTERNAL_ERROR, got %s", got.Code)
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(errors.New("plain")) != "" {
		t.Fatal("expect empty code for untyped error")
	}
	if CodeOf(ErrMethodNotFound) != CodeMethodNotFound {
		t.Fatal("expect METHOD_NOT_FOUND")
	}
}
