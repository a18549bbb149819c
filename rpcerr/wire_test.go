package rpcerr

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	err := New(CodeRateLimitExceeded, "slow down").WithDetails(json.RawMessage(`{"resetAt":1}`))
	m := ToMessage("m1", err)
	if m.MessageID != "m1" || m.Code != "RATE_LIMIT_EXCEEDED" || m.Message != "slow down" {
		t.Fatalf("unexpected error message: %+v", m)
	}

	back := FromMessage(m)
	if !errors.Is(back, ErrRateLimitExceeded) {
		t.Fatalf("expect rate limit error, got %v", back)
	}
	if string(back.Details) != `{"resetAt":1}` {
		t.Fatalf("details lost: %s", back.Details)
	}
}

func TestToStreamMessageUntyped(t *testing.T) {
	m := ToStreamMessage("s1", errors.New("disk full"))
	if m.StreamID != "s1" || m.Code != string(CodeInternal) || m.Message != "disk full" {
		t.Fatalf("unexpected stream error: %+v", m)
	}
	if m.MessageID == "" {
		t.Fatal("expect a fresh message id")
	}
}
