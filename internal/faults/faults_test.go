package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validation("bad_input", "missing file"), KindValidation},
		{"wrapped transient", fmt.Errorf("calling model: %w", Transient("ai_timeout", "model timed out", errors.New("deadline"))), KindTransient},
		{"plain error", errors.New("boom"), KindFatal},
		{"queue full", ErrQueueFull, KindExhausted},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("%s: KindOf = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("stage detect: %w", Transient("ai_timeout", "model timed out", nil))
	if got := CodeOf(err); got != "ai_timeout" {
		t.Errorf("CodeOf = %q, want ai_timeout", got)
	}
	if got := CodeOf(errors.New("plain")); got != "internal" {
		t.Errorf("CodeOf(plain) = %q, want internal", got)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Transient("db_deadlock", "deadlock detected", nil)) {
		t.Error("transient must be retryable")
	}
	if IsRetryable(Fatal("parse_failed", "unsupported format", nil)) {
		t.Error("fatal must not be retryable")
	}
	if IsRetryable(ErrCancelled) {
		t.Error("user cancellation must not be retryable")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	f := Transient("transport", "transport flap", cause)
	if !errors.Is(f, cause) {
		t.Error("Fault must unwrap to its cause")
	}
	var target *Fault
	if !errors.As(fmt.Errorf("outer: %w", f), &target) {
		t.Fatal("errors.As must find the Fault")
	}
	if target.Code != "transport" {
		t.Errorf("code = %q, want transport", target.Code)
	}
}
