package models

import (
	"context"
	"errors"
	"testing"

	"github.com/doctrine-review/inkwell/internal/faults"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantKind faults.Kind
		wantCode string
	}{
		{"auth", errors.New("401 Unauthorized"), faults.KindFatal, "model_auth_failed"},
		{"rate limit", errors.New("429 Too Many Requests"), faults.KindTransient, "model_rate_limited"},
		{"context length", errors.New("prompt exceeds context length"), faults.KindFatal, "context_too_long"},
		{"missing model", errors.New("model not found: llama9"), faults.KindFatal, "model_not_found"},
		{"network", errors.New("dial tcp: connection refused"), faults.KindTransient, "model_connection"},
		{"unknown", errors.New("something odd"), faults.KindTransient, "model_error"},
		{"unavailable", &ErrModelUnavailable{Provider: "ollama", Body: "no available server"}, faults.KindTransient, "model_unavailable"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Classify(tc.err)
			if faults.KindOf(err) != tc.wantKind {
				t.Errorf("kind: got %s, want %s", faults.KindOf(err), tc.wantKind)
			}
			if faults.CodeOf(err) != tc.wantCode {
				t.Errorf("code: got %q, want %q", faults.CodeOf(err), tc.wantCode)
			}
			if !errors.Is(err, tc.err) {
				t.Error("classified error should wrap the original")
			}
		})
	}
}

func TestClassifyPassesCancellationThrough(t *testing.T) {
	if err := Classify(context.Canceled); err != context.Canceled {
		t.Errorf("cancellation should pass through unwrapped, got %v", err)
	}
	if err := Classify(context.DeadlineExceeded); err != context.DeadlineExceeded {
		t.Errorf("deadline should pass through unwrapped, got %v", err)
	}
	if err := Classify(nil); err != nil {
		t.Errorf("nil should stay nil, got %v", err)
	}
}
