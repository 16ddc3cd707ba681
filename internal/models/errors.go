package models

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/doctrine-review/inkwell/internal/faults"
)

// ErrModelUnavailable signals that a provider endpoint answered with
// something other than a model response.
type ErrModelUnavailable struct {
	Provider   string
	StatusCode int
	Body       string
	Cause      error
}

func (e *ErrModelUnavailable) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("model backend %s unavailable: %v", e.Provider, e.Cause)
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("model backend %s unavailable (HTTP %d): %s", e.Provider, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("model backend %s unavailable: %s", e.Provider, e.Body)
}

func (e *ErrModelUnavailable) Unwrap() error { return e.Cause }

// Classify maps raw SDK errors onto the fault taxonomy so the queue
// can tell retryable model trouble from permanent misconfiguration.
// Context cancellation passes through untouched.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var unavail *ErrModelUnavailable
	if errors.As(err, &unavail) {
		return faults.Transient("model_unavailable", unavail.Error(), err)
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, "401", "403", "unauthorized", "invalid api key", "api key", "forbidden") {
		return faults.Fatal("model_auth_failed", "authentication failed", err)
	}
	if containsAny(errStr, "429", "rate limit", "quota", "too many requests") {
		return faults.Transient("model_rate_limited", "rate limited", err)
	}
	if containsAny(errStr, "context length", "too many tokens", "max tokens", "token limit") {
		return faults.Fatal("context_too_long", "input exceeds model context", err)
	}
	if containsAny(errStr, "model not found", "404", "not found") {
		return faults.Fatal("model_not_found", "model not found", err)
	}
	if containsAny(errStr, "connection", "eof", "timeout", "dial", "refused") {
		return faults.Transient("model_connection", "connection error", err)
	}

	return faults.Transient("model_error", "model call failed", err)
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
