package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	e := NewIdentityError("missing identity signal")
	want := "identity_error: missing identity signal"
	if e.Error() != want {
		t.Fatalf("Error()=%q, want %q", e.Error(), want)
	}

	e.Code = "no_phone"
	want = "identity_error: missing identity signal (code: no_phone)"
	if e.Error() != want {
		t.Fatalf("Error()=%q, want %q", e.Error(), want)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	e := NewPersistenceError("durable write failed", cause)

	if !errors.Is(e, cause) {
		t.Fatalf("errors.Is should find the wrapped cause")
	}

	wrapped := fmt.Errorf("memory writer: %w", e)
	var ce *Error
	if !errors.As(wrapped, &ce) {
		t.Fatalf("errors.As should find *Error through wrapping")
	}
	if ce.Type != ErrPersistence {
		t.Fatalf("type=%s, want %s", ce.Type, ErrPersistence)
	}
}

func TestIsType(t *testing.T) {
	tests := []struct {
		err  error
		typ  ErrorType
		want bool
	}{
		{NewSessionEndedError("s1"), ErrSessionEnded, true},
		{fmt.Errorf("turn: %w", NewGenerationError("retries exhausted", nil)), ErrGeneration, true},
		{NewQuotaExhaustedError("s1"), ErrSessionEnded, false},
		{errors.New("plain"), ErrIdentity, false},
		{nil, ErrIdentity, false},
	}
	for i, tt := range tests {
		if got := IsType(tt.err, tt.typ); got != tt.want {
			t.Errorf("case %d: IsType=%v, want %v", i, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !NewPersistenceError("cache timeout", nil).IsRetryable() {
		t.Fatalf("persistence errors should be retryable")
	}
	if NewGenerationError("provider failure", nil).IsRetryable() {
		t.Fatalf("generation errors are final for the turn")
	}
	if NewSessionEndedError("s1").IsRetryable() {
		t.Fatalf("session-ended is terminal")
	}
}
