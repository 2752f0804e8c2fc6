package errs

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestError_Is(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap("transport.connect", ErrConnection, cause)

	if !errors.Is(err, ErrConnection) {
		t.Error("expected errors.Is(err, ErrConnection)")
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is(err, cause)")
	}
	if errors.Is(err, ErrAuthRejected) {
		t.Error("did not expect ErrAuthRejected")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if !errors.Is(wrapped, ErrConnection) {
		t.Error("expected kind to survive further wrapping")
	}
}

func TestWrap_NilCause(t *testing.T) {
	if err := Wrap("op", ErrNetwork, nil); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestRemainingAttempts(t *testing.T) {
	e := New("pairing.complete", ErrInvalidCode, "code mismatch")
	if _, ok := RemainingAttempts(e); ok {
		t.Error("expected no attempts for fresh error")
	}

	e.RemainingAttempts = 2
	n, ok := RemainingAttempts(fmt.Errorf("wrapped: %w", e))
	if !ok || n != 2 {
		t.Errorf("RemainingAttempts = %d, %v, want 2, true", n, ok)
	}

	want := "pairing.complete: invalid verification code: code mismatch (2 attempts remaining)"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
}

func TestRetryAfter(t *testing.T) {
	e := New("api.login", ErrRateLimited, "")
	e.RetryAfter = 3 * time.Second

	d, ok := RetryAfter(e)
	if !ok || d != 3*time.Second {
		t.Errorf("RetryAfter = %v, %v, want 3s, true", d, ok)
	}
}

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrNetwork, true},
		{ErrConnectionLost, true},
		{ErrRequestTimeout, true},
		{ErrRateLimited, true},
		{ErrInvalidCode, true},
		{ErrAuthRejected, false},
		{ErrSessionExpired, false},
		{ErrDeviceNotPaired, false},
		{ErrChallengeExpired, false},
		{Wrap("x", ErrNotConnected, errors.New("closed")), true},
	}

	for _, tt := range tests {
		if got := IsRecoverable(tt.err); got != tt.want {
			t.Errorf("IsRecoverable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
