// Package errs defines the error taxonomy shared by every client component.
//
// Components return errors that match one of the sentinels below with
// errors.Is. Extra detail (remaining pairing attempts, rate limit hints,
// server codes) travels in *Error, which unwraps to its sentinel.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Device identity.
var (
	ErrDeviceNotPaired = errors.New("device not paired")
	ErrAlreadyPaired   = errors.New("device already paired")
	ErrNotFound        = errors.New("not found")
)

// Pairing and session.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidCode        = errors.New("invalid verification code")
	ErrChallengeExpired   = errors.New("pairing challenge expired")
	ErrRateLimited        = errors.New("rate limited")
	ErrSessionExpired     = errors.New("session expired")
	ErrSessionDenied      = errors.New("session denied")
	ErrAuthRejected       = errors.New("authentication rejected")
)

// Transport and requests.
var (
	ErrNetwork         = errors.New("network error")
	ErrConnection      = errors.New("connection error")
	ErrConnectionLost  = errors.New("connection lost")
	ErrRequestTimeout  = errors.New("request timed out")
	ErrNotConnected    = errors.New("not connected")
	ErrQueueFull       = errors.New("send queue full")
	ErrRequestRejected = errors.New("request rejected")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Error annotates a sentinel with operation context.
type Error struct {
	Op   string
	Kind error

	// Code and Message come from the server when it sent them.
	Code    string
	Message string

	// RemainingAttempts is -1 when unknown.
	RemainingAttempts int
	RetryAfter        time.Duration

	Err error
}

// New returns an *Error for kind with no remaining-attempts information.
func New(op string, kind error, msg string) *Error {
	return &Error{Op: op, Kind: kind, Message: msg, RemainingAttempts: -1}
}

// Wrap annotates cause with op and kind. A nil cause yields nil.
func Wrap(op string, kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: cause, RemainingAttempts: -1}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RemainingAttempts >= 0 {
		msg += fmt.Sprintf(" (%d attempts remaining)", e.RemainingAttempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// RemainingAttempts reports the remaining verification attempts carried by err.
func RemainingAttempts(err error) (int, bool) {
	var e *Error
	if errors.As(err, &e) && e.RemainingAttempts >= 0 {
		return e.RemainingAttempts, true
	}
	return 0, false
}

// RetryAfter reports the server's retry hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

var recoverable = []error{
	ErrNetwork,
	ErrConnection,
	ErrConnectionLost,
	ErrRequestTimeout,
	ErrNotConnected,
	ErrQueueFull,
	ErrRateLimited,
	ErrInvalidCode,
}

// IsRecoverable reports whether retrying the same operation later can succeed
// without user intervention or re-pairing.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	for _, kind := range recoverable {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
