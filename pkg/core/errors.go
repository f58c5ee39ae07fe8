package core

import (
	"errors"
	"fmt"
)

// Error is the canonical error shape for the session coordinator.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	SessionID string    `json:"session_id,omitempty"`

	// RequestID and RetryAfter are populated by the HTTP layer when the
	// error is written to a client.
	RequestID  string `json:"request_id,omitempty"`
	RetryAfter *int   `json:"retry_after,omitempty"`

	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrIdentity marks an unresolvable or malformed caller identity.
	// Fatal to the current turn only: no charge, no log.
	ErrIdentity ErrorType = "identity_error"

	// ErrGeneration marks an exhausted response-generation attempt.
	// Fatal to the current turn only; the session stays open.
	ErrGeneration ErrorType = "generation_error"

	// ErrQuotaExhausted is the terminal per-session quota signal.
	ErrQuotaExhausted ErrorType = "quota_exhausted_error"

	// ErrSessionEnded marks a resume or turn against an ended session.
	ErrSessionEnded ErrorType = "session_ended_error"

	// ErrConfiguration marks invalid startup configuration.
	ErrConfiguration ErrorType = "configuration_error"

	// ErrPersistence marks an unreachable or timed-out storage tier.
	ErrPersistence ErrorType = "persistence_error"

	// ErrInvalidRequest marks a malformed client request.
	ErrInvalidRequest ErrorType = "invalid_request_error"

	// ErrAuthentication marks a missing or invalid gateway credential.
	ErrAuthentication ErrorType = "authentication_error"

	// ErrRateLimit marks a request rejected by the gateway rate limiter.
	ErrRateLimit ErrorType = "rate_limit_error"
)

// NewIdentityError creates an identity resolution error.
func NewIdentityError(message string) *Error {
	return &Error{
		Type:    ErrIdentity,
		Message: message,
	}
}

// NewGenerationError creates a generation error wrapping the provider failure.
func NewGenerationError(message string, underlying error) *Error {
	return &Error{
		Type:    ErrGeneration,
		Message: message,
		Err:     underlying,
	}
}

// NewQuotaExhaustedError creates the terminal quota signal for a session.
func NewQuotaExhaustedError(sessionID string) *Error {
	return &Error{
		Type:      ErrQuotaExhausted,
		Message:   "session token quota exhausted",
		SessionID: sessionID,
	}
}

// NewSessionEndedError creates an ended-session rejection.
func NewSessionEndedError(sessionID string) *Error {
	return &Error{
		Type:      ErrSessionEnded,
		Message:   "session has ended; start a new session",
		SessionID: sessionID,
	}
}

// NewConfigurationError creates a startup configuration error.
func NewConfigurationError(message string) *Error {
	return &Error{
		Type:    ErrConfiguration,
		Message: message,
	}
}

// NewPersistenceError creates a storage-tier error wrapping the cause.
func NewPersistenceError(message string, underlying error) *Error {
	return &Error{
		Type:    ErrPersistence,
		Message: message,
		Err:     underlying,
	}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{
		Type:    ErrAuthentication,
		Message: message,
	}
}

// NewRateLimitError creates a rate limit error. retryAfter is in seconds;
// pass 0 when no retry hint is available.
func NewRateLimitError(message string, retryAfter int) *Error {
	e := &Error{
		Type:    ErrRateLimit,
		Message: message,
	}
	if retryAfter > 0 {
		e.RetryAfter = &retryAfter
	}
	return e
}

// IsType reports whether err is (or wraps) a coordinator error of type t.
func IsType(err error, t ErrorType) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Type == t
	}
	return false
}

// IsRetryable reports whether the error is worth retrying locally.
// Only storage-tier failures are; turn-level and protocol-level
// errors are final for their scope.
func (e *Error) IsRetryable() bool {
	return e.Type == ErrPersistence
}
