package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a unified error code across the gateway.
type ErrorCode string

// Scheduling / admission error codes
const (
	ErrAdmissionRejected ErrorCode = "ADMISSION_REJECTED"
	ErrModelNotFound     ErrorCode = "MODEL_NOT_FOUND"
	ErrModelUnavailable  ErrorCode = "MODEL_UNAVAILABLE"
	ErrAccessDenied      ErrorCode = "ACCESS_DENIED"
)

// Upstream error codes (classified from provider responses)
const (
	ErrAuthFailure       ErrorCode = "AUTH_FAILURE"
	ErrRateLimited       ErrorCode = "RATE_LIMITED"
	ErrCompatibility     ErrorCode = "COMPATIBILITY_ERROR"
	ErrClientError       ErrorCode = "CLIENT_ERROR"
	ErrThinkingSignature ErrorCode = "THINKING_SIGNATURE"
	ErrUnavailable       ErrorCode = "UNAVAILABLE"
)

// Failover outcome error codes
const (
	ErrStreamProbe         ErrorCode = "STREAM_PROBE"
	ErrAllCandidatesFailed ErrorCode = "ALL_CANDIDATES_FAILED"
	ErrStopRuleMatched     ErrorCode = "STOP_RULE_MATCHED"
	ErrCancelled           ErrorCode = "CANCELLED"
	ErrInternalError       ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Provider   string        `json:"provider,omitempty"`
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRetryAfter records the upstream retry-after hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// AsError extracts a *Error from err, unwrapping as needed.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// NewAdmissionRejectedError constructs the admission-control rejection error.
// The failover engine treats it as terminal for the credential, never retried.
func NewAdmissionRejectedError(credentialID uint) *Error {
	return &Error{
		Code:    ErrAdmissionRejected,
		Message: fmt.Sprintf("credential %d concurrency limit reached", credentialID),
	}
}

// NewRateLimitedError constructs a rate-limit error with a retry-after hint.
func NewRateLimitedError(provider string, retryAfter time.Duration) *Error {
	return &Error{
		Code:       ErrRateLimited,
		Message:    "upstream rate limit exceeded",
		HTTPStatus: 429,
		Retryable:  true,
		RetryAfter: retryAfter,
		Provider:   provider,
	}
}

// NewUnavailableError constructs a generic upstream-unavailable error.
func NewUnavailableError(provider string, status int) *Error {
	return &Error{
		Code:       ErrUnavailable,
		Message:    "upstream unavailable",
		HTTPStatus: status,
		Retryable:  true,
		Provider:   provider,
	}
}
