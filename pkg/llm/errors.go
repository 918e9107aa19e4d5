package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType classifies backend failures for retry decisions.
type ErrorType int8

const (
	// Retryable.
	ErrorTypeRateLimit ErrorType = iota
	ErrorTypeTransient
	ErrorTypeEmptyResponse

	// Not retryable.
	ErrorTypeAuth
	ErrorTypeBadPrompt
	ErrorTypeUnknown
)

func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Retryable reports whether a request failing with this type may succeed later.
func (et ErrorType) Retryable() bool {
	return et == ErrorTypeRateLimit || et == ErrorTypeTransient || et == ErrorTypeEmptyResponse
}

// Error is a classified backend error.
type Error struct {
	Err        error
	Message    string
	StatusCode int
	Type       ErrorType
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error.
func NewError(t ErrorType, message string) *Error {
	return &Error{Type: t, Message: message}
}

// NewErrorWithCause creates a classified error wrapping cause.
func NewErrorWithCause(t ErrorType, cause error, message string) *Error {
	return &Error{Type: t, Message: message, Err: cause}
}

// NewErrorWithStatus creates a classified error for an HTTP status.
func NewErrorWithStatus(t ErrorType, status int, cause error, message string) *Error {
	return &Error{Type: t, Message: message, StatusCode: status, Err: cause}
}

// TypeOf returns the classification of err, or ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeUnknown
}

// IsRetryable reports whether err is a retryable backend error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Type.Retryable()
}

// ClassifyStatus maps an HTTP status to an error.
func ClassifyStatus(status int, cause error) *Error {
	switch {
	case status == http.StatusUnauthorized:
		return NewErrorWithStatus(ErrorTypeAuth, status, cause, "authentication failed - check API key")
	case status == http.StatusForbidden:
		return NewErrorWithStatus(ErrorTypeAuth, status, cause, "permission denied - check API access")
	case status == http.StatusTooManyRequests:
		return NewErrorWithStatus(ErrorTypeRateLimit, status, cause, "rate limit exceeded")
	case status == http.StatusRequestTimeout || status >= 500:
		return NewErrorWithStatus(ErrorTypeTransient, status, cause, "server error")
	case status >= 400:
		return NewErrorWithStatus(ErrorTypeBadPrompt, status, cause, "bad request - check prompt format and parameters")
	default:
		return NewErrorWithStatus(ErrorTypeUnknown, status, cause, "unexpected status")
	}
}

// Classify maps an error without a status code by its context and text.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewErrorWithCause(ErrorTypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return NewErrorWithCause(ErrorTypeTransient, err, "request canceled")
	}

	lower := strings.ToLower(err.Error())
	containsAny := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(lower, w) {
				return true
			}
		}
		return false
	}
	switch {
	case containsAny("timeout", "connection", "network", "temporary", "eof", "reset"):
		return NewErrorWithCause(ErrorTypeTransient, err, "network or connection error")
	case containsAny("rate", "quota"):
		return NewErrorWithCause(ErrorTypeRateLimit, err, "rate limiting detected")
	case containsAny("unauthorized", "api key", "auth"):
		return NewErrorWithCause(ErrorTypeAuth, err, "authentication error")
	case containsAny("invalid", "malformed", "too large", "not found"):
		return NewErrorWithCause(ErrorTypeBadPrompt, err, "prompt or request error")
	default:
		return NewErrorWithCause(ErrorTypeUnknown, err, "unclassified error")
	}
}
