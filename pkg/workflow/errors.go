// Package workflow holds the run-scoped data model shared by the engine and
// capability providers: the run Context, the TODO list, results and errors.
package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code classifies a workflow error.
type Code string

// Fatal codes abort the run.
const (
	CodeInvalidState      Code = "INVALID_STATE"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeHandlerNotFound   Code = "HANDLER_NOT_FOUND"
	CodeProcessorNotFound Code = "PROCESSOR_NOT_FOUND"
	CodeInvalidContext    Code = "INVALID_CONTEXT"
	CodeTransitionLimit   Code = "TRANSITION_LIMIT"
	CodeUnknownMode       Code = "UNKNOWN_MODE"
)

// Recoverable codes are contained at item or stage level.
const (
	CodeTransitionTimeout Code = "TRANSITION_TIMEOUT"
	CodeHandlerTimeout    Code = "HANDLER_TIMEOUT"
	CodeProviderTimeout   Code = "PROVIDER_TIMEOUT"
	CodeProviderFailure   Code = "PROVIDER_FAILURE"
	CodeCircuitOpen       Code = "CIRCUIT_OPEN"
	CodeQueueFull         Code = "QUEUE_FULL"
	CodeCancelled         Code = "CANCELLED"
)

// Fatal reports whether an error with this code must abort the run.
func (c Code) Fatal() bool {
	switch c {
	case CodeInvalidState, CodeInvalidTransition, CodeHandlerNotFound,
		CodeProcessorNotFound, CodeInvalidContext, CodeTransitionLimit, CodeUnknownMode:
		return true
	default:
		return false
	}
}

// Retryable reports whether a failed call with this code may be retried.
func (c Code) Retryable() bool {
	switch c {
	case CodeProviderTimeout, CodeProviderFailure, CodeCircuitOpen, CodeQueueFull, CodeHandlerTimeout:
		return true
	default:
		return false
	}
}

// Error is the typed error carried through results and returned by the engine.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]any
	Err      error
}

// Sentinel errors for errors.Is matching by code.
var (
	ErrInvalidState      = &Error{Code: CodeInvalidState}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
	ErrHandlerNotFound   = &Error{Code: CodeHandlerNotFound}
	ErrProcessorNotFound = &Error{Code: CodeProcessorNotFound}
	ErrInvalidContext    = &Error{Code: CodeInvalidContext}
	ErrTransitionLimit   = &Error{Code: CodeTransitionLimit}
	ErrUnknownMode       = &Error{Code: CodeUnknownMode}
	ErrTransitionTimeout = &Error{Code: CodeTransitionTimeout}
	ErrHandlerTimeout    = &Error{Code: CodeHandlerTimeout}
	ErrProviderTimeout   = &Error{Code: CodeProviderTimeout}
	ErrProviderFailure   = &Error{Code: CodeProviderFailure}
	ErrCircuitOpen       = &Error{Code: CodeCircuitOpen}
	ErrQueueFull         = &Error{Code: CodeQueueFull}
	ErrCancelled         = &Error{Code: CodeCancelled}
)

// NewError creates an error with the given code and formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an error with the given code that wraps cause.
func WrapError(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// WithMetadata returns the error with key set in its metadata.
func (e *Error) WithMetadata(key string, value any) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// MetadataKeys returns the metadata keys in sorted order.
func (e *Error) MetadataKeys() []string {
	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CodeOf extracts the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var we *Error
	if errors.As(err, &we) {
		return we.Code
	}
	return ""
}

// AsError converts any error into a *Error, using fallback for foreign errors.
func AsError(err error, fallback Code) *Error {
	if err == nil {
		return nil
	}
	var we *Error
	if errors.As(err, &we) {
		return we
	}
	return &Error{Code: fallback, Message: err.Error(), Err: err}
}

// IsFatal reports whether err carries a fatal code.
func IsFatal(err error) bool {
	return CodeOf(err).Fatal()
}
