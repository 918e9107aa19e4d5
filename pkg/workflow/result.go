package workflow

import "fmt"

// Result is the uniform return shape of providers and handlers.
// A result with Success=false always carries a non-nil Error once normalized.
type Result struct {
	Success bool
	Payload any
	Error   *Error
}

// Ok builds a successful result.
func Ok(payload any) Result {
	return Result{Success: true, Payload: payload}
}

// Fail builds a failed result.
func Fail(err *Error) Result {
	return Result{Error: err}.Normalize()
}

// Failf builds a failed result with a new error.
func Failf(code Code, format string, args ...any) Result {
	return Result{Error: NewError(code, format, args...)}
}

// FromError builds a failed result from any error.
func FromError(err error, fallback Code) Result {
	return Result{Error: AsError(err, fallback)}.Normalize()
}

// Normalize enforces that failed results carry an error.
func (r Result) Normalize() Result {
	if !r.Success && r.Error == nil {
		r.Error = NewError(CodeProviderFailure, "operation reported failure without an error")
	}
	return r
}

// Err returns the result's error as a plain error value, nil on success.
func (r Result) Err() error {
	if r.Success || r.Error == nil {
		return nil
	}
	return r.Error
}

// PayloadAs reads the payload of a result as T.
func PayloadAs[T any](r Result) (T, error) {
	var zero T
	if r.Payload == nil {
		return zero, NewError(CodeProviderFailure, "result has no payload, want %T", zero)
	}
	switch v := r.Payload.(type) {
	case T:
		return v, nil
	case *T:
		if v == nil {
			return zero, NewError(CodeProviderFailure, "nil payload, want %T", zero)
		}
		return *v, nil
	default:
		return zero, NewError(CodeProviderFailure, "%s", fmt.Sprintf("payload is %T, want %T", r.Payload, zero))
	}
}
