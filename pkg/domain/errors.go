package domain

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable failure category.
type Code string

// Failure codes surfaced by the engine.
const (
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeDuplicateBatch    Code = "DUPLICATE_BATCH"
	CodeNotFound          Code = "NOT_FOUND"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeIllegalTransition Code = "ILLEGAL_TRANSITION"
	CodeRejected          Code = "REJECTED"
	CodeTransportError    Code = "TRANSPORT_ERROR"
	CodeDivergence        Code = "DIVERGENCE"
	CodeInternal          Code = "INTERNAL"
)

// Error is the error type returned across the engine boundary.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidInput      = &Error{Code: CodeInvalidInput}
	ErrDuplicateBatch    = &Error{Code: CodeDuplicateBatch}
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrUnauthorized      = &Error{Code: CodeUnauthorized}
	ErrIllegalTransition = &Error{Code: CodeIllegalTransition}
	ErrRejected          = &Error{Code: CodeRejected}
	ErrTransport         = &Error{Code: CodeTransportError}
	ErrDivergence        = &Error{Code: CodeDivergence}
	ErrInternal          = &Error{Code: CodeInternal}
)

// Errorf builds an *Error. A %w verb in format is kept as the wrapped cause.
func Errorf(code Code, format string, args ...any) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{Code: code, Message: wrapped.Error(), Err: errors.Unwrap(wrapped)}
}

// CodeOf extracts the failure code from err. Unclassified errors are CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// Rejected reports a ledger-side refusal; the call did not take effect.
func Rejected(operation, reason string) *Error {
	return &Error{Code: CodeRejected, Message: fmt.Sprintf("ledger rejected %s: %s", operation, reason)}
}

// Transport reports an ambiguous ledger failure; the call may or may not have taken effect.
func Transport(operation string, cause error) *Error {
	return &Error{Code: CodeTransportError, Message: fmt.Sprintf("ledger %s: %v", operation, cause), Err: cause}
}
