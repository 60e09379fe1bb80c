// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-mem.
// Every failure surfaced by the buffer core is a *Error carrying one of the
// codes below; use errors.Is against the sentinels to classify it.

package api

import (
	"errors"
	"fmt"
	"maps"
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeIndexOutOfRange
	ErrCodeIllegalArgument
	ErrCodeResourceExhausted
	ErrCodeUseAfterRelease
	ErrCodeDoubleRelease
	ErrCodeClosed
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeIndexOutOfRange:
		return "index out of range"
	case ErrCodeIllegalArgument:
		return "illegal argument"
	case ErrCodeResourceExhausted:
		return "resource exhausted"
	case ErrCodeUseAfterRelease:
		return "use after release"
	case ErrCodeDoubleRelease:
		return "double release"
	case ErrCodeClosed:
		return "closed"
	default:
		return fmt.Sprintf("error code %d", int(c))
	}
}

// Sentinels, compared with errors.Is. Detailed failures are *Error values
// carrying the same code and extra context.
var (
	ErrIndexOutOfRange   = &Error{Code: ErrCodeIndexOutOfRange, Message: "index out of range"}
	ErrIllegalArgument   = &Error{Code: ErrCodeIllegalArgument, Message: "illegal argument"}
	ErrResourceExhausted = &Error{Code: ErrCodeResourceExhausted, Message: "resource exhausted"}
	ErrUseAfterRelease   = &Error{Code: ErrCodeUseAfterRelease, Message: "buffer used after release"}
	ErrDoubleRelease     = &Error{Code: ErrCodeDoubleRelease, Message: "buffer released more times than retained"}
	ErrAllocatorClosed   = &Error{Code: ErrCodeClosed, Message: "allocator is closed"}
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (context: %+v)", e.Message, e.Context)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Errorf creates a structured error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithContext returns a copy of e with key set in its context. The receiver
// is left as is, so sentinels can be decorated safely.
func (e *Error) WithContext(key string, value any) *Error {
	ctx := make(map[string]any, len(e.Context)+1)
	maps.Copy(ctx, e.Context)
	ctx[key] = value
	return &Error{Code: e.Code, Message: e.Message, Context: ctx}
}

// CodeOf extracts the ErrorCode of err, or ErrCodeOK when err is nil or foreign.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeOK
}
