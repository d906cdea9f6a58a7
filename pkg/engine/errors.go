package engine

import (
	"errors"
	"fmt"
)

// ErrorCode classifies engine failures.
type ErrorCode string

const (
	CodeContextOverflow    ErrorCode = "context_overflow"
	CodeDecodeFailed       ErrorCode = "decode_failed"
	CodePrefillFailed      ErrorCode = "prefill_failed"
	CodeSessionUnavailable ErrorCode = "session_unavailable"
	CodeNotReady           ErrorCode = "not_ready"
	CodeUnknown            ErrorCode = "unknown"
)

// Error is a typed engine failure.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
}

// NewError creates an engine error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is matches another *Error by code, so errors.Is(err, &Error{Code: ...})
// works as a code check.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the engine error code from err, or CodeUnknown.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
