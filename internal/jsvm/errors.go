// Package jsvm provides a JavaScript sandbox based on goja.
package jsvm

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout indicates script execution exceeded the timeout limit.
	ErrTimeout = errors.New("jsvm: execution timeout")

	// ErrVMPoolExhausted indicates no VM instance became available in time.
	ErrVMPoolExhausted = errors.New("jsvm: vm pool exhausted")

	// ErrClosed is returned by a closed executor.
	ErrClosed = errors.New("jsvm: executor is closed")

	// ErrOutputLimit is raised inside the VM when captured output exceeds
	// the configured limit.
	ErrOutputLimit = errors.New("jsvm: output limit exceeded")
)

// ScriptSyntaxError indicates a JavaScript syntax error.
type ScriptSyntaxError struct {
	Message string
}

func (e *ScriptSyntaxError) Error() string {
	return fmt.Sprintf("SyntaxError: %s", e.Message)
}

// Is implements errors.Is for ScriptSyntaxError.
func (e *ScriptSyntaxError) Is(target error) bool {
	_, ok := target.(*ScriptSyntaxError)
	return ok
}

// ErrScriptSyntax is a sentinel for errors.Is matching.
var ErrScriptSyntax = &ScriptSyntaxError{}

// ExecutionError wraps a runtime failure of a script.
type ExecutionError struct {
	ExecutionID string
	Cause       error
}

func (e *ExecutionError) Error() string {
	return e.Cause.Error()
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for ExecutionError.
func (e *ExecutionError) Is(target error) bool {
	_, ok := target.(*ExecutionError)
	return ok
}

// ErrExecution is a sentinel for errors.Is matching.
var ErrExecution = &ExecutionError{}
