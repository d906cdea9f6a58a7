package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is matched by every *CancelledError.
	ErrCancelled = errors.New("turn cancelled")

	// ErrStreamTruncated means the chunk channel closed without a done or
	// error chunk.
	ErrStreamTruncated = errors.New("stream ended without terminal chunk")
)

// CancelledError is returned when the consumer stopped on a cancel request.
// Partial holds whatever had been assembled up to that point.
type CancelledError struct {
	Partial Segments
	Cause   error
}

func (e *CancelledError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("turn cancelled: %v", e.Cause)
	}
	return "turn cancelled"
}

func (e *CancelledError) Is(target error) bool {
	return target == ErrCancelled
}

func (e *CancelledError) Unwrap() error {
	return e.Cause
}

// AsCancelled extracts a *CancelledError from err.
func AsCancelled(err error) (*CancelledError, bool) {
	var ce *CancelledError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
