package coordinator

import "errors"

var (
	// ErrTurnInProgress is returned when a conversation already has an active turn.
	ErrTurnInProgress = errors.New("a turn is already in progress for this conversation")

	// ErrEmptyPrompt is returned for a blank prompt.
	ErrEmptyPrompt = errors.New("prompt is empty")

	// ErrNoActiveTurn is returned by CancelActiveTurn when nothing is running.
	ErrNoActiveTurn = errors.New("no active turn")

	// ErrShutdown is returned once Shutdown has been called.
	ErrShutdown = errors.New("coordinator is shut down")
)
