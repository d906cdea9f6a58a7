package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"cadence/internal/stream"
	"cadence/pkg/engine"
)

// Binder is the part of binding.Binder the policy needs.
type Binder interface {
	Reset(ctx context.Context, conv, systemPrompt string, recent []engine.Turn, documentContext string) (engine.Handle, error)
	Invalidate(conv string)
}

// Scope is the conversation state replayed on reset.
type Scope struct {
	ConversationID string
	SystemPrompt   string
	RecentTurns    []engine.Turn
}

// FatalError is a failure that reached the caller. Retried reports whether
// it came from the one retry after a reset.
type FatalError struct {
	Err     error
	Class   FailureClass
	Retried bool
}

func (e *FatalError) Error() string {
	if e.Retried {
		return fmt.Sprintf("turn failed after session reset: %v", e.Err)
	}
	return fmt.Sprintf("turn failed: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Observer is notified of each recovery attempt outcome.
type Observer func(result string)

// Recovery attempt outcomes passed to Observer.
const (
	OutcomeSkipped   = "skipped"
	OutcomeRecovered = "recovered"
	OutcomeFailed    = "failed"
)

// Policy performs at most one reset-and-retry per turn.
type Policy struct {
	binder  Binder
	logger  zerolog.Logger
	observe Observer
}

// NewPolicy creates a policy. observe may be nil.
func NewPolicy(binder Binder, logger zerolog.Logger, observe Observer) *Policy {
	if observe == nil {
		observe = func(string) {}
	}
	return &Policy{binder: binder, logger: logger, observe: observe}
}

// Recover handles the failure cause of a turn in scope. Fatal failures
// invalidate the session and come back as *FatalError. Recoverable ones
// reset the session, replaying the same recent turns without document
// context, and call retry exactly once. A failed retry is fatal whatever
// its class; a cancelled retry is returned unchanged.
func (p *Policy) Recover(ctx context.Context, scope Scope, cause error, retry func(ctx context.Context) error) error {
	class := Classify(cause)
	log := p.logger.With().Str("conversation", scope.ConversationID).Str("reason", class.Reason).Logger()

	if class.Kind == Fatal {
		p.binder.Invalidate(scope.ConversationID)
		p.observe(OutcomeSkipped)
		log.Warn().Err(cause).Msg("fatal turn failure, session invalidated")
		return &FatalError{Err: cause, Class: class}
	}

	log.Info().Err(cause).Int("replay_turns", len(scope.RecentTurns)).Msg("recoverable turn failure, resetting session")

	if _, err := p.binder.Reset(ctx, scope.ConversationID, scope.SystemPrompt, scope.RecentTurns, ""); err != nil {
		p.binder.Invalidate(scope.ConversationID)
		p.observe(OutcomeFailed)
		log.Error().Err(err).Msg("session reset failed")
		return &FatalError{Err: fmt.Errorf("reset session: %w", err), Class: Classify(err), Retried: false}
	}

	err := retry(ctx)
	switch {
	case err == nil:
		p.observe(OutcomeRecovered)
		log.Info().Msg("turn recovered after session reset")
		return nil
	case errors.Is(err, stream.ErrCancelled):
		return err
	default:
		p.binder.Invalidate(scope.ConversationID)
		p.observe(OutcomeFailed)
		log.Error().Err(err).Msg("retry after session reset failed")
		return &FatalError{Err: err, Class: FailureClass{Kind: Fatal, Reason: "retry failed"}, Retried: true}
	}
}
