// Package binding maps conversations to engine session handles.
package binding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cadence/pkg/engine"
)

var (
	// ErrHandleReused is returned when the engine answers a reset with the
	// handle it was asked to discard.
	ErrHandleReused = errors.New("engine returned the discarded session handle")

	// ErrNoHandle is returned when the engine yields an empty handle.
	ErrNoHandle = errors.New("engine returned an empty session handle")
)

type binding struct {
	handle   engine.Handle
	lastUsed time.Time
}

// Binder owns at most one valid handle per conversation.
type Binder struct {
	engine engine.Engine
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	bindings map[string]*binding
}

// New creates a binder for the given engine.
func New(eng engine.Engine, logger zerolog.Logger) *Binder {
	return &Binder{
		engine:   eng,
		logger:   logger,
		now:      time.Now,
		bindings: make(map[string]*binding),
	}
}

// Resolve returns the conversation's handle, creating a session primed with
// the system prompt and recent turns when none exists. An existing handle
// is returned as is; history is not replayed.
func (b *Binder) Resolve(ctx context.Context, conv, systemPrompt string, recent []engine.Turn) (engine.Handle, error) {
	if h, ok := b.Handle(conv); ok {
		b.touch(conv)
		return h, nil
	}

	h, err := b.engine.CreateSession(ctx, systemPrompt, recent)
	if err != nil {
		return "", fmt.Errorf("create session for %s: %w", conv, err)
	}
	if h == "" {
		return "", ErrNoHandle
	}

	b.store(conv, h)
	b.logger.Debug().Str("conversation", conv).Str("handle", string(h)).Msg("session created")
	return h, nil
}

// Invalidate forgets the conversation's handle. The next Resolve creates a
// new session.
func (b *Binder) Invalidate(conv string) {
	b.Detach(conv)
}

// Detach forgets the conversation's handle and returns it so the caller can
// Release it.
func (b *Binder) Detach(conv string) (engine.Handle, bool) {
	b.mu.Lock()
	bd, ok := b.bindings[conv]
	delete(b.bindings, conv)
	b.mu.Unlock()

	if !ok {
		return "", false
	}
	b.logger.Debug().Str("conversation", conv).Msg("session handle invalidated")
	return bd.handle, true
}

// Release asks the engine to free the session behind a detached handle.
// Engines that do not implement engine.Releaser keep it until their own
// timeout; Release is then a no-op.
func (b *Binder) Release(ctx context.Context, h engine.Handle) error {
	r, ok := b.engine.(engine.Releaser)
	if !ok || h == "" {
		return nil
	}
	if err := r.ReleaseSession(ctx, h); err != nil {
		return fmt.Errorf("release session %s: %w", h, err)
	}
	b.logger.Debug().Str("handle", string(h)).Msg("session released")
	return nil
}

// Reset discards the conversation's session and replays the given history
// into a fresh one. Without a current handle it creates a session instead.
// On any failure the conversation is left unbound.
func (b *Binder) Reset(ctx context.Context, conv, systemPrompt string, recent []engine.Turn, documentContext string) (engine.Handle, error) {
	old, ok := b.Handle(conv)
	b.Invalidate(conv)

	if !ok {
		h, err := b.Resolve(ctx, conv, systemPrompt, recent)
		if err != nil {
			return "", err
		}
		if documentContext != "" {
			b.logger.Debug().Str("conversation", conv).Msg("document context dropped on fresh session")
		}
		return h, nil
	}

	h, err := b.engine.ResetAndReplay(ctx, old, engine.ReplayRequest{
		SystemPrompt:    systemPrompt,
		RecentTurns:     recent,
		DocumentContext: documentContext,
	})
	if err != nil {
		return "", fmt.Errorf("reset session for %s: %w", conv, err)
	}
	switch h {
	case "":
		return "", ErrNoHandle
	case old:
		return "", ErrHandleReused
	}

	b.store(conv, h)
	b.logger.Info().
		Str("conversation", conv).
		Str("old_handle", string(old)).
		Str("handle", string(h)).
		Int("replayed_turns", len(recent)).
		Msg("session reset")
	return h, nil
}

// Replace adopts a handle the engine issued during a streaming call.
func (b *Binder) Replace(conv string, h engine.Handle) {
	if h == "" {
		return
	}
	b.store(conv, h)
}

// Handle returns the current handle, if any.
func (b *Binder) Handle(conv string) (engine.Handle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bd, ok := b.bindings[conv]
	if !ok {
		return "", false
	}
	return bd.handle, true
}

// Len returns the number of bound conversations.
func (b *Binder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bindings)
}

// Sweep invalidates handles unused for longer than idle, except for
// conversations for which keep returns true. It returns the swept
// conversation IDs.
func (b *Binder) Sweep(idle time.Duration, keep func(conv string) bool) []string {
	cutoff := b.now().Add(-idle)

	b.mu.Lock()
	var swept []string
	for conv, bd := range b.bindings {
		if bd.lastUsed.After(cutoff) {
			continue
		}
		if keep != nil && keep(conv) {
			continue
		}
		delete(b.bindings, conv)
		swept = append(swept, conv)
	}
	b.mu.Unlock()

	if len(swept) > 0 {
		b.logger.Info().Int("count", len(swept)).Dur("idle", idle).Msg("swept idle session handles")
	}
	return swept
}

func (b *Binder) store(conv string, h engine.Handle) {
	b.mu.Lock()
	b.bindings[conv] = &binding{handle: h, lastUsed: b.now()}
	b.mu.Unlock()
}

func (b *Binder) touch(conv string) {
	b.mu.Lock()
	if bd, ok := b.bindings[conv]; ok {
		bd.lastUsed = b.now()
	}
	b.mu.Unlock()
}
