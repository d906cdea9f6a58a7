// Package cancel provides the per-turn cancellation token.
package cancel

import (
	"context"
	"sync"
)

// Token carries a single user-initiated cancel request for one turn. It is
// shared by the stream consumer, the sandbox call and the agent loop.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc

	once      sync.Once
	requested chan struct{}
}

// New creates a token derived from parent. Cancelling parent does not mark
// the token as requested; only RequestCancel does.
func New(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{
		ctx:       ctx,
		cancel:    cancel,
		requested: make(chan struct{}),
	}
}

// RequestCancel marks the turn as cancelled. Safe to call repeatedly and
// from any goroutine.
func (t *Token) RequestCancel() {
	t.once.Do(func() {
		close(t.requested)
		t.cancel()
	})
}

// Requested reports whether RequestCancel was called.
func (t *Token) Requested() bool {
	select {
	case <-t.requested:
		return true
	default:
		return false
	}
}

// Done is closed once cancellation is requested.
func (t *Token) Done() <-chan struct{} {
	return t.requested
}

// Context returns a context that is cancelled when cancellation is requested
// or the parent context ends.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Bind returns a context that ends when ctx ends or cancellation is
// requested. A nil token binds nothing. The returned CancelFunc must be
// called.
func (t *Token) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	bound, cancel := context.WithCancel(ctx)
	if t == nil {
		return bound, cancel
	}
	stop := context.AfterFunc(t.ctx, cancel)
	return bound, func() {
		stop()
		cancel()
	}
}

// Release frees the context resources. The token must not be used to cancel
// afterwards.
func (t *Token) Release() {
	t.cancel()
}
