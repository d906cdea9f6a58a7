// Package enginetest provides a scripted in-memory engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"cadence/pkg/engine"
)

// Method names recorded in Call.Method.
const (
	MethodCreateSession     = "CreateSession"
	MethodCompleteStream    = "CompleteStream"
	MethodFinalizeCompleted = "FinalizeCompleted"
	MethodFinalizeCancelled = "FinalizeCancelled"
	MethodFinalizeFailed    = "FinalizeFailed"
	MethodResetAndReplay    = "ResetAndReplay"
	MethodReleaseSession    = "ReleaseSession"
)

// Call is one recorded engine call.
type Call struct {
	Method     string
	Handle     engine.Handle
	System     string
	Recent     []engine.Turn
	Request    engine.StreamRequest
	Replay     engine.ReplayRequest
	Completion engine.Completion
	Reason     string
}

// Script is a queued response to one CompleteStream call.
type Script struct {
	Chunks []engine.Chunk
	// Hold keeps the stream open after Chunks until the call's context ends.
	Hold bool
	// NewHandle is reported as the session handle for this call.
	NewHandle engine.Handle
	// Err fails the CompleteStream call itself.
	Err error
}

// Engine is a scripted engine.Engine. Unscripted CompleteStream calls
// repeat the last script, or answer "ok" when nothing was queued.
type Engine struct {
	// CreateErr and ResetErr fail the corresponding calls.
	CreateErr error
	ResetErr  error
	// ResetReturnsSameHandle makes ResetAndReplay echo its input handle.
	ResetReturnsSameHandle bool
	// FinalizeErr fails every finalize call.
	FinalizeErr error
	// ReleaseErr fails ReleaseSession.
	ReleaseErr error

	mu      sync.Mutex
	seq     int
	scripts []Script
	last    *Script
	calls   []Call
}

// New creates an empty scripted engine.
func New() *Engine {
	return &Engine{}
}

// Enqueue queues the response for the next CompleteStream call.
func (e *Engine) Enqueue(s Script) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts = append(e.scripts, s)
	return e
}

// EnqueueAnswer queues a stream of one delta per word-chunk followed by a
// done chunk with the given full text.
func (e *Engine) EnqueueAnswer(deltas []string, done engine.Chunk) *Engine {
	chunks := make([]engine.Chunk, 0, len(deltas)+1)
	for _, d := range deltas {
		chunks = append(chunks, engine.Delta(d))
	}
	done.Type = engine.ChunkDone
	chunks = append(chunks, done)
	return e.Enqueue(Script{Chunks: chunks})
}

// EnqueueError queues a stream that fails with the given engine error.
func (e *Engine) EnqueueError(code engine.ErrorCode, message string) *Engine {
	return e.Enqueue(Script{Chunks: []engine.Chunk{engine.Failure(code, message, "")}})
}

// Calls returns the recorded calls, optionally filtered by method.
func (e *Engine) Calls(method string) []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Call
	for _, c := range e.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many times method was called.
func (e *Engine) Count(method string) int {
	return len(e.Calls(method))
}

func (e *Engine) record(c Call) {
	e.mu.Lock()
	e.calls = append(e.calls, c)
	e.mu.Unlock()
}

func (e *Engine) nextHandle() engine.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return engine.Handle(fmt.Sprintf("h%d", e.seq))
}

func (e *Engine) CreateSession(ctx context.Context, systemPrompt string, recent []engine.Turn) (engine.Handle, error) {
	e.record(Call{Method: MethodCreateSession, System: systemPrompt, Recent: recent})
	if e.CreateErr != nil {
		return "", e.CreateErr
	}
	return e.nextHandle(), nil
}

func (e *Engine) CompleteStream(ctx context.Context, req engine.StreamRequest) (<-chan engine.Chunk, engine.Handle, error) {
	e.record(Call{Method: MethodCompleteStream, Handle: req.Handle, Request: req})

	e.mu.Lock()
	var s Script
	switch {
	case len(e.scripts) > 0:
		s = e.scripts[0]
		e.scripts = e.scripts[1:]
		e.last = &s
	case e.last != nil:
		s = *e.last
	default:
		s = Script{Chunks: []engine.Chunk{
			engine.Delta("ok"),
			{Type: engine.ChunkDone, FullText: "ok", FinishReason: "stop", CompletionTokens: 1},
		}}
	}
	e.mu.Unlock()

	if s.Err != nil {
		return nil, "", s.Err
	}

	h := req.Handle
	if s.NewHandle != "" {
		h = s.NewHandle
	}

	ch := make(chan engine.Chunk)
	go func() {
		defer close(ch)
		for _, c := range s.Chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if s.Hold {
			<-ctx.Done()
		}
	}()
	return ch, h, nil
}

func (e *Engine) FinalizeCompleted(ctx context.Context, h engine.Handle, c engine.Completion) error {
	e.record(Call{Method: MethodFinalizeCompleted, Handle: h, Completion: c})
	return e.FinalizeErr
}

func (e *Engine) FinalizeCancelled(ctx context.Context, h engine.Handle) error {
	e.record(Call{Method: MethodFinalizeCancelled, Handle: h})
	return e.FinalizeErr
}

func (e *Engine) FinalizeFailed(ctx context.Context, h engine.Handle, reason string) error {
	e.record(Call{Method: MethodFinalizeFailed, Handle: h, Reason: reason})
	return e.FinalizeErr
}

func (e *Engine) ResetAndReplay(ctx context.Context, h engine.Handle, replay engine.ReplayRequest) (engine.Handle, error) {
	e.record(Call{Method: MethodResetAndReplay, Handle: h, Replay: replay})
	if e.ResetErr != nil {
		return "", e.ResetErr
	}
	if e.ResetReturnsSameHandle {
		return h, nil
	}
	return e.nextHandle(), nil
}

func (e *Engine) ReleaseSession(ctx context.Context, h engine.Handle) error {
	e.record(Call{Method: MethodReleaseSession, Handle: h})
	return e.ReleaseErr
}

var (
	_ engine.Engine   = (*Engine)(nil)
	_ engine.Releaser = (*Engine)(nil)
)
