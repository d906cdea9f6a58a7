package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	e := NewError(CodeContextOverflow, "prompt too long")
	assert.Equal(t, "[context_overflow] prompt too long", e.Error())

	e.Detail = "n_ctx=4096"
	assert.Equal(t, "[context_overflow] prompt too long: n_ctx=4096", e.Error())
}

func TestError_Is(t *testing.T) {
	wrapped := fmt.Errorf("stream: %w", NewError(CodeDecodeFailed, "boom"))

	assert.True(t, errors.Is(wrapped, &Error{Code: CodeDecodeFailed}))
	assert.False(t, errors.Is(wrapped, &Error{Code: CodeNotReady}))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeNotReady, CodeOf(fmt.Errorf("x: %w", NewError(CodeNotReady, "warming up"))))
	assert.Equal(t, CodeUnknown, CodeOf(errors.New("plain")))
	assert.Equal(t, CodeUnknown, CodeOf(nil))
}

func TestChunk_IsTerminal(t *testing.T) {
	assert.False(t, Delta("a").IsTerminal())
	assert.True(t, Chunk{Type: ChunkDone}.IsTerminal())
	assert.True(t, Failure(CodeUnknown, "x", "").IsTerminal())
}
