package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/cancel"
	"cadence/pkg/engine"
)

// sequenceClock returns the given offsets in order, one per call.
type sequenceClock struct {
	offsets []time.Duration
	i       int
}

func (c *sequenceClock) Now() time.Time {
	d := c.offsets[len(c.offsets)-1]
	if c.i < len(c.offsets) {
		d = c.offsets[c.i]
	}
	c.i++
	return time.Unix(0, 0).Add(d)
}

func feed(chunks ...engine.Chunk) <-chan engine.Chunk {
	ch := make(chan engine.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func TestConsume_TwoPlusTwo(t *testing.T) {
	var previews []Preview
	c := NewConsumer(Options{OnPreview: func(p Preview) { previews = append(previews, p) }})

	res, err := c.Consume(context.Background(), feed(
		engine.Delta("4"),
		engine.Chunk{Type: engine.ChunkDone, FullText: "4", CompletionTokens: 1, FinishReason: "stop"},
	), nil)

	require.NoError(t, err)
	assert.Equal(t, "4", res.Answer)
	assert.Empty(t, res.Reasoning)
	assert.Equal(t, 1, res.CompletionTokens)
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, StateCompleted, c.State())

	require.NotEmpty(t, previews)
	last := previews[len(previews)-1]
	assert.True(t, last.Final)
	assert.Equal(t, "4", last.Answer)
}

func TestConsume_FullTextIsAuthoritative(t *testing.T) {
	c := NewConsumer(Options{})

	res, err := c.Consume(context.Background(), feed(
		engine.Delta("<think>hmm"),
		engine.Delta("</think>fiv"),
		engine.Chunk{Type: engine.ChunkDone, FullText: "<think>sum</think>four", FinishReason: "stop"},
	), nil)

	require.NoError(t, err)
	assert.Equal(t, "four", res.Answer)
	assert.Equal(t, "sum", res.Reasoning)
}

func TestConsume_EmptyFullTextFallsBackToDeltas(t *testing.T) {
	c := NewConsumer(Options{})

	res, err := c.Consume(context.Background(), feed(
		engine.Delta("hel"),
		engine.Delta("lo"),
		engine.Chunk{Type: engine.ChunkDone, FinishReason: "length"},
	), nil)

	require.NoError(t, err)
	assert.Equal(t, "hello", res.Answer)
}

func TestConsume_ThrottlesPreviews(t *testing.T) {
	ms := time.Millisecond
	// start, a, b, c, d, e
	clock := &sequenceClock{offsets: []time.Duration{0, 0, 10 * ms, 20 * ms, 80 * ms, 90 * ms}}
	var previews []Preview
	c := NewConsumer(Options{
		MinInterval: 50 * ms,
		Now:         clock.Now,
		OnPreview:   func(p Preview) { previews = append(previews, p) },
	})

	_, err := c.Consume(context.Background(), feed(
		engine.Delta("a"),
		engine.Delta("b"),
		engine.Delta("c"),
		engine.Delta("d"),
		engine.Delta("e"),
		engine.Chunk{Type: engine.ChunkDone, FullText: "abcde"},
	), nil)
	require.NoError(t, err)

	require.Len(t, previews, 2)
	assert.Equal(t, "abcd", previews[0].Answer)
	assert.False(t, previews[0].Final)
	assert.Equal(t, "abcde", previews[1].Answer)
	assert.True(t, previews[1].Final)
	assert.Equal(t, 2, c.Previews())
}

func TestConsume_BoundaryPublishesImmediately(t *testing.T) {
	clock := &sequenceClock{offsets: []time.Duration{0}}
	var previews []Preview
	c := NewConsumer(Options{
		MinInterval: time.Hour,
		Now:         clock.Now,
		OnPreview:   func(p Preview) { previews = append(previews, p) },
	})

	_, err := c.Consume(context.Background(), feed(
		engine.Delta("Hi"),
		engine.Delta(" there."),
		engine.Delta(" How"),
		engine.Delta(" are you?"),
		engine.Chunk{Type: engine.ChunkDone, FullText: "Hi there. How are you?"},
	), nil)
	require.NoError(t, err)

	require.Len(t, previews, 3)
	assert.Equal(t, "Hi there.", previews[0].Answer)
	assert.Equal(t, "Hi there. How are you?", previews[1].Answer)
	assert.True(t, previews[2].Final)
}

func TestConsume_ErrorChunk(t *testing.T) {
	c := NewConsumer(Options{})

	_, err := c.Consume(context.Background(), feed(
		engine.Delta("par"),
		engine.Failure(engine.CodeDecodeFailed, "decode failed", "kv slot 3"),
	), nil)

	var ee *engine.Error
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, engine.CodeDecodeFailed, ee.Code)
	assert.Equal(t, "kv slot 3", ee.Detail)
	assert.Equal(t, StateFailed, c.State())
}

func TestConsume_Truncated(t *testing.T) {
	c := NewConsumer(Options{})

	_, err := c.Consume(context.Background(), feed(engine.Delta("x")), nil)

	assert.ErrorIs(t, err, ErrStreamTruncated)
}

func TestConsume_CancelBeforeAnyDelta(t *testing.T) {
	tok := cancel.New(context.Background())
	tok.RequestCancel()
	c := NewConsumer(Options{})

	_, err := c.Consume(context.Background(), feed(
		engine.Delta("never"),
		engine.Chunk{Type: engine.ChunkDone, FullText: "never"},
	), tok)

	require.ErrorIs(t, err, ErrCancelled)
	ce, ok := AsCancelled(err)
	require.True(t, ok)
	assert.True(t, ce.Partial.Empty())
	assert.Equal(t, StateCancelled, c.State())
}

func TestConsume_CancelMidStreamKeepsPartial(t *testing.T) {
	tok := cancel.New(context.Background())
	ch := make(chan engine.Chunk)
	var previews int
	c := NewConsumer(Options{OnPreview: func(Preview) { previews++ }})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Consume(context.Background(), ch, tok)
		errc <- err
	}()

	ch <- engine.Delta("<think>plan</think>The answer")
	ch <- engine.Delta(" is")
	tok.RequestCancel()

	var err error
	select {
	case err = <-errc:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop on cancel")
	}

	ce, ok := AsCancelled(err)
	require.True(t, ok)
	assert.Equal(t, "The answer is", ce.Partial.Answer)
	assert.Equal(t, "plan", ce.Partial.Reasoning)
}

func TestConsume_ContextDone(t *testing.T) {
	ctx, cancelFn := context.WithCancel(context.Background())
	cancelFn()
	c := NewConsumer(Options{})

	_, err := c.Consume(ctx, make(chan engine.Chunk), nil)

	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "unknown", State(42).String())
}
