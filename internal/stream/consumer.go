// Package stream consumes one streaming attempt from the engine, publishing
// throttled previews and producing the authoritative turn result.
package stream

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cadence/internal/cancel"
	"cadence/pkg/engine"
)

// DefaultMinInterval is the minimum gap between two throttled previews.
const DefaultMinInterval = 50 * time.Millisecond

// State is the consumer lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Preview is a coalesced snapshot of the text generated so far.
type Preview struct {
	Segments
	Final bool `json:"final"`
}

// Result is the outcome of a completed stream.
type Result struct {
	Segments
	// Text is the unsplit authoritative text.
	Text             string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
	PrefillMs        int64
	DecodeMs         int64
}

// Options configures a Consumer.
type Options struct {
	MinInterval time.Duration
	OnPreview   func(Preview)
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Consumer reads a single stream. It is not reusable across attempts.
type Consumer struct {
	minInterval time.Duration
	onPreview   func(Preview)
	logger      zerolog.Logger
	now         func() time.Time

	state       State
	buf         strings.Builder
	lastPublish time.Time
	previews    int
}

// NewConsumer creates a consumer.
func NewConsumer(opts Options) *Consumer {
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Consumer{
		minInterval: opts.MinInterval,
		onPreview:   opts.OnPreview,
		logger:      opts.Logger,
		now:         opts.Now,
	}
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	return c.state
}

// Previews returns how many previews were published.
func (c *Consumer) Previews() int {
	return c.previews
}

// Consume pulls chunks until a terminal chunk, a cancel request, or the end
// of ctx. Cancellation is checked before every chunk.
func (c *Consumer) Consume(ctx context.Context, chunks <-chan engine.Chunk, tok *cancel.Token) (*Result, error) {
	c.state = StateStreaming
	c.lastPublish = c.now()

	var done <-chan struct{}
	if tok != nil {
		done = tok.Done()
	}

	for {
		if tok != nil && tok.Requested() {
			return nil, c.cancelled(nil)
		}

		select {
		case <-done:
			return nil, c.cancelled(nil)
		case <-ctx.Done():
			return nil, c.cancelled(ctx.Err())
		case chunk, ok := <-chunks:
			if !ok {
				c.state = StateFailed
				return nil, ErrStreamTruncated
			}
			switch chunk.Type {
			case engine.ChunkDelta:
				c.onDelta(chunk.Text)
			case engine.ChunkDone:
				return c.complete(chunk), nil
			case engine.ChunkError:
				c.state = StateFailed
				if chunk.Err == nil {
					return nil, engine.NewError(engine.CodeUnknown, "engine reported an error without detail")
				}
				return nil, chunk.Err
			default:
				c.logger.Warn().Str("type", string(chunk.Type)).Msg("ignoring unknown chunk type")
			}
		}
	}
}

func (c *Consumer) onDelta(text string) {
	if text == "" {
		return
	}
	c.buf.WriteString(text)

	now := c.now()
	if now.Sub(c.lastPublish) >= c.minInterval || hasBoundary(text) {
		c.publish(Split(c.buf.String(), ""), false)
		c.lastPublish = now
	}
}

func (c *Consumer) complete(chunk engine.Chunk) *Result {
	full := chunk.FullText
	if full == "" {
		full = c.buf.String()
	}
	seg := Split(full, chunk.ReasoningText)
	c.state = StateCompleted
	c.publish(seg, true)

	return &Result{
		Segments:         seg,
		Text:             full,
		FinishReason:     chunk.FinishReason,
		PromptTokens:     chunk.PromptTokens,
		CompletionTokens: chunk.CompletionTokens,
		PrefillMs:        chunk.PrefillMs,
		DecodeMs:         chunk.DecodeMs,
	}
}

func (c *Consumer) cancelled(cause error) error {
	c.state = StateCancelled
	return &CancelledError{Partial: Split(c.buf.String(), ""), Cause: cause}
}

func (c *Consumer) publish(seg Segments, final bool) {
	if c.onPreview == nil {
		return
	}
	c.previews++
	c.onPreview(Preview{Segments: seg, Final: final})
}

func hasBoundary(text string) bool {
	return strings.ContainsAny(text, ".?!\n。？！")
}
