// Package turn runs one user turn against the engine: session resolution,
// streaming, finalization and, when allowed, one recovery attempt.
package turn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cadence/internal/binding"
	"cadence/internal/cancel"
	"cadence/internal/metrics"
	"cadence/internal/recovery"
	"cadence/internal/stream"
	"cadence/pkg/engine"
)

// Outcome labels.
const (
	OutcomeCompleted = "completed"
	OutcomeRecovered = "recovered"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Request is one turn.
type Request struct {
	ConversationID  string
	Prompt          string
	Params          engine.SamplingParams
	SystemPrompt    string
	RecentTurns     []engine.Turn
	DocumentContext string
	AllowRecovery   bool

	// Token, when set, cancels the stream on request.
	Token     *cancel.Token
	OnPreview func(stream.Preview)
}

// Result is a completed turn.
type Result struct {
	stream.Segments
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	DecodeMs         int64  `json:"decode_ms"`
	PrefillMs        int64  `json:"prefill_ms"`
	// Estimated is set when either token count came from EstimateTokens.
	Estimated bool `json:"estimated,omitempty"`
	// Recovered is set when the turn succeeded on the retry after a reset.
	Recovered bool `json:"recovered,omitempty"`
}

// Options configures an Executor.
type Options struct {
	PreviewInterval time.Duration
	// FinalizeTimeout bounds the detached cancel notification.
	FinalizeTimeout time.Duration
	Logger          zerolog.Logger
}

// Executor runs turns.
type Executor struct {
	engine engine.Engine
	binder *binding.Binder
	policy *recovery.Policy
	opts   Options
	logger zerolog.Logger
	tracer trace.Tracer
}

// NewExecutor creates an executor.
func NewExecutor(eng engine.Engine, binder *binding.Binder, policy *recovery.Policy, opts Options) *Executor {
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = 5 * time.Second
	}
	return &Executor{
		engine: eng,
		binder: binder,
		policy: policy,
		opts:   opts,
		logger: opts.Logger,
		tracer: otel.Tracer("cadence/turn"),
	}
}

// Execute runs req. A cancelled turn returns a *stream.CancelledError with
// the partial text. Fatal failures come back as *recovery.FatalError when
// recovery was allowed, otherwise as the raw failure; in both cases the
// session handle has been invalidated.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "turn.execute", trace.WithAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.Bool("turn.allow_recovery", req.AllowRecovery),
		attribute.Int("turn.recent_turns", len(req.RecentTurns)),
	))
	defer span.End()

	start := time.Now()
	metrics.TurnStarted()
	defer metrics.TurnFinished()

	res, err := e.attempt(ctx, req)
	if err != nil && !errors.Is(err, stream.ErrCancelled) {
		if req.AllowRecovery {
			scope := recovery.Scope{
				ConversationID: req.ConversationID,
				SystemPrompt:   req.SystemPrompt,
				RecentTurns:    req.RecentTurns,
			}
			var retried *Result
			err = e.policy.Recover(ctx, scope, err, func(ctx context.Context) error {
				r, err := e.attempt(ctx, req)
				retried = r
				return err
			})
			if err == nil {
				res = retried
				res.Recovered = true
			}
		} else {
			e.binder.Invalidate(req.ConversationID)
		}
	}

	outcome := OutcomeCompleted
	switch {
	case errors.Is(err, stream.ErrCancelled):
		outcome = OutcomeCancelled
	case err != nil:
		outcome = OutcomeFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res.Recovered:
		outcome = OutcomeRecovered
	}
	span.SetAttributes(attribute.String("turn.outcome", outcome))
	metrics.RecordTurn(outcome, time.Since(start))

	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("turn.prompt_tokens", res.PromptTokens),
		attribute.Int("turn.completion_tokens", res.CompletionTokens),
		attribute.String("turn.finish_reason", res.FinishReason),
	)
	metrics.RecordCompletionTokens(res.CompletionTokens, res.Estimated)
	return res, nil
}

// attempt runs a single streaming attempt without recovery.
func (e *Executor) attempt(ctx context.Context, req Request) (*Result, error) {
	log := e.logger.With().Str("conversation", req.ConversationID).Logger()

	h, err := e.binder.Resolve(ctx, req.ConversationID, req.SystemPrompt, req.RecentTurns)
	if err != nil {
		return nil, err
	}

	sreq := engine.StreamRequest{
		Handle:          h,
		Prompt:          req.Prompt,
		Params:          req.Params,
		SystemPrompt:    req.SystemPrompt,
		RecentTurns:     req.RecentTurns,
		DocumentContext: req.DocumentContext,
	}

	streamCtx, stop := req.Token.Bind(ctx)
	defer stop()

	chunks, newHandle, err := e.engine.CompleteStream(streamCtx, sreq)
	if err != nil {
		e.finalizeFailed(ctx, log, h, err)
		return nil, fmt.Errorf("complete stream: %w", err)
	}
	if newHandle != "" && newHandle != h {
		log.Debug().Str("old_handle", string(h)).Str("handle", string(newHandle)).Msg("engine replaced session handle")
		e.binder.Replace(req.ConversationID, newHandle)
		h = newHandle
	}

	consumer := stream.NewConsumer(stream.Options{
		MinInterval: e.opts.PreviewInterval,
		OnPreview:   req.OnPreview,
		Logger:      log,
	})
	sres, err := consumer.Consume(streamCtx, chunks, req.Token)
	metrics.RecordPreviews(consumer.Previews())

	if err != nil {
		if ce, ok := stream.AsCancelled(err); ok {
			e.finalizeCancelled(ctx, log, h)
			return nil, ce
		}
		e.finalizeFailed(ctx, log, h, err)
		return nil, err
	}

	res := &Result{
		Segments:         sres.Segments,
		FinishReason:     sres.FinishReason,
		PromptTokens:     sres.PromptTokens,
		CompletionTokens: sres.CompletionTokens,
		DecodeMs:         sres.DecodeMs,
		PrefillMs:        sres.PrefillMs,
	}
	if res.CompletionTokens <= 0 {
		res.CompletionTokens = EstimateTokens(sres.Text)
		res.Estimated = true
	}
	if res.PromptTokens <= 0 {
		res.PromptTokens = EstimateTokens(promptText(sreq))
		res.Estimated = true
	}

	e.finalizeCompleted(ctx, log, h, res)
	return res, nil
}

// finalizeCompleted reports the completion. Failure is logged only.
func (e *Executor) finalizeCompleted(ctx context.Context, log zerolog.Logger, h engine.Handle, res *Result) {
	err := e.engine.FinalizeCompleted(ctx, h, engine.Completion{
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		DecodeMs:         res.DecodeMs,
		FinishReason:     res.FinishReason,
	})
	if err != nil {
		log.Warn().Err(err).Str("handle", string(h)).Msg("finalize completed failed")
	}
}

// finalizeFailed reports a failed attempt. Failure is logged only.
func (e *Executor) finalizeFailed(ctx context.Context, log zerolog.Logger, h engine.Handle, cause error) {
	if err := e.engine.FinalizeFailed(ctx, h, cause.Error()); err != nil {
		log.Warn().Err(err).Str("handle", string(h)).Msg("finalize failed failed")
	}
}

// finalizeCancelled tells the engine the generation was aborted. It runs
// detached from the turn and from ctx cancellation; failure is logged only.
func (e *Executor) finalizeCancelled(ctx context.Context, log zerolog.Logger, h engine.Handle) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.FinalizeTimeout)
	go func() {
		defer cancel()
		if err := e.engine.FinalizeCancelled(ctx, h); err != nil {
			log.Warn().Err(err).Str("handle", string(h)).Msg("finalize cancelled failed")
		}
	}()
}
