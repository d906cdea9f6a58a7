// Package agentloop alternates model turns with sandboxed execution of the
// code the model emits, until the model stops emitting code.
package agentloop

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"cadence/internal/cancel"
	"cadence/internal/metrics"
	"cadence/internal/stream"
	"cadence/internal/turn"
	"cadence/pkg/engine"
	"cadence/pkg/sandbox"
)

// DefaultMaxIterations bounds a run when the config leaves it unset.
const DefaultMaxIterations = 10

// StopReason says why a run ended.
type StopReason string

const (
	StopNoInstruction StopReason = "no_instruction"
	StopCancelled     StopReason = "cancelled"
	StopMaxIterations StopReason = "max_iterations"
)

// TurnRunner executes one model turn.
type TurnRunner interface {
	Execute(ctx context.Context, req turn.Request) (*turn.Result, error)
}

// EmittedTurn is a message produced during a run: an assistant answer or
// an observation fed back as a user turn.
type EmittedTurn struct {
	Iteration   int             `json:"iteration"`
	Role        string          `json:"role"`
	Content     string          `json:"content"`
	Reasoning   string          `json:"reasoning,omitempty"`
	Result      *turn.Result    `json:"result,omitempty"`
	Observation *sandbox.Result `json:"observation,omitempty"`
	// Stopped marks a partial assistant answer cut short by cancellation.
	Stopped bool `json:"stopped,omitempty"`
}

// Config configures a Controller.
type Config struct {
	MaxIterations int      `mapstructure:"max_iterations" yaml:"max_iterations"`
	Languages     []string `mapstructure:"languages" yaml:"languages"`
}

// Request is one agent run.
type Request struct {
	ConversationID  string
	Prompt          string
	Params          engine.SamplingParams
	SystemPrompt    string
	RecentTurns     []engine.Turn
	DocumentContext string
	Token           *cancel.Token

	OnPreview func(iteration int, p stream.Preview)
	OnTurn    func(EmittedTurn)
}

// Outcome is the result of a run that was not a fatal failure.
type Outcome struct {
	Turns      []EmittedTurn `json:"turns"`
	Iterations int           `json:"iterations"`
	StopReason StopReason    `json:"stop_reason"`
}

// Controller runs agent loops.
type Controller struct {
	runner  TurnRunner
	sandbox sandbox.Sandbox
	cfg     Config
	logger  zerolog.Logger
}

// NewController creates a controller.
func NewController(runner TurnRunner, sb sandbox.Sandbox, cfg Config, logger zerolog.Logger) *Controller {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = DefaultLanguages
	}
	return &Controller{runner: runner, sandbox: sb, cfg: cfg, logger: logger}
}

// Run drives the loop. Each iteration executes one turn; the document
// context is only sent with the first. The loop stops when the answer holds
// no executable block, when cancellation is requested, or after
// MaxIterations turns. The code of the final permitted turn is not run.
// A fatal turn failure is returned along with the turns emitted so far.
func (c *Controller) Run(ctx context.Context, req Request) (*Outcome, error) {
	log := c.logger.With().Str("conversation", req.ConversationID).Logger()
	out := &Outcome{}
	recent := append([]engine.Turn(nil), req.RecentTurns...)
	prompt := req.Prompt

	emit := func(t EmittedTurn) {
		out.Turns = append(out.Turns, t)
		if req.OnTurn != nil {
			req.OnTurn(t)
		}
	}
	finish := func(reason StopReason) (*Outcome, error) {
		out.StopReason = reason
		metrics.RecordAgentRun(string(reason), out.Iterations)
		log.Debug().Str("stop_reason", string(reason)).Int("iterations", out.Iterations).Msg("agent loop finished")
		return out, nil
	}

	for i := 0; i < c.cfg.MaxIterations; i++ {
		if req.Token != nil && req.Token.Requested() {
			return finish(StopCancelled)
		}

		treq := turn.Request{
			ConversationID: req.ConversationID,
			Prompt:         prompt,
			Params:         req.Params,
			SystemPrompt:   req.SystemPrompt,
			RecentTurns:    recent,
			AllowRecovery:  true,
			Token:          req.Token,
		}
		if i == 0 {
			treq.DocumentContext = req.DocumentContext
		}
		if req.OnPreview != nil {
			iter := i
			treq.OnPreview = func(p stream.Preview) { req.OnPreview(iter, p) }
		}

		res, err := c.runner.Execute(ctx, treq)
		out.Iterations++
		if err != nil {
			if ce, ok := stream.AsCancelled(err); ok {
				if !ce.Partial.Empty() {
					emit(EmittedTurn{
						Iteration: i,
						Role:      engine.RoleAssistant,
						Content:   ce.Partial.Answer,
						Reasoning: ce.Partial.Reasoning,
						Stopped:   true,
					})
				}
				return finish(StopCancelled)
			}
			metrics.RecordAgentRun("failed", out.Iterations)
			return out, fmt.Errorf("agent iteration %d: %w", i, err)
		}

		emit(EmittedTurn{
			Iteration: i,
			Role:      engine.RoleAssistant,
			Content:   res.Answer,
			Reasoning: res.Reasoning,
			Result:    res,
		})
		recent = append(recent,
			engine.Turn{Role: engine.RoleUser, Content: prompt},
			engine.Turn{Role: engine.RoleAssistant, Content: res.Answer},
		)

		code, ok := ExtractInstruction(res.Answer, c.cfg.Languages)
		if !ok {
			return finish(StopNoInstruction)
		}
		if i == c.cfg.MaxIterations-1 {
			break
		}
		if req.Token != nil && req.Token.Requested() {
			return finish(StopCancelled)
		}

		obs, err := c.execute(ctx, req.Token, code)
		if err != nil {
			if (req.Token != nil && req.Token.Requested()) || errors.Is(err, context.Canceled) {
				return finish(StopCancelled)
			}
			log.Warn().Err(err).Int("iteration", i).Msg("sandbox unavailable, reporting as observation")
			obs = &sandbox.Result{Error: err.Error()}
		}

		prompt = FormatObservation(obs)
		emit(EmittedTurn{
			Iteration:   i,
			Role:        engine.RoleUser,
			Content:     prompt,
			Observation: obs,
		})
	}

	return finish(StopMaxIterations)
}

func (c *Controller) execute(ctx context.Context, tok *cancel.Token, code string) (*sandbox.Result, error) {
	runCtx, stop := tok.Bind(ctx)
	defer stop()
	return c.sandbox.Run(runCtx, code)
}
