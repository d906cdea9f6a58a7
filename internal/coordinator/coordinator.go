// Package coordinator owns per-conversation state and runs at most one turn
// per conversation at a time.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cadence/internal/agentloop"
	"cadence/internal/cancel"
	"cadence/internal/persist"
	"cadence/internal/storage"
	"cadence/internal/stream"
	"cadence/internal/turn"
	"cadence/pkg/engine"
)

// AgentRunner runs an agent loop.
type AgentRunner interface {
	Run(ctx context.Context, req agentloop.Request) (*agentloop.Outcome, error)
}

// SessionBinder is the part of binding.Binder the coordinator drives.
type SessionBinder interface {
	Detach(conv string) (engine.Handle, bool)
	Release(ctx context.Context, h engine.Handle) error
	Sweep(idle time.Duration, keep func(conv string) bool) []string
}

// Saver schedules conversation writes.
type Saver interface {
	Schedule(conversationID string, snap persist.Snapshot)
	MarkWritten(conversationID string, ids []string)
	Flush(ctx context.Context, conversationID string) error
	FlushNow(ctx context.Context) error
	Forget(conversationID string)
}

// Loader reads stored conversations.
type Loader interface {
	Load(ctx context.Context, conversationID string) (*storage.Conversation, []storage.Message, error)
}

// Config configures a Coordinator.
type Config struct {
	SystemPrompt      string `mapstructure:"system_prompt" yaml:"system_prompt"`
	RecentTurns       int    `mapstructure:"recent_turns" yaml:"recent_turns"`
	RecentTokenBudget int    `mapstructure:"recent_token_budget" yaml:"recent_token_budget"`
	TitleLength       int    `mapstructure:"title_length" yaml:"title_length"`
	UpdateBuffer      int    `mapstructure:"update_buffer" yaml:"update_buffer"`
}

// DefaultConfig returns the default coordinator settings.
func DefaultConfig() Config {
	return Config{
		RecentTurns:       20,
		RecentTokenBudget: 4096,
		TitleLength:       48,
		UpdateBuffer:      100,
	}
}

// Deps are the collaborators of a Coordinator. Agent, Saver and Store are
// optional.
type Deps struct {
	Turns  agentloop.TurnRunner
	Agent  AgentRunner
	Binder SessionBinder
	Saver  Saver
	Store  Loader
	Logger zerolog.Logger
}

// TurnOptions are per-turn settings.
type TurnOptions struct {
	Params          engine.SamplingParams
	DocumentContext string
	// SystemPrompt overrides the conversation's system prompt for this turn.
	SystemPrompt    string
	DisableRecovery bool
}

type conversation struct {
	id           string
	title        string
	systemPrompt string
	agentMode    bool
	messages     []storage.Message
	active       *cancel.Token
	lastActive   time.Time
}

// Coordinator is the caller-facing surface.
type Coordinator struct {
	deps   Deps
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	convs    map[string]*conversation
	shutdown bool
	wg       sync.WaitGroup
}

// New creates a coordinator.
func New(deps Deps, cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.RecentTurns <= 0 {
		cfg.RecentTurns = def.RecentTurns
	}
	if cfg.RecentTokenBudget <= 0 {
		cfg.RecentTokenBudget = def.RecentTokenBudget
	}
	if cfg.TitleLength <= 0 {
		cfg.TitleLength = def.TitleLength
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = def.UpdateBuffer
	}
	return &Coordinator{
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger.With().Str("component", "coordinator").Logger(),
		convs:  make(map[string]*conversation),
	}
}

// Open makes the conversation resident, loading it from the store when it
// is not yet in memory. Unknown conversations start empty.
func (c *Coordinator) Open(ctx context.Context, conversationID string) error {
	_, err := c.open(ctx, conversationID)
	return err
}

func (c *Coordinator) open(ctx context.Context, conversationID string) (*conversation, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil, ErrShutdown
	}
	if conv, ok := c.convs[conversationID]; ok {
		c.mu.Unlock()
		return conv, nil
	}
	c.mu.Unlock()

	conv := &conversation{
		id:           conversationID,
		systemPrompt: c.cfg.SystemPrompt,
		lastActive:   time.Now(),
	}
	if c.deps.Store != nil {
		meta, messages, err := c.deps.Store.Load(ctx, conversationID)
		switch {
		case err == nil:
			conv.title = meta.Title
			conv.messages = messages
		case errors.Is(err, storage.ErrNotFound):
		default:
			return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.convs[conversationID]; ok {
		return existing, nil
	}
	c.convs[conversationID] = conv
	if c.deps.Saver != nil && len(conv.messages) > 0 {
		c.deps.Saver.MarkWritten(conversationID, storage.IDs(conv.messages))
	}
	return conv, nil
}

// SendTurn starts a turn and returns its updates. The channel is closed
// after the terminal update. Cancelling ctx cancels the turn.
func (c *Coordinator) SendTurn(ctx context.Context, conversationID, prompt string, opts TurnOptions) (<-chan Update, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	conv, err := c.open(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil, ErrShutdown
	}
	if conv.active != nil {
		c.mu.Unlock()
		return nil, ErrTurnInProgress
	}
	tok := cancel.New(ctx)
	conv.active = tok
	conv.lastActive = time.Now()

	recent := recentTurns(conv.messages, c.cfg.RecentTurns, c.cfg.RecentTokenBudget)
	systemPrompt := conv.systemPrompt
	if opts.SystemPrompt != "" {
		systemPrompt = opts.SystemPrompt
	}
	agentMode := conv.agentMode && c.deps.Agent != nil
	if conv.title == "" {
		conv.title = deriveTitle(prompt, c.cfg.TitleLength)
	}
	conv.messages = append(conv.messages, storage.NewMessage(engine.RoleUser, prompt))
	c.scheduleLocked(conv)
	c.wg.Add(1)
	c.mu.Unlock()

	updates := make(chan Update, c.cfg.UpdateBuffer)
	t := &turnRun{
		c:            c,
		ctx:          ctx,
		conv:         conv,
		tok:          tok,
		updates:      updates,
		prompt:       prompt,
		systemPrompt: systemPrompt,
		recent:       recent,
		opts:         opts,
		log:          c.logger.With().Str("conversation", conversationID).Logger(),
	}
	go t.run(agentMode)
	return updates, nil
}

// CancelActiveTurn requests cancellation of the conversation's turn.
func (c *Coordinator) CancelActiveTurn(conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[conversationID]
	if !ok || conv.active == nil {
		return ErrNoActiveTurn
	}
	conv.active.RequestCancel()
	return nil
}

// ResetContext discards the conversation's engine session and asks the
// engine to free it. The next turn starts a new one seeded with recent
// history.
func (c *Coordinator) ResetContext(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	if conv, ok := c.convs[conversationID]; ok && conv.active != nil {
		c.mu.Unlock()
		return ErrTurnInProgress
	}
	var (
		h     engine.Handle
		bound bool
	)
	if c.deps.Binder != nil {
		h, bound = c.deps.Binder.Detach(conversationID)
	}
	c.mu.Unlock()

	if bound {
		c.release(ctx, conversationID, h)
	}
	c.logger.Info().Str("conversation", conversationID).Msg("context reset")
	return nil
}

// release frees a detached session. Failure only costs engine memory until
// the engine's own timeout, so it is logged and not returned.
func (c *Coordinator) release(ctx context.Context, conversationID string, h engine.Handle) {
	if err := c.deps.Binder.Release(ctx, h); err != nil {
		c.logger.Warn().Err(err).Str("conversation", conversationID).Msg("release session failed")
	}
}

// SetAgentMode toggles the agent loop for the conversation's next turns.
func (c *Coordinator) SetAgentMode(ctx context.Context, conversationID string, on bool) error {
	conv, err := c.open(ctx, conversationID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conv.agentMode = on
	c.mu.Unlock()
	return nil
}

// AgentMode reports the conversation's agent-mode flag.
func (c *Coordinator) AgentMode(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[conversationID]
	return ok && conv.agentMode
}

// SetSystemPrompt replaces the conversation's system prompt. It takes
// effect when a new session is created.
func (c *Coordinator) SetSystemPrompt(ctx context.Context, conversationID, prompt string) error {
	conv, err := c.open(ctx, conversationID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conv.systemPrompt = prompt
	c.mu.Unlock()
	return nil
}

// Messages returns a copy of the conversation's messages.
func (c *Coordinator) Messages(ctx context.Context, conversationID string) ([]storage.Message, error) {
	conv, err := c.open(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]storage.Message(nil), conv.messages...), nil
}

// Title returns the conversation's title.
func (c *Coordinator) Title(conversationID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conv, ok := c.convs[conversationID]; ok {
		return conv.title
	}
	return ""
}

// Active reports whether the conversation has a running turn.
func (c *Coordinator) Active(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[conversationID]
	return ok && conv.active != nil
}

// Close flushes and evicts an idle conversation from memory.
func (c *Coordinator) Close(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	conv, ok := c.convs[conversationID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if conv.active != nil {
		c.mu.Unlock()
		return ErrTurnInProgress
	}
	delete(c.convs, conversationID)
	c.mu.Unlock()

	if c.deps.Binder != nil {
		if h, ok := c.deps.Binder.Detach(conversationID); ok {
			c.release(ctx, conversationID, h)
		}
	}
	if c.deps.Saver == nil {
		return nil
	}
	err := c.deps.Saver.Flush(ctx, conversationID)
	c.deps.Saver.Forget(conversationID)
	return err
}

// SweepIdle invalidates engine sessions unused for idle, skipping
// conversations with an active turn.
func (c *Coordinator) SweepIdle(idle time.Duration) []string {
	if c.deps.Binder == nil {
		return nil
	}
	return c.deps.Binder.Sweep(idle, c.Active)
}

// Shutdown cancels active turns, waits for them to finish and flushes all
// pending saves.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shutdown = true
	for _, conv := range c.convs {
		if conv.active != nil {
			conv.active.RequestCancel()
		}
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if c.deps.Saver == nil {
		return nil
	}
	return c.deps.Saver.FlushNow(ctx)
}

// scheduleLocked stages the conversation for saving. c.mu must be held.
func (c *Coordinator) scheduleLocked(conv *conversation) {
	if c.deps.Saver == nil {
		return
	}
	c.deps.Saver.Schedule(conv.id, persist.Snapshot{
		Title:    conv.title,
		Messages: append([]storage.Message(nil), conv.messages...),
	})
}

func (c *Coordinator) appendMessage(conv *conversation, m storage.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv.messages = append(conv.messages, m)
	conv.lastActive = time.Now()
	c.scheduleLocked(conv)
}

// turnRun is the state of one running turn. Its goroutine is the only
// writer of the conversation's messages while it runs.
type turnRun struct {
	c            *Coordinator
	ctx          context.Context
	conv         *conversation
	tok          *cancel.Token
	updates      chan Update
	prompt       string
	systemPrompt string
	recent       []engine.Turn
	opts         TurnOptions
	log          zerolog.Logger
}

func (t *turnRun) run(agentMode bool) {
	defer t.c.wg.Done()
	defer close(t.updates)
	defer func() {
		t.c.mu.Lock()
		t.conv.active = nil
		t.c.mu.Unlock()
		t.tok.Release()
	}()
	defer func() {
		if rec := recover(); rec != nil {
			t.log.Error().Interface("panic", rec).Msg("panic in turn goroutine")
			t.send(Update{Type: UpdateError, Error: fmt.Sprintf("internal error: %v", rec)})
		}
	}()

	if agentMode {
		t.runAgent()
		return
	}
	t.runSingle()
}

func (t *turnRun) runSingle() {
	res, err := t.c.deps.Turns.Execute(t.tok.Context(), turn.Request{
		ConversationID:  t.conv.id,
		Prompt:          t.prompt,
		Params:          t.opts.Params,
		SystemPrompt:    t.systemPrompt,
		RecentTurns:     t.recent,
		DocumentContext: t.opts.DocumentContext,
		AllowRecovery:   !t.opts.DisableRecovery,
		Token:           t.tok,
		OnPreview: func(p stream.Preview) {
			t.preview(0, p)
		},
	})
	if err != nil {
		if ce, ok := stream.AsCancelled(err); ok {
			u := Update{Type: UpdateStopped, StopReason: agentloop.StopCancelled}
			if !ce.Partial.Empty() {
				m := storage.NewMessage(engine.RoleAssistant, ce.Partial.Answer)
				m.Reasoning = ce.Partial.Reasoning
				m.Stopped = true
				t.c.appendMessage(t.conv, m)
				u.MessageID = m.ID
			}
			t.send(u)
			return
		}
		t.log.Warn().Err(err).Msg("turn failed")
		t.send(Update{Type: UpdateError, Error: err.Error()})
		return
	}

	m := assistantMessage(res, 0)
	t.c.appendMessage(t.conv, m)
	t.send(Update{Type: UpdateResult, Result: res, MessageID: m.ID})
}

func (t *turnRun) runAgent() {
	var lastAssistant *storage.Message
	out, err := t.c.deps.Agent.Run(t.tok.Context(), agentloop.Request{
		ConversationID:  t.conv.id,
		Prompt:          t.prompt,
		Params:          t.opts.Params,
		SystemPrompt:    t.systemPrompt,
		RecentTurns:     t.recent,
		DocumentContext: t.opts.DocumentContext,
		Token:           t.tok,
		OnPreview:       t.preview,
		OnTurn: func(et agentloop.EmittedTurn) {
			m := emittedMessage(et)
			t.c.appendMessage(t.conv, m)
			if m.Role == engine.RoleAssistant {
				lastAssistant = &m
			}
			emitted := et
			t.send(Update{Type: UpdateTurn, Iteration: et.Iteration, Turn: &emitted})
		},
	})
	if err != nil {
		t.log.Warn().Err(err).Msg("agent run failed")
		t.send(Update{Type: UpdateError, Error: err.Error()})
		return
	}

	u := Update{Iteration: max(out.Iterations-1, 0), StopReason: out.StopReason}
	if lastAssistant != nil {
		u.MessageID = lastAssistant.ID
	}
	if out.StopReason == agentloop.StopCancelled {
		u.Type = UpdateStopped
		t.send(u)
		return
	}
	u.Type = UpdateResult
	for i := len(out.Turns) - 1; i >= 0; i-- {
		if out.Turns[i].Result != nil {
			u.Result = out.Turns[i].Result
			break
		}
	}
	t.send(u)
}

// preview publishes a preview without blocking the stream; a full buffer
// drops it since a later preview supersedes it.
func (t *turnRun) preview(iteration int, p stream.Preview) {
	u := Update{Type: UpdatePreview, ConversationID: t.conv.id, Iteration: iteration, Preview: &p}
	if p.Final {
		t.send(u)
		return
	}
	select {
	case t.updates <- u:
	default:
	}
}

// send delivers u unless the caller's context ended.
func (t *turnRun) send(u Update) {
	u.ConversationID = t.conv.id
	select {
	case t.updates <- u:
	case <-t.ctx.Done():
		select {
		case t.updates <- u:
		default:
			t.log.Debug().Str("type", string(u.Type)).Msg("dropping update, receiver gone")
		}
	}
}

func assistantMessage(res *turn.Result, iteration int) storage.Message {
	m := storage.NewMessage(engine.RoleAssistant, res.Answer)
	m.Reasoning = res.Reasoning
	m.Meta = &storage.MessageMeta{
		FinishReason:     res.FinishReason,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		DecodeMs:         res.DecodeMs,
		PrefillMs:        res.PrefillMs,
		Estimated:        res.Estimated,
		Recovered:        res.Recovered,
		Iteration:        iteration,
	}
	return m
}

func emittedMessage(et agentloop.EmittedTurn) storage.Message {
	if et.Result != nil {
		return assistantMessage(et.Result, et.Iteration)
	}
	m := storage.NewMessage(et.Role, et.Content)
	m.Reasoning = et.Reasoning
	m.Stopped = et.Stopped
	if et.Observation != nil {
		m.Meta = &storage.MessageMeta{Observation: true, Iteration: et.Iteration}
	} else if et.Iteration > 0 {
		m.Meta = &storage.MessageMeta{Iteration: et.Iteration}
	}
	return m
}
