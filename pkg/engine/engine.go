// Package engine defines the contract between the orchestration layer and a
// remote streaming inference engine.
//
// The engine owns long-lived sessions (KV-cache state). Callers refer to a
// session through an opaque Handle; a handle returned by ResetAndReplay or
// CompleteStream supersedes the previous one for the same conversation.
package engine

import "context"

// Handle identifies an engine session. The zero value means "no session".
type Handle string

// Turn is a single history entry.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Turn roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// SamplingParams are forwarded verbatim to the engine.
type SamplingParams struct {
	MaxTokens   int            `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
	Temperature float64        `json:"temperature,omitempty" mapstructure:"temperature"`
	TopP        float64        `json:"top_p,omitempty" mapstructure:"top_p"`
	TopK        int            `json:"top_k,omitempty" mapstructure:"top_k"`
	Stop        []string       `json:"stop,omitempty" mapstructure:"stop"`
	Extra       map[string]any `json:"extra,omitempty" mapstructure:"extra"`
}

// StreamRequest is one streaming attempt. It is built once per attempt and
// not modified afterwards.
type StreamRequest struct {
	Handle          Handle         `json:"handle"`
	Prompt          string         `json:"prompt"`
	Params          SamplingParams `json:"params"`
	SystemPrompt    string         `json:"system_prompt,omitempty"`
	RecentTurns     []Turn         `json:"recent_turns,omitempty"`
	DocumentContext string         `json:"document_context,omitempty"`
}

// ReplayRequest describes the history fed into a fresh session on reset.
type ReplayRequest struct {
	SystemPrompt     string `json:"system_prompt,omitempty"`
	RecentTurns      []Turn `json:"recent_turns,omitempty"`
	NarrativeSummary string `json:"narrative_summary,omitempty"`
	DocumentContext  string `json:"document_context,omitempty"`
}

// Completion is reported back to the engine after a successful turn.
type Completion struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	DecodeMs         int64  `json:"decode_ms"`
	FinishReason     string `json:"finish_reason"`
}

// Engine is the remote inference engine. A handle the caller stops using is
// simply abandoned unless the engine also implements Releaser; the engine
// then reclaims the session on its own idle timeout.
type Engine interface {
	// CreateSession opens a new session primed with the system prompt and
	// the given history.
	CreateSession(ctx context.Context, systemPrompt string, recent []Turn) (Handle, error)

	// CompleteStream starts generation. The returned channel yields delta
	// chunks followed by exactly one done or error chunk, then is closed.
	// The returned handle may differ from req.Handle when the engine reset
	// the session internally.
	CompleteStream(ctx context.Context, req StreamRequest) (<-chan Chunk, Handle, error)

	FinalizeCompleted(ctx context.Context, h Handle, c Completion) error
	FinalizeCancelled(ctx context.Context, h Handle) error
	FinalizeFailed(ctx context.Context, h Handle, reason string) error

	// ResetAndReplay discards the session behind h and returns a new handle
	// for a session primed with the replay history.
	ResetAndReplay(ctx context.Context, h Handle, replay ReplayRequest) (Handle, error)
}

// Releaser is implemented by engines that can free a session on request.
type Releaser interface {
	ReleaseSession(ctx context.Context, h Handle) error
}
