package coordinator

import (
	"cadence/internal/agentloop"
	"cadence/internal/stream"
	"cadence/internal/turn"
)

// UpdateType tags an Update.
type UpdateType string

const (
	UpdatePreview UpdateType = "preview"
	// UpdateTurn carries a message emitted by an agent run.
	UpdateTurn    UpdateType = "turn"
	UpdateResult  UpdateType = "result"
	UpdateStopped UpdateType = "stopped"
	UpdateError   UpdateType = "error"
)

// Update is one event of a turn. A turn's update channel carries previews
// and agent turns, then exactly one of result, stopped or error.
type Update struct {
	Type           UpdateType             `json:"type"`
	ConversationID string                 `json:"conversation_id"`
	Iteration      int                    `json:"iteration,omitempty"`
	Preview        *stream.Preview        `json:"preview,omitempty"`
	Turn           *agentloop.EmittedTurn `json:"turn,omitempty"`
	Result         *turn.Result           `json:"result,omitempty"`
	StopReason     agentloop.StopReason   `json:"stop_reason,omitempty"`
	// MessageID is the stored assistant message for result and stopped updates.
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Terminal reports whether u ends the turn.
func (u Update) Terminal() bool {
	switch u.Type {
	case UpdateResult, UpdateStopped, UpdateError:
		return true
	}
	return false
}
