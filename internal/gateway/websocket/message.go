// Package websocket relays turn updates to subscribed WebSocket clients.
package websocket

import "cadence/internal/coordinator"

// WSMessage is the frame exchanged in both directions.
type WSMessage struct {
	Type         string `json:"type"`
	Conversation string `json:"conversation,omitempty"`
	// Prompt is the user text of a send frame.
	Prompt  string              `json:"prompt,omitempty"`
	Update  *coordinator.Update `json:"update,omitempty"`
	Code    string              `json:"code,omitempty"`
	Message string              `json:"message,omitempty"`
}

// BroadcastMessage wraps a frame with its target conversation. An empty
// Conversation reaches every client.
type BroadcastMessage struct {
	Conversation string
	Data         []byte
}

// Client to server.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSend        = "send"
	TypeCancel      = "cancel"
	TypePing        = "ping"
)

// Server to client.
const (
	TypePong   = "pong"
	TypeUpdate = "update"
	TypeError  = "error"
)

// Error codes carried in error frames.
const (
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeTurnFailed     = "TURN_FAILED"
	CodeCancelFailed   = "CANCEL_FAILED"
)
