package engine

// ChunkType tags a Chunk.
type ChunkType string

const (
	ChunkDelta ChunkType = "delta"
	ChunkDone  ChunkType = "done"
	ChunkError ChunkType = "error"
)

// Chunk is a single streaming event.
type Chunk struct {
	Type ChunkType `json:"type"`

	// delta
	Text string `json:"text,omitempty"`

	// done
	FinishReason     string `json:"finish_reason,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	PrefillMs        int64  `json:"prefill_ms,omitempty"`
	DecodeMs         int64  `json:"decode_ms,omitempty"`
	FullText         string `json:"full_text,omitempty"`
	ReasoningText    string `json:"reasoning_text,omitempty"`

	// error
	Err *Error `json:"error,omitempty"`
}

// Delta builds a delta chunk.
func Delta(text string) Chunk {
	return Chunk{Type: ChunkDelta, Text: text}
}

// Failure builds an error chunk.
func Failure(code ErrorCode, message, detail string) Chunk {
	return Chunk{Type: ChunkError, Err: &Error{Code: code, Message: message, Detail: detail}}
}

// IsTerminal reports whether the chunk ends the stream.
func (c Chunk) IsTerminal() bool {
	return c.Type == ChunkDone || c.Type == ChunkError
}
