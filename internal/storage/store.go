// Package storage 持久化会话及其消息
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound 表示记录不存在
var ErrNotFound = errors.New("not found")

// Store 会话存储，SQLite 与 Redis 两种实现
type Store interface {
	// Write 全量写入会话，替换已有消息
	Write(ctx context.Context, conversationID, title string, messages []Message) error
	// WriteIncremental 只写入 existingIDs 之外的新消息，并删除已不在列表中的旧消息
	WriteIncremental(ctx context.Context, conversationID, title string, messages []Message, existingIDs []string) error
	Load(ctx context.Context, conversationID string) (*Conversation, []Message, error)
	List(ctx context.Context, limit, offset int) ([]*Conversation, error)
	Delete(ctx context.Context, conversationID string) error
	Close() error
}

// Conversation 会话实体
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MessageMeta 助手消息的生成统计
type MessageMeta struct {
	FinishReason     string `json:"finish_reason,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	DecodeMs         int64  `json:"decode_ms,omitempty"`
	PrefillMs        int64  `json:"prefill_ms,omitempty"`
	Estimated        bool   `json:"estimated,omitempty"`
	Recovered        bool   `json:"recovered,omitempty"`
	// Observation 标记由沙箱输出生成的 user 消息
	Observation bool `json:"observation,omitempty"`
	Iteration   int  `json:"iteration,omitempty"`
}

// Message 消息实体
type Message struct {
	ID        string       `json:"id"`
	Role      string       `json:"role"`
	Content   string       `json:"content"`
	Reasoning string       `json:"reasoning,omitempty"`
	Stopped   bool         `json:"stopped,omitempty"`
	Meta      *MessageMeta `json:"meta,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// NewMessage 创建带新 ID 的消息
func NewMessage(role, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// IDs 返回消息 ID 序列
func IDs(messages []Message) []string {
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	return ids
}

// split 按 existingIDs 把消息分为新增部分，以及需要删除的旧 ID
func split(messages []Message, existingIDs []string) (added []int, removed []string) {
	existing := make(map[string]bool, len(existingIDs))
	for _, id := range existingIDs {
		existing[id] = true
	}
	current := make(map[string]bool, len(messages))
	for i, m := range messages {
		current[m.ID] = true
		if !existing[m.ID] {
			added = append(added, i)
		}
	}
	for _, id := range existingIDs {
		if !current[id] {
			removed = append(removed, id)
		}
	}
	return added, removed
}
