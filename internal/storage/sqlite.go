package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore 基于 SQLite 的会话存储
type SQLiteStore struct {
	db *DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore 打开 path 处的数据库
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// DB 返回底层连接
func (s *SQLiteStore) DB() *DB {
	return s.db
}

// Write 全量写入
func (s *SQLiteStore) Write(ctx context.Context, conversationID, title string, messages []Message) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := upsertConversation(ctx, tx, conversationID, title); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
			return fmt.Errorf("clear messages: %w", err)
		}
		for i, m := range messages {
			if err := insertMessage(ctx, tx, conversationID, i, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteIncremental 增量写入
func (s *SQLiteStore) WriteIncremental(ctx context.Context, conversationID, title string, messages []Message, existingIDs []string) error {
	added, removed := split(messages, existingIDs)

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := upsertConversation(ctx, tx, conversationID, title); err != nil {
			return err
		}
		for _, id := range removed {
			if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ? AND conversation_id = ?", id, conversationID); err != nil {
				return fmt.Errorf("delete message %s: %w", id, err)
			}
		}
		for _, i := range added {
			if err := insertMessage(ctx, tx, conversationID, i, messages[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load 读取会话及其全部消息
func (s *SQLiteStore) Load(ctx context.Context, conversationID string) (*Conversation, []Message, error) {
	conv := &Conversation{ID: conversationID}
	err := s.db.QueryRowContext(ctx,
		"SELECT title, created_at, updated_at FROM conversations WHERE id = ?",
		conversationID,
	).Scan(&conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, role, content, reasoning, stopped, meta, created_at FROM messages WHERE conversation_id = ? ORDER BY seq ASC",
		conversationID,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var meta sql.NullString
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.Reasoning, &m.Stopped, &meta, &m.CreatedAt); err != nil {
			return nil, nil, err
		}
		if meta.Valid && meta.String != "" {
			m.Meta = &MessageMeta{}
			if err := json.Unmarshal([]byte(meta.String), m.Meta); err != nil {
				return nil, nil, fmt.Errorf("decode meta of %s: %w", m.ID, err)
			}
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	conv.MessageCount = len(messages)
	return conv, messages, nil
}

// List 按更新时间倒序列出会话
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.created_at, c.updated_at, COUNT(m.id)
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		GROUP BY c.id
		ORDER BY c.updated_at DESC
		LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c := &Conversation{}
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Delete 删除会话，消息随外键级联删除
func (s *SQLiteStore) Delete(ctx context.Context, conversationID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", conversationID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func upsertConversation(ctx context.Context, tx *sql.Tx, id, title string) error {
	now := time.Now()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, updated_at = excluded.updated_at`,
		id, title, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, conversationID string, seq int, m Message) error {
	var meta *string
	if m.Meta != nil {
		data, err := json.Marshal(m.Meta)
		if err != nil {
			return err
		}
		s := string(data)
		meta = &s
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, role, content, reasoning, stopped, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET seq = excluded.seq, content = excluded.content,
			reasoning = excluded.reasoning, stopped = excluded.stopped, meta = excluded.meta`,
		m.ID, conversationID, seq, m.Role, m.Content, m.Reasoning, m.Stopped, meta, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}
