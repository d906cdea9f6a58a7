package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreClosed 存储已关闭
var ErrStoreClosed = errors.New("store is closed")

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	// Prefix 所有键的前缀，默认 "cadence:"
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size"`
}

// RedisStore 基于 Redis 的会话存储，适合多实例部署
//
// 键布局:
//
//	{prefix}conv:{id}       hash: title, created_at, updated_at
//	{prefix}conv:{id}:ids   list: 按顺序排列的消息 ID
//	{prefix}conv:{id}:msgs  hash: 消息 ID -> JSON
//	{prefix}conversations   zset: 会话 ID，score 为更新时间
type RedisStore struct {
	client *redis.Client
	prefix string

	mu     sync.RWMutex
	closed bool
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore 连接 Redis 并验证连通性
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient 使用已有客户端创建存储，测试中配合 miniredis 使用
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "cadence:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) convKey(id string) string { return s.prefix + "conv:" + id }
func (s *RedisStore) idsKey(id string) string  { return s.prefix + "conv:" + id + ":ids" }
func (s *RedisStore) msgsKey(id string) string { return s.prefix + "conv:" + id + ":msgs" }
func (s *RedisStore) indexKey() string         { return s.prefix + "conversations" }

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Write 全量写入
func (s *RedisStore) Write(ctx context.Context, conversationID, title string, messages []Message) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	encoded, err := encodeMessages(messages)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.touch(ctx, pipe, conversationID, title)
		pipe.Del(ctx, s.idsKey(conversationID), s.msgsKey(conversationID))
		if len(messages) > 0 {
			pipe.RPush(ctx, s.idsKey(conversationID), toAny(IDs(messages))...)
			pipe.HSet(ctx, s.msgsKey(conversationID), encoded)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write conversation %s: %w", conversationID, err)
	}
	return nil
}

// WriteIncremental 增量写入，ID 列表整体重写以保持顺序
func (s *RedisStore) WriteIncremental(ctx context.Context, conversationID, title string, messages []Message, existingIDs []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	added, removed := split(messages, existingIDs)
	newMessages := make([]Message, 0, len(added))
	for _, i := range added {
		newMessages = append(newMessages, messages[i])
	}
	encoded, err := encodeMessages(newMessages)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.touch(ctx, pipe, conversationID, title)
		if len(removed) > 0 {
			pipe.HDel(ctx, s.msgsKey(conversationID), removed...)
		}
		if len(encoded) > 0 {
			pipe.HSet(ctx, s.msgsKey(conversationID), encoded)
		}
		pipe.Del(ctx, s.idsKey(conversationID))
		if len(messages) > 0 {
			pipe.RPush(ctx, s.idsKey(conversationID), toAny(IDs(messages))...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write conversation %s: %w", conversationID, err)
	}
	return nil
}

// touch 更新会话元数据与索引，created_at 只在首次写入时设置
func (s *RedisStore) touch(ctx context.Context, pipe redis.Pipeliner, id, title string) {
	now := time.Now()
	pipe.HSetNX(ctx, s.convKey(id), "created_at", now.Format(time.RFC3339Nano))
	pipe.HSet(ctx, s.convKey(id), "title", title, "updated_at", now.Format(time.RFC3339Nano))
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(now.UnixNano()), Member: id})
}

// Load 读取会话及消息
func (s *RedisStore) Load(ctx context.Context, conversationID string) (*Conversation, []Message, error) {
	if err := s.checkOpen(); err != nil {
		return nil, nil, err
	}

	conv, err := s.loadMeta(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}

	ids, err := s.client.LRange(ctx, s.idsKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, nil, err
	}
	if len(ids) == 0 {
		return conv, nil, nil
	}

	raw, err := s.client.HMGet(ctx, s.msgsKey(conversationID), ids...).Result()
	if err != nil {
		return nil, nil, err
	}
	messages := make([]Message, 0, len(ids))
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			return nil, nil, fmt.Errorf("message %s missing from conversation %s", ids[i], conversationID)
		}
		var m Message
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			return nil, nil, fmt.Errorf("decode message %s: %w", ids[i], err)
		}
		messages = append(messages, m)
	}

	conv.MessageCount = len(messages)
	return conv, messages, nil
}

func (s *RedisStore) loadMeta(ctx context.Context, id string) (*Conversation, error) {
	fields, err := s.client.HGetAll(ctx, s.convKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	conv := &Conversation{ID: id, Title: fields["title"]}
	conv.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	conv.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return conv, nil
}

// List 按更新时间倒序列出会话
func (s *RedisStore) List(ctx context.Context, limit, offset int) ([]*Conversation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	ids, err := s.client.ZRevRange(ctx, s.indexKey(), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.loadMeta(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		n, err := s.client.LLen(ctx, s.idsKey(id)).Result()
		if err != nil {
			return nil, err
		}
		conv.MessageCount = int(n)
		out = append(out, conv)
	}
	return out, nil
}

// Delete 删除会话
func (s *RedisStore) Delete(ctx context.Context, conversationID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var deleted *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, s.convKey(conversationID), s.idsKey(conversationID), s.msgsKey(conversationID))
		pipe.ZRem(ctx, s.indexKey(), conversationID)
		return nil
	})
	if err != nil {
		return err
	}
	if deleted.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// Close 关闭客户端
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

func encodeMessages(messages []Message) (map[string]any, error) {
	out := make(map[string]any, len(messages))
	for _, m := range messages {
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		out[m.ID] = string(data)
	}
	return out, nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
