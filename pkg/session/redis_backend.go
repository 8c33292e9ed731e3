package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/orchestra/agent"
)

// RedisBackend implements Backend using Redis.
// It provides distributed thread storage suitable for multi-node deployments.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	// Prefix is the key prefix for all thread keys (default: "orchestra:thread:").
	Prefix string `yaml:"prefix" json:"prefix"`
	// TTL expires idle threads in Redis (0 = never expire).
	TTL time.Duration `yaml:"ttl" json:"ttl"`
	// PoolSize is the connection pool size (default: 10).
	PoolSize int `yaml:"pool_size" json:"pool_size"`
}

const defaultRedisPrefix = "orchestra:thread:"

// NewRedisBackend creates a new Redis storage backend.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisBackendFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
func NewRedisBackendFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (b *RedisBackend) metaKey(sessionID string) string {
	return b.prefix + "meta:" + sessionID
}

func (b *RedisBackend) messagesKey(sessionID string) string {
	return b.prefix + "messages:" + sessionID
}

func (b *RedisBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// SaveThread implements Backend.
func (b *RedisBackend) SaveThread(ctx context.Context, meta *Metadata) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := b.client.Set(ctx, b.metaKey(meta.ID), data, b.ttl).Err(); err != nil {
		return fmt.Errorf("save thread: %w", err)
	}
	return nil
}

// LoadThread implements Backend.
func (b *RedisBackend) LoadThread(ctx context.Context, sessionID string) (*Metadata, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	data, err := b.client.Get(ctx, b.metaKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("get thread: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &meta, nil
}

// DeleteThread implements Backend.
func (b *RedisBackend) DeleteThread(ctx context.Context, sessionID string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := b.client.Del(ctx, b.metaKey(sessionID), b.messagesKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

// AppendMessage implements Backend. The message list and the metadata
// counter are updated in one MULTI/EXEC transaction.
func (b *RedisBackend) AppendMessage(ctx context.Context, sessionID string, msg agent.Message) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	meta, err := b.LoadThread(ctx, sessionID)
	if errors.Is(err, ErrThreadNotFound) {
		meta = &Metadata{ID: sessionID, CreatedAt: msg.Timestamp}
	} else if err != nil {
		return err
	}
	meta.MessageCount++
	meta.UpdatedAt = time.Now().UTC()
	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, b.messagesKey(sessionID), data)
		pipe.Set(ctx, b.metaKey(sessionID), metaData, b.ttl)
		if b.ttl > 0 {
			pipe.Expire(ctx, b.messagesKey(sessionID), b.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// LoadMessages implements Backend.
func (b *RedisBackend) LoadMessages(ctx context.Context, sessionID string) ([]agent.Message, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	data, err := b.client.LRange(ctx, b.messagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	msgs := make([]agent.Message, 0, len(data))
	for _, d := range data {
		var m agent.Message
		if err := json.Unmarshal([]byte(d), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Ping checks if the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}

// Close releases resources held by the backend.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
