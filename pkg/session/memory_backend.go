package session

import (
	"context"
	"sync"
	"time"

	"github.com/aixgo-dev/orchestra/agent"
)

// MemoryBackend keeps threads in process memory. History is lost on restart.
type MemoryBackend struct {
	mu       sync.RWMutex
	meta     map[string]*Metadata
	messages map[string][]agent.Message
	closed   bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		meta:     make(map[string]*Metadata),
		messages: make(map[string][]agent.Message),
	}
}

// SaveThread implements Backend.
func (b *MemoryBackend) SaveThread(_ context.Context, meta *Metadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	cp := *meta
	b.meta[meta.ID] = &cp
	return nil
}

// LoadThread implements Backend.
func (b *MemoryBackend) LoadThread(_ context.Context, sessionID string) (*Metadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	m, ok := b.meta[sessionID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	cp := *m
	return &cp, nil
}

// DeleteThread implements Backend.
func (b *MemoryBackend) DeleteThread(_ context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	delete(b.meta, sessionID)
	delete(b.messages, sessionID)
	return nil
}

// AppendMessage implements Backend.
func (b *MemoryBackend) AppendMessage(_ context.Context, sessionID string, msg agent.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	b.messages[sessionID] = append(b.messages[sessionID], msg.Clone())
	if m, ok := b.meta[sessionID]; ok {
		m.MessageCount++
		m.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// LoadMessages implements Backend.
func (b *MemoryBackend) LoadMessages(_ context.Context, sessionID string) ([]agent.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	src := b.messages[sessionID]
	out := make([]agent.Message, len(src))
	for i, m := range src {
		out[i] = m.Clone()
	}
	return out, nil
}

// Ping implements Backend.
func (b *MemoryBackend) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Close implements Backend.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
