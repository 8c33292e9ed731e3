// Package session maps session ids to conversation threads.
//
// A Manager owns every live Thread. Threads are created on first reference,
// rehydrated from a Backend after eviction, and never duplicated: concurrent
// first calls for the same session id observe one Thread.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/aixgo-dev/orchestra/agent"
)

// Thread is the ordered conversation history of one session.
// Messages are appended through Manager.Append only.
type Thread struct {
	id        string
	createdAt time.Time

	mu       sync.RWMutex
	messages []agent.Message

	// run serializes orchestration calls on the session.
	run chan struct{}

	// guarded by Manager.mu
	lastAccess time.Time
}

func newThread(id string, createdAt time.Time, msgs []agent.Message) *Thread {
	return &Thread{
		id:         id,
		createdAt:  createdAt,
		messages:   msgs,
		run:        make(chan struct{}, 1),
		lastAccess: createdAt,
	}
}

// ID returns the session id.
func (t *Thread) ID() string { return t.id }

// CreatedAt returns when the thread was first created.
func (t *Thread) CreatedAt() time.Time { return t.createdAt }

// Messages returns a copy of the history, oldest first.
func (t *Thread) Messages() []agent.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]agent.Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.Clone()
	}
	return out
}

// Len returns the number of messages.
func (t *Thread) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Last returns the most recent message.
func (t *Thread) Last() (agent.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.messages) == 0 {
		return agent.Message{}, false
	}
	return t.messages[len(t.messages)-1].Clone(), true
}

// lock acquires the session run lock or fails when ctx is done.
func (t *Thread) lock(ctx context.Context) error {
	select {
	case t.run <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Thread) unlock() { <-t.run }

func (t *Thread) busy() bool { return len(t.run) > 0 }
