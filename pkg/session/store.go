package session

import (
	"context"
	"errors"
	"time"

	"github.com/aixgo-dev/orchestra/agent"
)

// Common errors for thread operations.
var (
	// ErrThreadNotFound is returned when a thread doesn't exist.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrStorageClosed is returned when operating on a closed storage backend.
	ErrStorageClosed = errors.New("storage backend is closed")
	// ErrManagerClosed is returned after Manager.Close.
	ErrManagerClosed = errors.New("session manager is closed")
	// ErrInvalidSessionID is returned for empty or malformed session ids.
	ErrInvalidSessionID = errors.New("invalid session id")
)

// Metadata describes a persisted thread.
type Metadata struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Backend abstracts thread persistence.
// Implementations must be safe for concurrent use.
type Backend interface {
	// SaveThread creates or updates thread metadata.
	SaveThread(ctx context.Context, meta *Metadata) error

	// LoadThread retrieves thread metadata by session ID.
	// Returns ErrThreadNotFound if the thread doesn't exist.
	LoadThread(ctx context.Context, sessionID string) (*Metadata, error)

	// DeleteThread removes a thread and all its messages.
	DeleteThread(ctx context.Context, sessionID string) error

	// AppendMessage adds a message to a thread (append-only).
	AppendMessage(ctx context.Context, sessionID string, msg agent.Message) error

	// LoadMessages retrieves all messages of a thread in order.
	LoadMessages(ctx context.Context, sessionID string) ([]agent.Message, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}
