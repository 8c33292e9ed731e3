package session

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/aixgo-dev/orchestra/agent"
	"github.com/aixgo-dev/orchestra/internal/logging"
	"github.com/aixgo-dev/orchestra/pkg/observability"
)

// Eviction defaults.
const (
	DefaultMaxThreads = 10000
	DefaultIdleTTL    = 24 * time.Hour

	maxSessionIDLen = 256
)

// Config bounds the live thread table. Eviction only drops the in-memory
// thread; the backend keeps the history and it is rehydrated on next use.
type Config struct {
	// MaxThreads caps live threads; the least recently used idle thread is
	// evicted first. Zero means DefaultMaxThreads.
	MaxThreads int `yaml:"max_threads" json:"max_threads"`

	// IdleTTL is how long a thread may go unused before EvictIdle drops it.
	// Zero means DefaultIdleTTL.
	IdleTTL time.Duration `yaml:"idle_ttl" json:"idle_ttl"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig applies eviction bounds.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		if cfg.MaxThreads > 0 {
			m.maxThreads = cfg.MaxThreads
		}
		if cfg.IdleTTL > 0 {
			m.idleTTL = cfg.IdleTTL
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the live thread table.
// Manager is safe for concurrent use.
type Manager struct {
	backend Backend
	group   singleflight.Group

	mu      sync.Mutex
	threads map[string]*list.Element // value: *Thread
	lru     *list.List               // front = most recently used
	closed  bool

	maxThreads int
	idleTTL    time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewManager creates a manager persisting to backend. A nil backend uses an
// in-memory one.
func NewManager(backend Backend, opts ...Option) *Manager {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	m := &Manager{
		backend:    backend,
		threads:    make(map[string]*list.Element),
		lru:        list.New(),
		maxThreads: DefaultMaxThreads,
		idleTTL:    DefaultIdleTTL,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.Component(m.logger, "sessions")
	return m
}

// ValidateSessionID rejects empty, oversized or control-character ids.
func ValidateSessionID(id string) error {
	if id == "" || len(id) > maxSessionIDLen {
		return fmt.Errorf("%w: length must be 1..%d", ErrInvalidSessionID, maxSessionIDLen)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains control characters", ErrInvalidSessionID)
		}
	}
	return nil
}

// GetOrCreateThread returns the live thread for sessionID, rehydrating it
// from the backend or creating it as needed. Concurrent calls for the same id
// share one load and observe the same *Thread.
func (m *Manager) GetOrCreateThread(ctx context.Context, sessionID string) (*Thread, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if t, err := m.lookup(sessionID); t != nil || err != nil {
		return t, err
	}

	v, err, _ := m.group.Do(sessionID, func() (any, error) {
		if t, err := m.lookup(sessionID); t != nil || err != nil {
			return t, err
		}
		t, err := m.load(ctx, sessionID, true)
		if err != nil {
			return nil, err
		}
		return m.insert(t)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Thread), nil
}

// Get returns an existing thread, rehydrating it if needed, without creating
// one. It returns ErrThreadNotFound for unknown sessions.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Thread, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if t, err := m.lookup(sessionID); t != nil || err != nil {
		return t, err
	}
	v, err, _ := m.group.Do(sessionID, func() (any, error) {
		if t, err := m.lookup(sessionID); t != nil || err != nil {
			return t, err
		}
		t, err := m.load(ctx, sessionID, false)
		if err != nil {
			return nil, err
		}
		return m.insert(t)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Thread), nil
}

// Messages returns the history of an existing session.
func (m *Manager) Messages(ctx context.Context, sessionID string) ([]agent.Message, error) {
	t, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return t.Messages(), nil
}

// Append persists msg and adds it to t. ID and timestamp are assigned when
// missing. Appends to one thread are applied in call order.
func (m *Manager) Append(ctx context.Context, t *Thread, msg agent.Message) (agent.Message, error) {
	if !msg.Role.Valid() {
		return agent.Message{}, fmt.Errorf("invalid message role %q", msg.Role)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now()
	}
	msg = msg.Clone()

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := m.backend.AppendMessage(ctx, t.id, msg); err != nil {
		return agent.Message{}, fmt.Errorf("append to thread %s: %w", t.id, err)
	}
	t.messages = append(t.messages, msg)
	m.touch(t)
	return msg.Clone(), nil
}

// LockSession serializes orchestration calls on a session. It blocks until
// the lock is free or ctx is done. The returned thread is the live one for
// the session. The returned release func is idempotent.
func (m *Manager) LockSession(ctx context.Context, sessionID string) (*Thread, func(), error) {
	for {
		t, err := m.GetOrCreateThread(ctx, sessionID)
		if err != nil {
			return nil, nil, err
		}
		if err := t.lock(ctx); err != nil {
			return nil, nil, err
		}
		if m.isLive(t) {
			var once sync.Once
			return t, func() { once.Do(t.unlock) }, nil
		}
		// evicted or deleted before the lock was ours
		t.unlock()
		m.logger.Debug("locked thread no longer live, retrying", logging.KeySession, sessionID)
	}
}

// Delete removes a session from the live table and the backend.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	if el, ok := m.threads[sessionID]; ok {
		m.lru.Remove(el)
		delete(m.threads, sessionID)
	}
	n := len(m.threads)
	m.mu.Unlock()
	observability.SetActiveThreads(n)

	return m.backend.DeleteThread(ctx, sessionID)
}

// EvictIdle drops live threads unused for longer than the idle TTL and not
// currently running. It returns how many were evicted.
func (m *Manager) EvictIdle() int {
	cutoff := m.now().Add(-m.idleTTL)

	m.mu.Lock()
	n := 0
	for el := m.lru.Back(); el != nil; {
		prev := el.Prev()
		t := el.Value.(*Thread)
		if t.lastAccess.Before(cutoff) && !t.busy() {
			m.lru.Remove(el)
			delete(m.threads, t.id)
			n++
		}
		el = prev
	}
	live := len(m.threads)
	m.mu.Unlock()

	observability.SetActiveThreads(live)
	if n > 0 {
		m.logger.Info("evicted idle threads", "count", n, "live", live)
	}
	return n
}

// Len returns the number of live threads.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.threads)
}

// Ping checks the backend.
func (m *Manager) Ping(ctx context.Context) error {
	return m.backend.Ping(ctx)
}

// Close drops all live threads and closes the backend.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.threads = make(map[string]*list.Element)
	m.lru.Init()
	m.mu.Unlock()
	return m.backend.Close()
}

func (m *Manager) lookup(sessionID string) (*Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	el, ok := m.threads[sessionID]
	if !ok {
		return nil, nil
	}
	t := el.Value.(*Thread)
	t.lastAccess = m.now()
	m.lru.MoveToFront(el)
	return t, nil
}

func (m *Manager) load(ctx context.Context, sessionID string, create bool) (*Thread, error) {
	meta, err := m.backend.LoadThread(ctx, sessionID)
	switch {
	case errors.Is(err, ErrThreadNotFound) && create:
		now := m.now()
		meta = &Metadata{ID: sessionID, CreatedAt: now, UpdatedAt: now}
		if err := m.backend.SaveThread(ctx, meta); err != nil {
			return nil, fmt.Errorf("save thread: %w", err)
		}
		m.logger.Debug("thread created", logging.KeySession, sessionID)
		return newThread(sessionID, now, nil), nil
	case err != nil:
		return nil, err
	}

	msgs, err := m.backend.LoadMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	m.logger.Debug("thread rehydrated", logging.KeySession, sessionID, "messages", len(msgs))
	t := newThread(sessionID, meta.CreatedAt, msgs)
	t.lastAccess = m.now()
	return t, nil
}

func (m *Manager) insert(t *Thread) (*Thread, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if el, ok := m.threads[t.id]; ok {
		m.mu.Unlock()
		return el.Value.(*Thread), nil
	}
	m.threads[t.id] = m.lru.PushFront(t)
	m.evictOverflowLocked()
	n := len(m.threads)
	m.mu.Unlock()

	observability.SetActiveThreads(n)
	return t, nil
}

// evictOverflowLocked drops least recently used idle threads above the cap.
// Busy threads are skipped, so the table may briefly exceed the cap.
func (m *Manager) evictOverflowLocked() {
	for el := m.lru.Back(); el != nil && len(m.threads) > m.maxThreads; {
		prev := el.Prev()
		t := el.Value.(*Thread)
		if !t.busy() {
			m.lru.Remove(el)
			delete(m.threads, t.id)
			m.logger.Debug("thread evicted", logging.KeySession, t.id)
		}
		el = prev
	}
}

// isLive reports whether t is the thread the live table holds for its id.
func (m *Manager) isLive(t *Thread) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.threads[t.id]
	return ok && el.Value.(*Thread) == t
}

func (m *Manager) touch(t *Thread) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.threads[t.id]; ok && el.Value.(*Thread) == t {
		t.lastAccess = m.now()
		m.lru.MoveToFront(el)
	}
}
