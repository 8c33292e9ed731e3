// Package memory keeps per-session conversational memory with semantic
// recall.
//
// Entries are persisted synchronously to a kv.Store under
// "<session>/<entry-id>", with an ordered index per session. Embeddings are
// computed in the background; QueryRelevant embeds any entry that is not
// ready yet on demand, so recall never misses a stored entry.
package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/aixgo-dev/orchestra/agent"
	"github.com/aixgo-dev/orchestra/internal/logging"
	"github.com/aixgo-dev/orchestra/pkg/embeddings"
	"github.com/aixgo-dev/orchestra/pkg/memory/kv"
)

const (
	indexSuffix = "_index"

	// DefaultConcurrentEmbeds bounds background embedding calls.
	DefaultConcurrentEmbeds = 4

	embedTimeout = 30 * time.Second

	// lockStripes is the number of index write locks shared by all sessions.
	lockStripes = 64
)

// Entry is one remembered message.
type Entry struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Seq       int64      `json:"seq"`
	Role      agent.Role `json:"role"`
	Content   string     `json:"content"`
	Agent     string     `json:"agent,omitempty"`
	Timestamp time.Time  `json:"timestamp"`

	Embedding []float32 `json:"embedding,omitempty"`

	// Score is the similarity to the query, set by QueryRelevant only.
	Score float64 `json:"-"`
}

type index struct {
	IDs []string `json:"ids"`
}

// Option configures a Store.
type Option func(*Store)

// WithEmbedder sets the embedding service. The default is a local hashing
// embedder.
func WithEmbedder(e embeddings.EmbeddingService) Option {
	return func(s *Store) {
		if e != nil {
			s.embedder = e
		}
	}
}

// WithTTL expires entries after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithConcurrentEmbeds bounds background embedding calls.
func WithConcurrentEmbeds(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store is the conversational memory. It is safe for concurrent use.
type Store struct {
	kv       kv.Store
	embedder embeddings.EmbeddingService
	ttl      time.Duration
	sem      *semaphore.Weighted
	logger   *slog.Logger

	locks [lockStripes]sync.Mutex

	pending sync.WaitGroup
}

// New creates a memory store on top of store.
func New(store kv.Store, opts ...Option) *Store {
	s := &Store{
		kv:       store,
		embedder: embeddings.NewHashEmbeddings(embeddings.DefaultHashDimensions),
		sem:      semaphore.NewWeighted(DefaultConcurrentEmbeds),
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "memory")
	return s
}

// sessionLock guards a session's index. Sessions share a fixed set of
// stripes, so the lock table does not grow with the number of sessions.
func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	return &s.locks[lockStripe(sessionID)]
}

func lockStripe(sessionID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % lockStripes)
}

func entryKey(sessionID, id string) string { return sessionID + "/" + id }
func indexKey(sessionID string) string     { return sessionID + "/" + indexSuffix }

// StoreMessage appends an entry to the session's memory and schedules its
// embedding. The entry is durable when StoreMessage returns.
func (s *Store) StoreMessage(ctx context.Context, sessionID string, role agent.Role, content, agentKey string) (Entry, error) {
	if sessionID == "" {
		return Entry{}, errors.New("session id is required")
	}
	if !role.Valid() {
		return Entry{}, fmt.Errorf("invalid role %q", role)
	}

	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	idx, err := s.loadIndex(ctx, sessionID)
	if err != nil {
		return Entry{}, err
	}

	e := Entry{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Seq:       int64(len(idx.IDs)) + 1,
		Role:      role,
		Content:   content,
		Agent:     agentKey,
		Timestamp: time.Now().UTC(),
	}
	if err := s.putEntry(ctx, e); err != nil {
		return Entry{}, err
	}
	idx.IDs = append(idx.IDs, e.ID)
	if err := s.putJSON(ctx, indexKey(sessionID), idx); err != nil {
		return Entry{}, fmt.Errorf("write index: %w", err)
	}

	s.pending.Add(1)
	go s.embedAsync(context.WithoutCancel(ctx), e)
	return e, nil
}

func (s *Store) embedAsync(ctx context.Context, e Entry) {
	defer s.pending.Done()

	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	if _, err := s.ensureEmbedding(ctx, &e); err != nil {
		s.logger.Warn("background embedding failed", logging.KeySession, e.SessionID, "entry", e.ID, "error", err)
	}
}

// ensureEmbedding fills e.Embedding if missing and persists it. It reports
// whether the entry was embedded.
func (s *Store) ensureEmbedding(ctx context.Context, e *Entry) (bool, error) {
	if len(e.Embedding) == s.embedder.Dimensions() {
		return false, nil
	}
	vec, err := s.embedder.Embed(ctx, e.Content)
	if err != nil {
		return false, fmt.Errorf("embed entry %s: %w", e.ID, err)
	}
	e.Embedding = vec
	if err := s.putEntry(ctx, *e); err != nil {
		return true, err
	}
	return true, nil
}

// Flush waits for background embeddings to finish or ctx to be done.
func (s *Store) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueryRelevant returns at most topK entries of the session ordered by
// descending cosine similarity to content. Equal scores favour the more
// recent entry.
func (s *Store) QueryRelevant(ctx context.Context, sessionID, content string, topK int) ([]Entry, error) {
	if topK <= 0 {
		return nil, nil
	}
	entries, err := s.entries(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	query, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	for i := range entries {
		if _, err := s.ensureEmbedding(ctx, &entries[i]); err != nil && len(entries[i].Embedding) == 0 {
			return nil, err
		}
		entries[i].Score = embeddings.CosineSimilarity(query, entries[i].Embedding)
	}

	slices.SortFunc(entries, func(a, b Entry) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(b.Seq, a.Seq)
	})
	if len(entries) > topK {
		entries = entries[:topK]
	}
	return entries, nil
}

// Recent returns the last n entries in chronological order.
func (s *Store) Recent(ctx context.Context, sessionID string, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	return s.entries(ctx, sessionID, n)
}

// Clear forgets every entry of a session.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	idx, err := s.loadIndex(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, id := range idx.IDs {
		if err := s.kv.Delete(ctx, entryKey(sessionID, id)); err != nil {
			return err
		}
	}
	return s.kv.Delete(ctx, indexKey(sessionID))
}

// Close waits for background work and closes the underlying store.
func (s *Store) Close() error {
	s.pending.Wait()
	return s.kv.Close()
}

// entries loads the session's entries in sequence order; tail > 0 limits the
// result to the last tail entries. Expired entries are skipped.
func (s *Store) entries(ctx context.Context, sessionID string, tail int) ([]Entry, error) {
	idx, err := s.loadIndex(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ids := idx.IDs
	if tail > 0 && len(ids) > tail {
		ids = ids[len(ids)-tail:]
	}

	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		var e Entry
		err := s.getJSON(ctx, entryKey(sessionID, id), &e)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load entry %s: %w", id, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) loadIndex(ctx context.Context, sessionID string) (*index, error) {
	var idx index
	err := s.getJSON(ctx, indexKey(sessionID), &idx)
	if errors.Is(err, kv.ErrNotFound) {
		return &index{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	return &idx, nil
}

func (s *Store) putEntry(ctx context.Context, e Entry) error {
	if err := s.putJSON(ctx, entryKey(e.SessionID, e.ID), e); err != nil {
		return fmt.Errorf("write entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, key, data, s.ttl)
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
