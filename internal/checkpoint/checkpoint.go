// Package checkpoint persists workflow run snapshots so suspended or
// interrupted runs can be resumed, possibly by another process.
//
// Checkpoints are append-only. Each Save writes a new record with the next
// per-run version; records are never updated in place. Load verifies the
// record checksum and fails with a *CorruptionError for a missing,
// tampered or undecodable record. Backend failures such as a closed store
// or an unreachable database are returned as they are.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/orchestra/internal/logging"
	"github.com/aixgo-dev/orchestra/internal/workflow"
	"github.com/aixgo-dev/orchestra/pkg/observability"
)

var (
	// ErrCheckpointNotFound is wrapped when no record matches an id or run.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrDuplicateCheckpoint is returned by backends asked to overwrite a record.
	ErrDuplicateCheckpoint = errors.New("checkpoint already exists")

	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("checkpoint store closed")
)

// CorruptionError reports a checkpoint that cannot be restored.
type CorruptionError struct {
	ID  string
	Err error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("checkpoint %s unusable: %v", e.ID, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// IsCorruption reports whether err is or wraps a *CorruptionError.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

var safeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// validateID rejects ids that could escape a storage directory.
func validateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if len(id) > 256 {
		return errors.New("id too long (max 256 characters)")
	}
	if !safeIDPattern.MatchString(id) {
		return errors.New("id contains invalid characters: only alphanumeric, hyphens, and underscores allowed")
	}
	return nil
}

// Record is one stored checkpoint.
type Record struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Version   int       `json:"version"`
	Data      []byte    `json:"data"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Backend stores records. Implementations must reject a Put whose id
// already exists with ErrDuplicateCheckpoint and return
// ErrCheckpointNotFound for unknown ids or runs.
type Backend interface {
	// Name identifies the backend in metrics.
	Name() string
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	// Latest returns the record of runID with the highest version.
	Latest(ctx context.Context, runID string) (Record, error)
	// Purge deletes every record of runID and returns how many were removed.
	Purge(ctx context.Context, runID string) (int, error)
	// PurgeBefore deletes records created before cutoff.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store saves and restores workflow runs on top of a Backend. It
// implements workflow.Checkpointer.
type Store struct {
	backend Backend
	logger  *slog.Logger

	// serializes version assignment per process
	mu  sync.Mutex
	now func() time.Time
}

var _ workflow.Checkpointer = (*Store)(nil)

// New creates a store over b.
func New(b Backend, opts ...Option) *Store {
	s := &Store{
		backend: b,
		logger:  logging.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "checkpoint").With("store", b.Name())
	return s
}

// Save snapshots run and writes it as the run's next version.
func (s *Store) Save(ctx context.Context, run *workflow.Run) (string, error) {
	status := "error"
	defer func() { observability.RecordCheckpointWrite(s.backend.Name(), status) }()

	if err := validateID(run.ID); err != nil {
		return "", fmt.Errorf("invalid run id: %w", err)
	}
	data, err := run.Snapshot()
	if err != nil {
		return "", fmt.Errorf("snapshot run %s: %w", run.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	version := 1
	latest, err := s.backend.Latest(ctx, run.ID)
	switch {
	case err == nil:
		version = latest.Version + 1
	case errors.Is(err, ErrCheckpointNotFound):
	default:
		return "", fmt.Errorf("read latest checkpoint: %w", err)
	}

	rec := Record{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		Version:   version,
		Data:      data,
		Checksum:  checksum(data),
		CreatedAt: s.now(),
	}
	if err := s.backend.Put(ctx, rec); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	status = "success"
	s.logger.Debug("checkpoint written", "id", rec.ID, logging.KeyRun, run.ID, "version", version, "bytes", len(data))
	return rec.ID, nil
}

// Load restores the run stored under id. Missing, tampered and undecodable
// checkpoints fail with a *CorruptionError; backend errors pass through.
func (s *Store) Load(ctx context.Context, id string) (*workflow.Run, error) {
	if err := validateID(id); err != nil {
		return nil, &CorruptionError{ID: id, Err: err}
	}
	rec, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, readError(id, err)
	}
	return s.restore(rec)
}

// Latest restores the most recent checkpoint of runID.
func (s *Store) Latest(ctx context.Context, runID string) (*workflow.Run, error) {
	if err := validateID(runID); err != nil {
		return nil, &CorruptionError{ID: runID, Err: err}
	}
	rec, err := s.backend.Latest(ctx, runID)
	if err != nil {
		return nil, readError(runID, err)
	}
	return s.restore(rec)
}

// readError classifies a backend read failure. Only a missing or damaged
// record is corruption; anything else may succeed on retry.
func readError(id string, err error) error {
	if IsCorruption(err) {
		return err
	}
	if errors.Is(err, ErrCheckpointNotFound) {
		return &CorruptionError{ID: id, Err: err}
	}
	return fmt.Errorf("read checkpoint %s: %w", id, err)
}

func (s *Store) restore(rec Record) (*workflow.Run, error) {
	if got := checksum(rec.Data); got != rec.Checksum {
		s.logger.Warn("checkpoint checksum mismatch", "id", rec.ID, logging.KeyRun, rec.RunID)
		return nil, &CorruptionError{ID: rec.ID, Err: errors.New("checksum mismatch")}
	}
	run, err := workflow.Restore(rec.Data)
	if err != nil {
		return nil, &CorruptionError{ID: rec.ID, Err: err}
	}
	if run.ID != rec.RunID {
		return nil, &CorruptionError{ID: rec.ID, Err: fmt.Errorf("record run %s holds run %s", rec.RunID, run.ID)}
	}
	run.CheckpointID = rec.ID
	return run, nil
}

// Purge deletes every checkpoint of runID.
func (s *Store) Purge(ctx context.Context, runID string) (int, error) {
	if err := validateID(runID); err != nil {
		return 0, fmt.Errorf("invalid run id: %w", err)
	}
	n, err := s.backend.Purge(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("purge run %s: %w", runID, err)
	}
	s.logger.Debug("checkpoints purged", logging.KeyRun, runID, "count", n)
	return n, nil
}

// PurgeOlderThan deletes checkpoints older than maxAge.
func (s *Store) PurgeOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	n, err := s.backend.PurgeBefore(ctx, s.now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("purge checkpoints: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired checkpoints purged", "count", n, "max_age", maxAge)
	}
	return n, nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
