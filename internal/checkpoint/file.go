package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileBackend stores one JSON file per record.
// Storage layout:
//
//	<base>/
//	  └── <run-id>/
//	      └── <checkpoint-id>.json
//
// Run and checkpoint ids are validated before they become path components.
type FileBackend struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileBackend creates a file backend rooted at baseDir.
// If baseDir is empty, uses ~/.orchestra/checkpoints.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".orchestra", "checkpoints")
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &FileBackend{baseDir: baseDir}, nil
}

// Name implements Backend.
func (f *FileBackend) Name() string { return "file" }

// Put implements Backend. The record is written to a temporary file and
// hard-linked into place, so readers never see a partial record and an
// existing id is never replaced.
func (f *FileBackend) Put(_ context.Context, rec Record) error {
	if err := validateID(rec.ID); err != nil {
		return fmt.Errorf("invalid checkpoint id: %w", err)
	}
	if err := validateID(rec.RunID); err != nil {
		return fmt.Errorf("invalid run id: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStoreClosed
	}
	if _, err := f.find(rec.ID); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateCheckpoint, rec.ID)
	}

	dir := filepath.Join(f.baseDir, rec.RunID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Link(tmp.Name(), filepath.Join(dir, rec.ID+".json")); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrDuplicateCheckpoint, rec.ID)
		}
		return fmt.Errorf("link checkpoint: %w", err)
	}
	return nil
}

// find returns the path of the record with id. Callers hold f.mu.
func (f *FileBackend) find(id string) (string, error) {
	// id is validated, so the pattern has no meta characters
	matches, err := filepath.Glob(filepath.Join(f.baseDir, "*", id+".json"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
	}
	return matches[0], nil
}

func readRecord(path string) (Record, error) {
	// G304: path is built from validated ids or os.ReadDir entries
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return Record{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		id := strings.TrimSuffix(filepath.Base(path), ".json")
		return Record{}, &CorruptionError{ID: id, Err: fmt.Errorf("decode checkpoint: %w", err)}
	}
	return rec, nil
}

// Get implements Backend.
func (f *FileBackend) Get(_ context.Context, id string) (Record, error) {
	if err := validateID(id); err != nil {
		return Record{}, fmt.Errorf("invalid checkpoint id: %w", err)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return Record{}, ErrStoreClosed
	}
	path, err := f.find(id)
	if err != nil {
		return Record{}, err
	}
	return readRecord(path)
}

// records returns the paths of every record of runID.
func (f *FileBackend) records(runID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(f.baseDir, runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read run directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		paths = append(paths, filepath.Join(f.baseDir, runID, e.Name()))
	}
	return paths, nil
}

// Latest implements Backend. Unreadable files are skipped so one damaged
// record does not hide the others.
func (f *FileBackend) Latest(_ context.Context, runID string) (Record, error) {
	if err := validateID(runID); err != nil {
		return Record{}, fmt.Errorf("invalid run id: %w", err)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return Record{}, ErrStoreClosed
	}
	paths, err := f.records(runID)
	if err != nil {
		return Record{}, err
	}
	var (
		latest Record
		found  bool
	)
	for _, p := range paths {
		rec, err := readRecord(p)
		if err != nil {
			continue
		}
		if !found || rec.Version > latest.Version {
			latest, found = rec, true
		}
	}
	if !found {
		return Record{}, fmt.Errorf("%w: run %s", ErrCheckpointNotFound, runID)
	}
	return latest, nil
}

// Purge implements Backend.
func (f *FileBackend) Purge(_ context.Context, runID string) (int, error) {
	if err := validateID(runID); err != nil {
		return 0, fmt.Errorf("invalid run id: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrStoreClosed
	}
	paths, err := f.records(runID)
	if err != nil {
		return 0, err
	}
	if err := os.RemoveAll(filepath.Join(f.baseDir, runID)); err != nil {
		return 0, fmt.Errorf("remove run directory: %w", err)
	}
	return len(paths), nil
}

// PurgeBefore implements Backend.
func (f *FileBackend) PurgeBefore(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrStoreClosed
	}
	runs, err := os.ReadDir(f.baseDir)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint directory: %w", err)
	}
	n := 0
	for _, r := range runs {
		if !r.IsDir() || validateID(r.Name()) != nil {
			continue
		}
		paths, err := f.records(r.Name())
		if err != nil {
			return n, err
		}
		remaining := len(paths)
		for _, p := range paths {
			rec, err := readRecord(p)
			if err != nil || !rec.CreatedAt.Before(cutoff) {
				continue
			}
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return n, fmt.Errorf("remove checkpoint: %w", err)
			}
			n++
			remaining--
		}
		if remaining == 0 {
			_ = os.RemoveAll(filepath.Join(f.baseDir, r.Name()))
		}
	}
	return n, nil
}

// Close implements Backend.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
