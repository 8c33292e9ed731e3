package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBackend keeps records in process. Records are copied in and out.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]Record
	byRun   map[string][]string
	closed  bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[string]Record),
		byRun:   make(map[string][]string),
	}
}

// Name implements Backend.
func (m *MemoryBackend) Name() string { return "memory" }

// Put implements Backend.
func (m *MemoryBackend) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCheckpoint, rec.ID)
	}
	rec.Data = append([]byte(nil), rec.Data...)
	m.records[rec.ID] = rec
	m.byRun[rec.RunID] = append(m.byRun[rec.RunID], rec.ID)
	return nil
}

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Record{}, ErrStoreClosed
	}
	rec, ok := m.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
	}
	rec.Data = append([]byte(nil), rec.Data...)
	return rec, nil
}

// Latest implements Backend.
func (m *MemoryBackend) Latest(_ context.Context, runID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Record{}, ErrStoreClosed
	}
	var (
		latest Record
		found  bool
	)
	for _, id := range m.byRun[runID] {
		if rec := m.records[id]; !found || rec.Version > latest.Version {
			latest, found = rec, true
		}
	}
	if !found {
		return Record{}, fmt.Errorf("%w: run %s", ErrCheckpointNotFound, runID)
	}
	latest.Data = append([]byte(nil), latest.Data...)
	return latest, nil
}

// Purge implements Backend.
func (m *MemoryBackend) Purge(_ context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	ids := m.byRun[runID]
	for _, id := range ids {
		delete(m.records, id)
	}
	delete(m.byRun, runID)
	return len(ids), nil
}

// PurgeBefore implements Backend.
func (m *MemoryBackend) PurgeBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	n := 0
	for runID, ids := range m.byRun {
		kept := ids[:0]
		for _, id := range ids {
			if m.records[id].CreatedAt.Before(cutoff) {
				delete(m.records, id)
				n++
				continue
			}
			kept = append(kept, id)
		}
		if len(kept) == 0 {
			delete(m.byRun, runID)
		} else {
			m.byRun[runID] = kept
		}
	}
	return n, nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
