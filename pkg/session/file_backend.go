package session

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aixgo-dev/orchestra/agent"
)

// FileBackend implements Backend using JSONL files.
// Storage layout:
//
//	<base>/
//	  └── <hex(session-id)>/
//	      ├── meta.json
//	      └── messages.jsonl
//
// Session ids are hex encoded so arbitrary client ids are safe path
// components.
type FileBackend struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileBackend creates a new file-based storage backend.
// If baseDir is empty, uses ~/.orchestra/threads.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".orchestra", "threads")
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	return &FileBackend{baseDir: baseDir}, nil
}

func (f *FileBackend) dir(sessionID string) string {
	return filepath.Join(f.baseDir, hex.EncodeToString([]byte(sessionID)))
}

// SaveThread implements Backend.
func (f *FileBackend) SaveThread(_ context.Context, meta *Metadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStorageClosed
	}
	return f.writeMeta(meta)
}

func (f *FileBackend) writeMeta(meta *Metadata) error {
	dir := f.dir(meta.ID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create thread directory: %w", err)
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	// write-then-rename so a crash never leaves a torn meta file
	tmp := filepath.Join(dir, "meta.json.tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, "meta.json"))
}

// LoadThread implements Backend.
func (f *FileBackend) LoadThread(_ context.Context, sessionID string) (*Metadata, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrStorageClosed
	}
	return f.readMeta(sessionID)
}

func (f *FileBackend) readMeta(sessionID string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(f.dir(sessionID), "meta.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &meta, nil
}

// DeleteThread implements Backend.
func (f *FileBackend) DeleteThread(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStorageClosed
	}
	return os.RemoveAll(f.dir(sessionID))
}

// AppendMessage implements Backend.
func (f *FileBackend) AppendMessage(_ context.Context, sessionID string, msg agent.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStorageClosed
	}

	meta, err := f.readMeta(sessionID)
	if errors.Is(err, ErrThreadNotFound) {
		meta = &Metadata{ID: sessionID, CreatedAt: msg.Timestamp}
	} else if err != nil {
		return err
	}
	if err := os.MkdirAll(f.dir(sessionID), 0o700); err != nil {
		return fmt.Errorf("create thread directory: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(f.dir(sessionID), "messages.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open messages: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		_ = file.Close()
		return fmt.Errorf("append message: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close messages: %w", err)
	}

	meta.MessageCount++
	meta.UpdatedAt = time.Now().UTC()
	return f.writeMeta(meta)
}

// LoadMessages implements Backend.
func (f *FileBackend) LoadMessages(_ context.Context, sessionID string) ([]agent.Message, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrStorageClosed
	}

	file, err := os.Open(filepath.Join(f.dir(sessionID), "messages.jsonl"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open messages: %w", err)
	}
	defer func() { _ = file.Close() }()

	var msgs []agent.Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var m agent.Message
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	return msgs, nil
}

// Ping implements Backend.
func (f *FileBackend) Ping(context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrStorageClosed
	}
	_, err := os.Stat(f.baseDir)
	return err
}

// Close implements Backend.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
