package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Mindburn-Labs/gatekeeper/pkg/confidence"
)

// BaselineStore remembers the last accepted confidence per step so the next
// run of the same plan has something to compare against.
type BaselineStore interface {
	Previous(ctx context.Context, key string) (*confidence.Snapshot, error)
	Record(ctx context.Context, key string, snap confidence.Snapshot) error
}

func baselineKey(planHash, stepID string) string {
	return planHash + "/" + stepID
}

// MemoryBaselines is a process-local BaselineStore.
type MemoryBaselines struct {
	mu sync.Mutex
	m  map[string]confidence.Snapshot
}

func NewMemoryBaselines() *MemoryBaselines {
	return &MemoryBaselines{m: make(map[string]confidence.Snapshot)}
}

func (b *MemoryBaselines) Previous(_ context.Context, key string) (*confidence.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.m[key]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (b *MemoryBaselines) Record(_ context.Context, key string, snap confidence.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[key] = snap
	return nil
}

// FileBaselines keeps every baseline in one JSON file, rewritten atomically.
type FileBaselines struct {
	mu   sync.Mutex
	path string
}

func NewFileBaselines(path string) (*FileBaselines, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("baselines: create dir: %w", err)
	}
	return &FileBaselines{path: path}, nil
}

func (b *FileBaselines) read() (map[string]confidence.Snapshot, error) {
	m := make(map[string]confidence.Snapshot)
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("baselines: read: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("baselines: decode %s: %w", b.path, err)
	}
	return m, nil
}

func (b *FileBaselines) Previous(_ context.Context, key string) (*confidence.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, err := b.read()
	if err != nil {
		return nil, err
	}
	s, ok := m[key]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (b *FileBaselines) Record(_ context.Context, key string, snap confidence.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, err := b.read()
	if err != nil {
		return err
	}
	m[key] = snap
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("baselines: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".baselines-*")
	if err != nil {
		return fmt.Errorf("baselines: temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("baselines: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("baselines: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("baselines: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		return fmt.Errorf("baselines: rename: %w", err)
	}
	return nil
}
