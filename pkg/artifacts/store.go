// Package artifacts is the content-addressed store for files an execution
// produces. Every stored blob is described by an evidence.ArtifactRef so the
// execution can fingerprint its output with evidence.Rollup.
package artifacts

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/gatekeeper/pkg/canonicalize"
	"github.com/Mindburn-Labs/gatekeeper/pkg/evidence"
	"github.com/Mindburn-Labs/gatekeeper/pkg/fault"
)

const digestPrefix = "sha256:"

// Store is a content-addressed blob store keyed by "sha256:<hex>" digests.
type Store interface {
	// Put persists data and returns its digest. Storing the same bytes twice
	// is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the blob for digest or an error wrapping fault.ErrNotFound.
	Get(ctx context.Context, digest string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
	Delete(ctx context.Context, digest string) error
}

// Register stores data and returns the reference describing it. path is the
// logical location the step wrote to, not the blob location.
func Register(ctx context.Context, s Store, kind, path, mime string, data []byte) (evidence.ArtifactRef, error) {
	digest, err := s.Put(ctx, data)
	if err != nil {
		return evidence.ArtifactRef{}, fmt.Errorf("register artifact %s: %w", path, err)
	}
	return evidence.ArtifactRef{
		Kind:   kind,
		Path:   path,
		SHA256: strings.TrimPrefix(digest, digestPrefix),
		Mime:   mime,
		Bytes:  int64(len(data)),
	}, nil
}

// Verify re-reads the blob behind ref and checks it still matches the
// recorded digest and size.
func Verify(ctx context.Context, s Store, ref evidence.ArtifactRef) error {
	data, err := s.Get(ctx, digestPrefix+ref.SHA256)
	if err != nil {
		return err
	}
	if canonicalize.HashBytes(data) != ref.SHA256 || int64(len(data)) != ref.Bytes {
		return fmt.Errorf("%w: artifact %s does not match its reference", fault.ErrCorruptedState, ref.Path)
	}
	return nil
}

// blobName validates digest and returns the "<hex>.blob" object name.
func blobName(digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, digestPrefix)
	if !ok {
		return "", fmt.Errorf("invalid digest format: %q", digest)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != 32 {
		return "", fmt.Errorf("invalid digest hex: %q", digest)
	}
	return raw + ".blob", nil
}

// FileStore is a filesystem-backed Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: shared artifact directory
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	digest := canonicalize.PrefixedHash(data)
	name, _ := blobName(digest)
	path := filepath.Join(s.baseDir, name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}
	tmp, err := os.CreateTemp(s.baseDir, name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create blob: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return digest, nil
}

func (s *FileStore) Get(_ context.Context, digest string) ([]byte, error) {
	name, err := blobName(digest)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, name)) //nolint:gosec // digest validated as hex
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: artifact %s", fault.ErrNotFound, digest)
	}
	return data, err
}

func (s *FileStore) Exists(_ context.Context, digest string) (bool, error) {
	name, err := blobName(digest)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.baseDir, name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *FileStore) Delete(_ context.Context, digest string) error {
	name, err := blobName(digest)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(filepath.Join(s.baseDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}
