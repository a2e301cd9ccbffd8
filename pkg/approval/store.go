package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/gatekeeper/pkg/fault"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidID reports whether id is safe to use as a record file name.
func ValidID(id string) bool { return idPattern.MatchString(id) }

// Store is the authoritative home of approval records and completions.
// Load returns errors wrapping fault.ErrNotFound or fault.ErrCorruptedState.
type Store interface {
	Save(ctx context.Context, s *State) error
	Load(ctx context.Context, executionID string) (*State, error)
	// Complete records c and then removes the pending record, if any.
	Complete(ctx context.Context, c *Completion) error
	Completion(ctx context.Context, executionID string) (*Completion, error)
	List(ctx context.Context) ([]string, error)
}

// FileStore keeps one pretty-printed JSON file per execution id under dir and
// completions under dir/completed. Every write goes to a temp file that is
// synced and renamed into place, so readers never see a partial record.
type FileStore struct {
	dir    string
	schema *jsonschema.Schema
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "completed"), 0o750); err != nil {
		return nil, fmt.Errorf("approval store: create dir: %w", err)
	}
	schema, err := compileStateSchema()
	if err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, schema: schema}, nil
}

// Dir returns the records directory.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) statePath(id string) string {
	return filepath.Join(f.dir, id+".json")
}

func (f *FileStore) completionPath(id string) string {
	return filepath.Join(f.dir, "completed", id+".json")
}

func (f *FileStore) Save(_ context.Context, s *State) error {
	if !ValidID(s.ExecutionID) {
		return fmt.Errorf("approval store: invalid execution id %q", s.ExecutionID)
	}
	if s.SchemaVersion == "" {
		s.SchemaVersion = SchemaVersion
	}
	if err := s.Check(); err != nil {
		return err
	}
	return writeJSONAtomic(f.statePath(s.ExecutionID), s)
}

func (f *FileStore) Load(_ context.Context, id string) (*State, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: execution %q", fault.ErrNotFound, id)
	}
	data, err := os.ReadFile(f.statePath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: execution %s", fault.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("approval store: read %s: %w", id, err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: approval %s: %v", fault.ErrCorruptedState, id, err)
	}
	if err := f.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: approval %s: %v", fault.ErrCorruptedState, id, err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: approval %s: %v", fault.ErrCorruptedState, id, err)
	}
	if s.ExecutionID != id {
		return nil, fmt.Errorf("%w: approval file %s holds execution %s", fault.ErrCorruptedState, id, s.ExecutionID)
	}
	if err := s.Check(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (f *FileStore) Complete(_ context.Context, c *Completion) error {
	if !ValidID(c.ExecutionID) {
		return fmt.Errorf("approval store: invalid execution id %q", c.ExecutionID)
	}
	if err := writeJSONAtomic(f.completionPath(c.ExecutionID), c); err != nil {
		return err
	}
	if err := os.Remove(f.statePath(c.ExecutionID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("approval store: consume %s: %w", c.ExecutionID, err)
	}
	return nil
}

func (f *FileStore) Completion(_ context.Context, id string) (*Completion, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: execution %q", fault.ErrNotFound, id)
	}
	data, err := os.ReadFile(f.completionPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: completion %s", fault.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("approval store: read completion %s: %w", id, err)
	}
	var c Completion
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: completion %s: %v", fault.ErrCorruptedState, id, err)
	}
	return &c, nil
}

// List returns the ids of pending and rejected records, sorted.
func (f *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("approval store: list: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := strings.CutSuffix(e.Name(), ".json")
		if ok && ValidID(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("approval store: marshal: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("approval store: create temp: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("approval store: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("approval store: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("approval store: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("approval store: rename: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
