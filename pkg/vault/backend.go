package vault

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/gatekeeper/pkg/fault"
)

// MemoryBackend keeps entries in a process-local map.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]Entry)}
}

func (m *MemoryBackend) Put(_ context.Context, e Entry) error {
	e.Sealed = append([]byte(nil), e.Sealed...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Handle] = e
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, handle string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[handle]
	if !ok {
		return Entry{}, fmt.Errorf("%w: credential %s", fault.ErrNotFound, handle)
	}
	e.Sealed = append([]byte(nil), e.Sealed...)
	return e, nil
}

func (m *MemoryBackend) Delete(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[handle]; !ok {
		return fmt.Errorf("%w: credential %s", fault.ErrNotFound, handle)
	}
	delete(m.entries, handle)
	return nil
}

func (m *MemoryBackend) List(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

// SQLBackend stores entries in a database/sql table. Only ciphertext is
// written. Works with the sqlite and postgres drivers.
type SQLBackend struct {
	db *sql.DB
}

func NewSQLBackend(db *sql.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

// Migrate creates the vault table if it does not exist.
func (s *SQLBackend) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vault_entries (
			handle TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			name TEXT NOT NULL,
			key_version INTEGER NOT NULL,
			sealed TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("vault: migrate: %w", err)
	}
	return nil
}

func (s *SQLBackend) Put(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vault_entries (handle, id, name, key_version, sealed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (handle) DO UPDATE SET
			key_version = EXCLUDED.key_version,
			sealed = EXCLUDED.sealed,
			updated_at = EXCLUDED.updated_at
	`,
		e.Handle,
		e.ID,
		e.Name,
		e.KeyVersion,
		base64.StdEncoding.EncodeToString(e.Sealed),
		e.CreatedAt.UnixNano(),
		e.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *SQLBackend) Get(ctx context.Context, handle string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT handle, id, name, key_version, sealed, created_at, updated_at
		FROM vault_entries WHERE handle = $1
	`, handle)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: credential %s", fault.ErrNotFound, handle)
	}
	return e, err
}

func (s *SQLBackend) Delete(ctx context.Context, handle string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM vault_entries WHERE handle = $1`, handle)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: credential %s", fault.ErrNotFound, handle)
	}
	return nil
}

func (s *SQLBackend) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT handle, id, name, key_version, sealed, created_at, updated_at
		FROM vault_entries
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		e                Entry
		sealed           string
		created, updated int64
	)
	if err := sc.Scan(&e.Handle, &e.ID, &e.Name, &e.KeyVersion, &sealed, &created, &updated); err != nil {
		return Entry{}, err
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: credential %s: %v", fault.ErrCorruptedState, e.Handle, err)
	}
	e.Sealed = raw
	e.CreatedAt = time.Unix(0, created).UTC()
	e.UpdatedAt = time.Unix(0, updated).UTC()
	return e, nil
}
