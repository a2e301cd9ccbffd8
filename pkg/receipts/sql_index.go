package receipts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLIndex mirrors receipts into a table for lookups by task. It works with
// the sqlite and postgres drivers.
type SQLIndex struct {
	db *sql.DB
}

func NewSQLIndex(db *sql.DB) *SQLIndex {
	return &SQLIndex{db: db}
}

// Migrate creates the receipts table if it does not exist.
func (s *SQLIndex) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS receipts (
			receipt_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			agent TEXT NOT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			ts BIGINT NOT NULL,
			payload_hash TEXT NOT NULL,
			prev_hash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS receipts_task_idx ON receipts (task_id, ts)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("receipts index: migrate: %w", err)
		}
	}
	return nil
}

// Index inserts r. Re-indexing the same receipt id is a no-op.
func (s *SQLIndex) Index(ctx context.Context, r Receipt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO receipts (receipt_id, task_id, agent, action, status, ts, payload_hash, prev_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (receipt_id) DO NOTHING
	`,
		r.ReceiptID,
		r.TaskID,
		r.Agent,
		r.Action,
		string(r.Status),
		r.Timestamp.UnixNano(),
		r.PayloadHash,
		r.PrevHash,
	)
	if err != nil {
		return fmt.Errorf("receipts index: insert %s: %w", r.ReceiptID, err)
	}
	return nil
}

// ByTask returns every receipt for taskID, oldest first.
func (s *SQLIndex) ByTask(ctx context.Context, taskID string) ([]Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT receipt_id, task_id, agent, action, status, ts, payload_hash, prev_hash
		FROM receipts WHERE task_id = $1 ORDER BY ts, receipt_id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("receipts index: query %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Latest returns the most recent receipt for taskID, or nil.
func (s *SQLIndex) Latest(ctx context.Context, taskID string) (*Receipt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT receipt_id, task_id, agent, action, status, ts, payload_hash, prev_hash
		FROM receipts WHERE task_id = $1 ORDER BY ts DESC, receipt_id DESC LIMIT 1
	`, taskID)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReceipt(sc scanner) (Receipt, error) {
	var (
		r      Receipt
		status string
		ts     int64
	)
	if err := sc.Scan(&r.ReceiptID, &r.TaskID, &r.Agent, &r.Action, &status, &ts, &r.PayloadHash, &r.PrevHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Receipt{}, err
		}
		return Receipt{}, fmt.Errorf("receipts index: scan: %w", err)
	}
	r.Status = Status(status)
	r.Timestamp = time.Unix(0, ts).UTC()
	return r, nil
}
