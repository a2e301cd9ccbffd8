// Package receipts is the append-only audit trail of externally observable
// actions. Each receipt is one NDJSON line whose prev_hash is the SHA-256 of
// the line before it. Editing or removing any line except the last breaks the
// chain; comparing Head against a recorded value covers the tail.
package receipts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/gatekeeper/pkg/canonicalize"
	"github.com/Mindburn-Labs/gatekeeper/pkg/fault"
)

// Status of the action a receipt records.
type Status string

const (
	StatusPending  Status = "Pending"
	StatusExecuted Status = "Executed"
	StatusFailed   Status = "Failed"
)

// Receipt is immutable once appended. A status change is a new receipt with
// the same TaskID.
type Receipt struct {
	ReceiptID   string    `json:"receipt_id"`
	TaskID      string    `json:"task_id"`
	Agent       string    `json:"agent"`
	Action      string    `json:"action"`
	Status      Status    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	PayloadHash string    `json:"payload_hash"`
	PrevHash    string    `json:"prev_hash,omitempty"`
}

// Indexer mirrors appended receipts somewhere queryable.
type Indexer interface {
	Index(ctx context.Context, r Receipt) error
}

// Log appends receipts to an NDJSON file.
type Log struct {
	mu      sync.Mutex
	f       logFile
	last    string
	broken  error
	now     func() time.Time
	indexer Indexer
	log     *slog.Logger
}

// logFile is the part of *os.File a Log writes through.
type logFile interface {
	io.WriteCloser
	Sync() error
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source used when a receipt has no timestamp.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithIndexer mirrors every appended receipt into idx. Index failures are
// logged; the file stays authoritative.
func WithIndexer(idx Indexer) Option {
	return func(l *Log) { l.indexer = idx }
}

// Open opens or creates the log at path. The existing chain is verified so
// new receipts never extend a broken one.
func Open(path string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("receipts: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("receipts: open: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("receipts: seek: %w", err)
	}
	_, last, err := verify(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	l := &Log{
		f:    f,
		last: last,
		now:  func() time.Time { return time.Now().UTC() },
		log:  slog.Default().With("component", "receipts"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Append assigns an id and timestamp if missing, links r to the chain and
// writes it durably. It returns the receipt as written.
func (l *Log) Append(ctx context.Context, r Receipt) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.ReceiptID == "" {
		r.ReceiptID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = l.now()
	}
	r.PrevHash = l.last

	line, err := canonicalize.JCS(r)
	if err != nil {
		return Receipt{}, fmt.Errorf("receipts: encode: %w", err)
	}
	if l.broken != nil {
		return Receipt{}, l.broken
	}
	info, err := l.f.Stat()
	if err != nil {
		return Receipt{}, fmt.Errorf("receipts: stat: %w", err)
	}
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return Receipt{}, l.rollback(info.Size(), fmt.Errorf("receipts: append: %w", err))
	}
	if err := l.f.Sync(); err != nil {
		return Receipt{}, l.rollback(info.Size(), fmt.Errorf("receipts: fsync: %w", err))
	}
	l.last = canonicalize.HashBytes(line)

	if l.indexer != nil {
		if err := l.indexer.Index(ctx, r); err != nil {
			l.log.WarnContext(ctx, "receipt index update failed", "receipt_id", r.ReceiptID, "error", err)
		}
	}
	return r, nil
}

// rollback cuts the file back to size so the on-disk tail matches l.last.
// If that fails the log refuses further appends until reopened, since Open
// re-derives the head from whatever actually reached the file.
func (l *Log) rollback(size int64, cause error) error {
	if err := l.f.Truncate(size); err != nil {
		l.broken = fmt.Errorf("%w: receipts: log tail unknown after failed append: %v", fault.ErrCorruptedState, err)
		l.log.Error("receipt log rollback failed", "error", err, "cause", cause)
		return fmt.Errorf("%w (rollback: %v)", cause, err)
	}
	return cause
}

// Head returns the hash of the last line, or "" for an empty log.
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// VerifyChain reads an NDJSON receipt stream and checks every link. It
// returns the number of receipts read.
func VerifyChain(r io.Reader) (int, error) {
	n, _, err := verify(r)
	return n, err
}

// ReadAll returns every receipt in the log file at path, verifying the chain.
func ReadAll(path string) ([]Receipt, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("receipts: open: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []Receipt
	if _, _, err := scan(f, func(rc Receipt) { out = append(out, rc) }); err != nil {
		return nil, err
	}
	return out, nil
}

func verify(r io.Reader) (int, string, error) {
	return scan(r, nil)
}

func scan(r io.Reader, visit func(Receipt)) (int, string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	prev := ""
	n := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		n++
		var rc Receipt
		if err := json.Unmarshal(line, &rc); err != nil {
			return n, prev, fmt.Errorf("%w: receipt line %d: %v", fault.ErrCorruptedState, n, err)
		}
		if rc.PrevHash != prev {
			return n, prev, fmt.Errorf("%w: receipt line %d: chain broken (prev_hash %q, want %q)", fault.ErrCorruptedState, n, rc.PrevHash, prev)
		}
		if visit != nil {
			visit(rc)
		}
		prev = canonicalize.HashBytes(line)
	}
	if err := sc.Err(); err != nil {
		return n, prev, fmt.Errorf("receipts: read: %w", err)
	}
	return n, prev, nil
}
