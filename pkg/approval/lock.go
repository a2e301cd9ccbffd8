package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned by TryLock when another writer holds the id.
var ErrLocked = errors.New("approval: execution is locked by another writer")

// Locker serializes writers per execution id.
type Locker interface {
	// TryLock acquires the lock for id without waiting. It returns ErrLocked
	// if another writer holds it.
	TryLock(ctx context.Context, id string) (unlock func(), err error)
}

// Lock polls l until the lock for id is acquired or ctx is done.
func Lock(ctx context.Context, l Locker, id string) (func(), error) {
	const poll = 20 * time.Millisecond
	for {
		unlock, err := l.TryLock(ctx, id)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("approval: waiting for lock on %s: %w", id, ctx.Err())
		case <-time.After(poll):
		}
	}
}

// FileLocker uses O_EXCL lock files holding a random owner token. The holder
// refreshes the file's mtime every TTL/3; a lock not refreshed for TTL is
// treated as left behind by a crashed writer and broken. Release removes the
// file only while it still carries the holder's token.
type FileLocker struct {
	dir string
	ttl time.Duration
}

// NewFileLocker stores lock files under dir.
func NewFileLocker(dir string, ttl time.Duration) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("approval lock: create dir: %w", err)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &FileLocker{dir: dir, ttl: ttl}, nil
}

func (l *FileLocker) TryLock(_ context.Context, id string) (func(), error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("approval lock: invalid execution id %q", id)
	}
	path := filepath.Join(l.dir, id+".lock")
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%s %d\n", token, os.Getpid())
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("approval lock: write: %w", werr)
			}
			stop := keepAlive(l.ttl, func() bool {
				if owner, err := readLockToken(path); err != nil || owner != token {
					return false
				}
				now := time.Now()
				return os.Chtimes(path, now, now) == nil
			})
			var once sync.Once
			return func() {
				once.Do(func() {
					stop()
					removeIfOwner(path, token)
				})
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("approval lock: %w", err)
		}
		info, statErr := os.Stat(path)
		if errors.Is(statErr, os.ErrNotExist) {
			continue
		}
		if statErr != nil || time.Since(info.ModTime()) < l.ttl {
			break
		}
		stale, err := readLockToken(path)
		if err != nil {
			break
		}
		removeIfOwner(path, stale)
	}
	return nil, ErrLocked
}

func readLockToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", errors.New("approval lock: empty lock file")
	}
	return fields[0], nil
}

func removeIfOwner(path, token string) {
	if owner, err := readLockToken(path); err == nil && owner == token {
		_ = os.Remove(path)
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("approval lock: token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// keepAlive calls renew every ttl/3 until the returned stop func is called
// or renew reports the lease lost. stop waits for the renewer to exit.
func keepAlive(ttl time.Duration, renew func() bool) (stop func()) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-quit:
				return
			case <-t.C:
				if !renew() {
					return
				}
			}
		}
	}()
	return func() {
		close(quit)
		<-done
	}
}

// MemoryLocker serializes writers within one process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]bool)}
}

func (l *MemoryLocker) TryLock(_ context.Context, id string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[id] {
		return nil, ErrLocked
	}
	l.held[id] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, id)
			l.mu.Unlock()
		})
	}, nil
}

// renewScript extends the key's expiry only if it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds locks as SET NX PX keys so several gatekeeper processes
// can share one approvals directory. The holder renews the expiry every
// TTL/3 while it holds the lock.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisLocker uses client for locks that expire after ttl.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl, prefix: "gatekeeper:lock:"}
}

func (l *RedisLocker) TryLock(ctx context.Context, id string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	key := l.prefix + id

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("approval lock: redis: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	ttlMillis := l.ttl.Milliseconds()
	stop := keepAlive(l.ttl, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := renewScript.Run(ctx, l.client, []string{key}, token, ttlMillis).Int()
		// A failed round trip is retried on the next tick; only a lost key ends renewal.
		return err != nil || n == 1
	})
	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
		})
	}, nil
}
