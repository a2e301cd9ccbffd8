// Package limiter implements token-bucket rate limiting for the inbound
// action boundary, in process or shared through Redis.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy defines a bucket: RPM tokens per minute, up to Burst at once.
type Policy struct {
	RPM   int `yaml:"rpm"`
	Burst int `yaml:"burst"`
}

func (p Policy) perSecond() float64 {
	r := float64(p.RPM) / 60.0
	if r <= 0 {
		r = 1.0
	}
	return r
}

func (p Policy) burst() int {
	if p.Burst <= 0 {
		return 1
	}
	return p.Burst
}

// Store holds buckets keyed by caller identity.
type Store interface {
	// Allow reports whether key may spend cost tokens now.
	Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error)
}

// idleTTL is how long an untouched in-memory bucket is kept.
const idleTTL = 3 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	policy   Policy
	lastSeen time.Time
}

// MemoryStore keeps one rate.Limiter per key in process.
type MemoryStore struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	now       func() time.Time
	lastSweep time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

func (s *MemoryStore) Allow(_ context.Context, key string, policy Policy, cost int) (bool, error) {
	if cost <= 0 {
		cost = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweep(now)

	v, ok := s.visitors[key]
	if !ok || v.policy != policy {
		v = &visitor{
			limiter: rate.NewLimiter(rate.Limit(policy.perSecond()), policy.burst()),
			policy:  policy,
		}
		s.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, cost), nil
}

// sweep drops idle buckets at most once per idleTTL. Callers hold s.mu.
func (s *MemoryStore) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < idleTTL {
		return
	}
	for k, v := range s.visitors {
		if now.Sub(v.lastSeen) > idleTTL {
			delete(s.visitors, k)
		}
	}
	s.lastSweep = now
}

// Len reports the number of live buckets.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visitors)
}

// Check spends one token for key. A nil store fails closed.
func Check(ctx context.Context, store Store, key string, policy Policy) error {
	if store == nil {
		return fmt.Errorf("limiter: no store configured")
	}
	allowed, err := store.Allow(ctx, key, policy, 1)
	if err != nil {
		return fmt.Errorf("limiter: check failed: %w", err)
	}
	if !allowed {
		return fmt.Errorf("%w for %s", ErrLimited, key)
	}
	return nil
}
