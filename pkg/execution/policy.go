package execution

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Mindburn-Labs/gatekeeper/pkg/skills"
)

// PolicySource returns the skill gate currently in force. Approve compares
// its snapshot hash with the one recorded at suspension.
type PolicySource interface {
	Gate(ctx context.Context) (*skills.Gate, error)
}

// StaticPolicy serves a snapshot held in memory until replaced with Set.
type StaticPolicy struct {
	mu   sync.RWMutex
	gate *skills.Gate
}

func NewStaticPolicy(snap *skills.Snapshot) (*StaticPolicy, error) {
	p := &StaticPolicy{}
	if err := p.Set(snap); err != nil {
		return nil, err
	}
	return p, nil
}

// Set replaces the snapshot.
func (p *StaticPolicy) Set(snap *skills.Snapshot) error {
	g, err := skills.NewGate(snap)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.gate = g
	p.mu.Unlock()
	return nil
}

func (p *StaticPolicy) Gate(context.Context) (*skills.Gate, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.gate, nil
}

// FilePolicy reads a skills lock file and reloads it whenever its size or
// modification time changes.
type FilePolicy struct {
	path string

	mu   sync.Mutex
	mod  time.Time
	size int64
	gate *skills.Gate
}

func NewFilePolicy(path string) *FilePolicy {
	return &FilePolicy{path: path}
}

func (p *FilePolicy) Gate(context.Context) (*skills.Gate, error) {
	fi, err := os.Stat(p.path)
	if err != nil {
		return nil, fmt.Errorf("execution: skills lock: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gate != nil && fi.ModTime().Equal(p.mod) && fi.Size() == p.size {
		return p.gate, nil
	}
	snap, err := skills.Load(p.path)
	if err != nil {
		return nil, err
	}
	g, err := skills.NewGate(snap)
	if err != nil {
		return nil, err
	}
	p.gate, p.mod, p.size = g, fi.ModTime(), fi.Size()
	return g, nil
}

func lockHash(g *skills.Gate) (string, error) {
	if g == nil || g.Snapshot() == nil {
		return "", nil
	}
	return g.Snapshot().SHA256()
}
