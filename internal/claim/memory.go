package claim

import (
	"context"
	"sync"
	"time"
)

// Memory is a Registry for a single process.
type Memory struct {
	mu        sync.Mutex
	held      map[string]*memoryClaim
	cancelled map[string]time.Time
	tombstone time.Duration
	now       func() time.Time
}

var _ Registry = (*Memory)(nil)

// NewMemory returns a Registry that remembers cancellations for tombstone.
func NewMemory(tombstone time.Duration) *Memory {
	if tombstone <= 0 {
		tombstone = 5 * time.Minute
	}
	return &Memory{
		held:      make(map[string]*memoryClaim),
		cancelled: make(map[string]time.Time),
		tombstone: tombstone,
		now:       time.Now,
	}
}

// Acquire claims the id when nobody else holds it.
func (m *Memory) Acquire(ctx context.Context, deploymentID string) (Claim, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[deploymentID]; ok {
		return nil, false, nil
	}
	c := &memoryClaim{id: deploymentID, registry: m, done: make(chan struct{})}
	m.held[deploymentID] = c
	if at, ok := m.cancelled[deploymentID]; ok {
		if m.now().Sub(at) < m.tombstone {
			c.cancel()
		} else {
			delete(m.cancelled, deploymentID)
		}
	}
	return c, true, nil
}

// Cancel signals the holder of the id, if any, and records a tombstone.
func (m *Memory) Cancel(ctx context.Context, deploymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled[deploymentID] = m.now()
	if c, ok := m.held[deploymentID]; ok {
		c.cancel()
	}
	m.expireLocked()
	return nil
}

// Held reports whether a claim for the id is live.
func (m *Memory) Held(ctx context.Context, deploymentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[deploymentID]
	return ok, nil
}

func (m *Memory) release(c *memoryClaim) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[c.id] == c {
		delete(m.held, c.id)
	}
}

func (m *Memory) expireLocked() {
	now := m.now()
	for id, at := range m.cancelled {
		if now.Sub(at) >= m.tombstone {
			delete(m.cancelled, id)
		}
	}
}

type memoryClaim struct {
	id         string
	registry   *Memory
	done       chan struct{}
	cancelOnce sync.Once
	releaseOne sync.Once
}

func (c *memoryClaim) Cancelled() <-chan struct{} { return c.done }

func (c *memoryClaim) Release() {
	c.releaseOne.Do(func() { c.registry.release(c) })
}

func (c *memoryClaim) cancel() {
	c.cancelOnce.Do(func() { close(c.done) })
}
