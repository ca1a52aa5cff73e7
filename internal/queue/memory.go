package queue

import (
	"context"
	"errors"
	"sync"
)

// Memory is an unbounded FIFO queue living in process memory.
type Memory struct {
	mu     sync.Mutex
	items  []string
	notify chan struct{}
	done   chan struct{}
	closed bool
}

var _ Queue = (*Memory)(nil)

// NewMemory returns an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Enqueue appends a deployment id.
func (m *Memory) Enqueue(ctx context.Context, deploymentID string) error {
	if deploymentID == "" {
		return errors.New("queue: empty deployment id")
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.items = append(m.items, deploymentID)
	m.mu.Unlock()
	m.signal()
	return nil
}

// Dequeue removes the oldest id, blocking until one is available.
func (m *Memory) Dequeue(ctx context.Context) (Job, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return Job{}, ErrClosed
		}
		if len(m.items) > 0 {
			id := m.items[0]
			m.items = m.items[1:]
			remaining := len(m.items)
			m.mu.Unlock()
			if remaining > 0 {
				m.signal()
			}
			return Job{DeploymentID: id, nack: func(ctx context.Context) error { return m.Enqueue(ctx, id) }}, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-m.done:
			return Job{}, ErrClosed
		case <-m.notify:
		}
	}
}

// Len reports the number of pending ids.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Durable is false: pending ids are lost on restart.
func (m *Memory) Durable() bool { return false }

// Close wakes blocked consumers with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

func (m *Memory) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
