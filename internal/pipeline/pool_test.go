package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/simerusm/quickdeploy/internal/domain"
	"github.com/simerusm/quickdeploy/internal/queue"
)

type recordingProcessor struct {
	mu   sync.Mutex
	seen []string
	fail map[string]int
	done chan string
}

func (p *recordingProcessor) Process(ctx context.Context, id string) error {
	p.mu.Lock()
	p.seen = append(p.seen, id)
	failing := p.fail[id] > 0
	if failing {
		p.fail[id]--
	}
	p.mu.Unlock()
	defer func() { p.done <- id }()
	if failing {
		return errors.New("store unavailable")
	}
	return nil
}

type ackingQueue struct {
	*queue.Memory
	mu     sync.Mutex
	acked  []string
	nacked []string
}

func (q *ackingQueue) Dequeue(ctx context.Context) (queue.Job, error) {
	job, err := q.Memory.Dequeue(ctx)
	if err != nil {
		return job, err
	}
	id := job.DeploymentID
	ack := func(context.Context) error {
		q.mu.Lock()
		q.acked = append(q.acked, id)
		q.mu.Unlock()
		return nil
	}
	nack := func(ctx context.Context) error {
		q.mu.Lock()
		q.nacked = append(q.nacked, id)
		q.mu.Unlock()
		return q.Memory.Enqueue(ctx, id)
	}
	return queue.NewJob(id, ack, nack), nil
}

func TestPoolProcessesAcksAndRequeuesFailures(t *testing.T) {
	q := &ackingQueue{Memory: queue.NewMemory()}
	proc := &recordingProcessor{fail: map[string]int{"bad": 1}, done: make(chan string, 10)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := NewPool(q, proc, 2, logger)
	pool.retryDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	for _, id := range []string{"a", "bad", "b"} {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	// bad fails once and is delivered again.
	for i := 0; i < 4; i++ {
		select {
		case <-proc.done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for processing")
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		q.mu.Lock()
		n := len(q.acked)
		q.mu.Unlock()
		if n == 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.acked) != 3 {
		t.Fatalf("expected 3 acks, got %v", q.acked)
	}
	if len(q.nacked) != 1 || q.nacked[0] != "bad" {
		t.Fatalf("expected bad to be requeued once, got %v", q.nacked)
	}
}

func TestPoolRedeliversAfterTransientStoreFailure(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "d1", "")
	h.store.failLoads = 1
	q := queue.NewMemory()
	pool := NewPool(q, h.runner, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	pool.retryDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()
	if err := q.Enqueue(ctx, "d1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		d, err := h.store.Store.GetDeploymentByID(ctx, "d1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if d.Status == domain.StatusDeployed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("deployment stuck in %s after a transient load failure", d.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestPoolStopsWhenQueueCloses(t *testing.T) {
	q := queue.NewMemory()
	proc := &recordingProcessor{done: make(chan string, 1)}
	pool := NewPool(q, proc, 3, slog.New(slog.NewTextHandler(io.Discard, nil)))

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after close")
	}
}
