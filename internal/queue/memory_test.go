package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryFIFO(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		job, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if job.DeploymentID != want {
			t.Fatalf("expected %s, got %s", want, job.DeploymentID)
		}
		if err := job.Ack(ctx); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
}

func TestMemoryDequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewMemory()
	got := make(chan string, 1)
	go func() {
		job, err := q.Dequeue(context.Background())
		if err == nil {
			got <- job.DeploymentID
		}
	}()

	select {
	case id := <-got:
		t.Fatalf("dequeue returned %s before enqueue", id)
	case <-time.After(50 * time.Millisecond):
	}

	if err := q.Enqueue(context.Background(), "late"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case id := <-got:
		if id != "late" {
			t.Fatalf("expected late, got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake")
	}
}

func TestMemoryWakesEveryWaiter(t *testing.T) {
	q := NewMemory()
	const workers = 4
	var wg sync.WaitGroup
	results := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			job, err := q.Dequeue(ctx)
			if err != nil {
				return
			}
			results <- job.DeploymentID
		}()
	}
	time.Sleep(20 * time.Millisecond)
	for _, id := range []string{"1", "2", "3", "4"} {
		if err := q.Enqueue(context.Background(), id); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	wg.Wait()
	close(results)
	seen := map[string]bool{}
	for id := range results {
		seen[id] = true
	}
	if len(seen) != workers {
		t.Fatalf("expected %d distinct deliveries, got %v", workers, seen)
	}
}

func TestMemoryCancelAndClose(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := q.Enqueue(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on enqueue, got %v", err)
	}
}

func TestMemoryNackRequeuesAtBack(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := job.Nack(ctx); err != nil {
		t.Fatalf("nack: %v", err)
	}
	for _, want := range []string{"b", "a"} {
		job, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if job.DeploymentID != want {
			t.Fatalf("expected %s, got %s", want, job.DeploymentID)
		}
	}
}
