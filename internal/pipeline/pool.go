package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/simerusm/quickdeploy/internal/queue"
)

// Processor handles a single queued deployment id.
type Processor interface {
	Process(ctx context.Context, id string) error
}

// Pool runs a fixed number of workers pulling ids from a queue.
type Pool struct {
	queue       queue.Queue
	processor   Processor
	concurrency int
	retryDelay  time.Duration
	logger      *slog.Logger
}

// NewPool builds a pool of concurrency workers.
func NewPool(q queue.Queue, processor Processor, concurrency int, logger *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{queue: q, processor: processor, concurrency: concurrency, retryDelay: time.Second, logger: logger}
}

// Run blocks until ctx ends or the queue is closed.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		worker := i
		g.Go(func() error {
			p.work(ctx, worker)
			return nil
		})
	}
	p.logger.Info("worker pool started", "concurrency", p.concurrency)
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, worker int) {
	log := p.logger.With("worker", worker)
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", "error", err)
			if !sleep(ctx, p.retryDelay) {
				return
			}
			continue
		}

		if err := p.processor.Process(ctx, job.DeploymentID); err != nil {
			if ctx.Err() != nil {
				// Left unacknowledged; recovered from the queue or the store on restart.
				log.Warn("process deployment interrupted", "deployment_id", job.DeploymentID, "error", err)
				return
			}
			log.Error("process deployment failed, requeueing", "deployment_id", job.DeploymentID, "retry_in", p.retryDelay, "error", err)
			if !sleep(ctx, p.retryDelay) {
				return
			}
			nackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := job.Nack(nackCtx); err != nil {
				log.Error("requeue failed", "deployment_id", job.DeploymentID, "error", err)
			}
			cancel()
			continue
		}

		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := job.Ack(ackCtx); err != nil {
			log.Warn("ack failed", "deployment_id", job.DeploymentID, "error", err)
		}
		cancel()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
