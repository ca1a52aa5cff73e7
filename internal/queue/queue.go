// Package queue carries deployment ids from the API to pipeline workers with
// at-least-once delivery.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("queue: closed")

// Job is one delivery of a deployment id. Ack must be called once the
// delivery has been handled; unacknowledged jobs may be delivered again.
// Nack hands the id back for another delivery.
type Job struct {
	DeploymentID string
	ack          func(context.Context) error
	nack         func(context.Context) error
}

// NewJob builds a Job with custom acknowledgements. Useful for fakes.
func NewJob(id string, ack, nack func(context.Context) error) Job {
	return Job{DeploymentID: id, ack: ack, nack: nack}
}

// Ack confirms the job was handled.
func (j Job) Ack(ctx context.Context) error {
	if j.ack == nil {
		return nil
	}
	return j.ack(ctx)
}

// Nack returns the job to the back of the queue.
func (j Job) Nack(ctx context.Context) error {
	if j.nack == nil {
		return nil
	}
	return j.nack(ctx)
}

// Queue is the contract shared by the in-memory and Redis implementations.
type Queue interface {
	Enqueue(ctx context.Context, deploymentID string) error
	// Dequeue blocks until a job is available, ctx ends or the queue closes.
	Dequeue(ctx context.Context) (Job, error)
	// Durable reports whether pending jobs survive a process restart.
	Durable() bool
	Close() error
}
