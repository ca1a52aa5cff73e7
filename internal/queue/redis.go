package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a reliable list queue. Dequeue atomically moves an id onto a
// processing list and Ack removes it, so ids held by a crashed worker can be
// returned to the pending list with Recover.
type Redis struct {
	client     *redis.Client
	pending    string
	processing string
	poll       time.Duration
	closed     atomic.Bool
}

var _ Queue = (*Redis)(nil)

// NewRedis returns a queue stored under name and name+":processing".
func NewRedis(client *redis.Client, name string) *Redis {
	if name == "" {
		name = "build_queue"
	}
	return &Redis{
		client:     client,
		pending:    name,
		processing: name + ":processing",
		poll:       2 * time.Second,
	}
}

// Enqueue pushes the id onto the pending list.
func (r *Redis) Enqueue(ctx context.Context, deploymentID string) error {
	if deploymentID == "" {
		return errors.New("queue: empty deployment id")
	}
	if r.closed.Load() {
		return ErrClosed
	}
	if err := r.client.LPush(ctx, r.pending, deploymentID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", deploymentID, err)
	}
	return nil
}

// Dequeue blocks on BLMOVE in short rounds so cancellation is observed promptly.
func (r *Redis) Dequeue(ctx context.Context) (Job, error) {
	for {
		if r.closed.Load() {
			return Job{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}
		id, err := r.client.BLMove(ctx, r.pending, r.processing, "RIGHT", "LEFT", r.poll).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, fmt.Errorf("dequeue: %w", err)
		}
		return Job{DeploymentID: id, ack: r.acker(id), nack: r.nacker(id)}, nil
	}
}

func (r *Redis) acker(id string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := r.client.LRem(ctx, r.processing, 1, id).Err(); err != nil {
			return fmt.Errorf("ack %s: %w", id, err)
		}
		return nil
	}
}

// nacker moves id from the processing list back to the tail of pending in one
// transaction.
func (r *Redis) nacker(id string) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, r.processing, 1, id)
			pipe.LPush(ctx, r.pending, id)
			return nil
		})
		if err != nil {
			return fmt.Errorf("nack %s: %w", id, err)
		}
		return nil
	}
}

// recoverScript moves one occurrence of an id from processing to the head of
// pending, unless it was acknowledged in the meantime.
var recoverScript = redis.NewScript(`
if redis.call("LREM", KEYS[1], 1, ARGV[1]) == 1 then
	redis.call("RPUSH", KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// Recover returns ids on the processing list to the head of the pending list,
// oldest first, and reports how many were moved. Ids for which held reports a
// live claim belong to running workers and stay where they are.
func (r *Redis) Recover(ctx context.Context, held func(context.Context, string) (bool, error)) (int, error) {
	ids, err := r.client.LRange(ctx, r.processing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list processing: %w", err)
	}
	moved := 0
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		if held != nil {
			live, err := held(ctx, id)
			if err != nil {
				return moved, fmt.Errorf("check claim %s: %w", id, err)
			}
			if live {
				continue
			}
		}
		n, err := recoverScript.Run(ctx, r.client, []string{r.processing, r.pending}, id).Int()
		if err != nil {
			return moved, fmt.Errorf("recover %s: %w", id, err)
		}
		moved += n
	}
	return moved, nil
}

// Len reports the number of pending ids.
func (r *Redis) Len(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, r.pending).Result()
}

// Durable is true: ids live in Redis.
func (r *Redis) Durable() bool { return true }

// Close stops further dequeues. The Redis client is owned by the caller.
func (r *Redis) Close() error {
	r.closed.Store(true)
	return nil
}
