package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// refresh extends the lease only while the caller still owns it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Registry shared by every API and worker process. A claim is a
// lease key refreshed by a heartbeat; cancellation is a separate marker key
// the heartbeat polls.
type Redis struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	interval  time.Duration
	tombstone time.Duration
	logger    *slog.Logger
}

var _ Registry = (*Redis)(nil)

// NewRedis returns a Registry with leases of ttl.
func NewRedis(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	interval := ttl / 3
	if interval > time.Second {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client:    client,
		prefix:    "quickdeploy:claim:",
		ttl:       ttl,
		interval:  interval,
		tombstone: 5 * time.Minute,
		logger:    logger,
	}
}

func (r *Redis) leaseKey(id string) string  { return r.prefix + id }
func (r *Redis) cancelKey(id string) string { return r.prefix + id + ":cancel" }

// Acquire sets the lease key if absent and starts its heartbeat.
func (r *Redis) Acquire(ctx context.Context, deploymentID string) (Claim, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.leaseKey(deploymentID), token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire claim %s: %w", deploymentID, err)
	}
	if !ok {
		return nil, false, nil
	}

	hbCtx, stop := context.WithCancel(context.Background())
	c := &redisClaim{
		id:       deploymentID,
		token:    token,
		registry: r,
		done:     make(chan struct{}),
		stop:     stop,
		stopped:  make(chan struct{}),
	}
	if n, err := r.client.Exists(ctx, r.cancelKey(deploymentID)).Result(); err == nil && n > 0 {
		c.cancel()
	}
	go c.heartbeat(hbCtx)
	return c, true, nil
}

// Cancel writes the marker key; the holder observes it on its next heartbeat.
func (r *Redis) Cancel(ctx context.Context, deploymentID string) error {
	if err := r.client.Set(ctx, r.cancelKey(deploymentID), "1", r.tombstone).Err(); err != nil {
		return fmt.Errorf("cancel claim %s: %w", deploymentID, err)
	}
	return nil
}

// Held reports whether the lease key exists.
func (r *Redis) Held(ctx context.Context, deploymentID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.leaseKey(deploymentID)).Result()
	if err != nil {
		return false, fmt.Errorf("check claim %s: %w", deploymentID, err)
	}
	return n > 0, nil
}

type redisClaim struct {
	id         string
	token      string
	registry   *Redis
	done       chan struct{}
	stop       context.CancelFunc
	stopped    chan struct{}
	cancelOnce sync.Once
	releaseOne sync.Once
}

func (c *redisClaim) Cancelled() <-chan struct{} { return c.done }

func (c *redisClaim) cancel() {
	c.cancelOnce.Do(func() { close(c.done) })
}

func (c *redisClaim) heartbeat(ctx context.Context) {
	defer close(c.stopped)
	r := c.registry
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		kept, err := refreshScript.Run(ctx, r.client, []string{r.leaseKey(c.id)}, c.token, r.ttl.Milliseconds()).Int()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("claim heartbeat failed", "deployment_id", c.id, "error", err)
			continue
		}
		if kept == 0 {
			r.logger.Warn("claim lost", "deployment_id", c.id)
			c.cancel()
			return
		}
		if n, err := r.client.Exists(ctx, r.cancelKey(c.id)).Result(); err == nil && n > 0 {
			c.cancel()
		}
	}
}

func (c *redisClaim) Release() {
	c.releaseOne.Do(func() {
		c.stop()
		<-c.stopped
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, c.registry.client, []string{c.registry.leaseKey(c.id)}, c.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			c.registry.logger.Warn("release claim failed", "deployment_id", c.id, "error", err)
		}
	})
}
