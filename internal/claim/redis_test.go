package claim

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestRedisClaimLifecycle(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	reg := NewRedis(client, 3*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	reg.prefix = "quickdeploy-test:" + uuid.NewString() + ":"
	ctx := context.Background()

	c, ok, err := reg.Acquire(ctx, "dep")
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := reg.Acquire(ctx, "dep"); ok {
		t.Fatal("second acquire should fail")
	}

	// outlive the ttl to prove the heartbeat keeps the lease
	time.Sleep(4 * time.Second)
	if held, _ := reg.Held(ctx, "dep"); !held {
		t.Fatal("heartbeat did not keep the lease")
	}

	if err := reg.Cancel(ctx, "dep"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case <-c.Cancelled():
	case <-time.After(3 * time.Second):
		t.Fatal("holder not signalled")
	}

	c.Release()
	if held, _ := reg.Held(ctx, "dep"); held {
		t.Fatal("lease not released")
	}
	client.Del(ctx, reg.cancelKey("dep"))
}
