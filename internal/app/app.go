// Package app assembles the store, broker, cluster and pipeline from Config
// for the api and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/simerusm/quickdeploy/internal/app/migrate"
	"github.com/simerusm/quickdeploy/internal/claim"
	"github.com/simerusm/quickdeploy/internal/docker"
	"github.com/simerusm/quickdeploy/internal/gateway"
	httpx "github.com/simerusm/quickdeploy/internal/http"
	"github.com/simerusm/quickdeploy/internal/pipeline"
	"github.com/simerusm/quickdeploy/internal/queue"
	"github.com/simerusm/quickdeploy/internal/repository"
	"github.com/simerusm/quickdeploy/internal/repository/memory"
	"github.com/simerusm/quickdeploy/internal/repository/postgres"
	"github.com/simerusm/quickdeploy/internal/repository/sqlite"
	"github.com/simerusm/quickdeploy/internal/runtime/kubernetes"
	"github.com/simerusm/quickdeploy/internal/workspace"
	"github.com/simerusm/quickdeploy/pkg/config"
)

const claimTombstone = 10 * time.Minute

// ErrUnknownDriver is returned for an unsupported STORE_DRIVER or QUEUE_DRIVER.
var ErrUnknownDriver = errors.New("unknown driver")

// Stack holds the shared infrastructure of a process.
type Stack struct {
	Store   repository.Store
	Queue   queue.Queue
	Claims  claim.Registry
	Redis   *redis.Client
	Cluster *kubernetes.Manager
	Health  map[string]httpx.HealthCheck

	closers []func()
}

// Open connects the store, the queue and claim registry, and the cluster.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger) (*Stack, error) {
	s := &Stack{Health: make(map[string]httpx.HealthCheck)}
	if err := s.openStore(ctx, cfg, log); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.openBroker(ctx, cfg, log); err != nil {
		s.Close()
		return nil, err
	}
	cluster, err := kubernetes.New(cfg.Kubeconfig, kubernetes.Options{
		Namespace:    cfg.Namespace,
		IngressClass: cfg.IngressClass,
	}, log)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Cluster = cluster
	s.Health["kubernetes"] = cluster.Ping
	return s, nil
}

func (s *Stack) openStore(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	switch cfg.StoreDriver {
	case "memory":
		s.Store = memory.New()
	case "sqlite", "":
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return err
		}
		s.Store = store
		s.closers = append(s.closers, func() { _ = store.Close() })
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			return fmt.Errorf("configure migrations: %w", err)
		}
		if err := runner.Ping(ctx); err != nil {
			return fmt.Errorf("database ping: %w", err)
		}
		if err := runner.Ensure(ctx); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		s.Store = postgres.New(pool)
	default:
		return fmt.Errorf("store %q: %w", cfg.StoreDriver, ErrUnknownDriver)
	}
	store := s.Store
	s.Health["store"] = func(ctx context.Context) error {
		_, err := store.DeploymentMarker(ctx)
		return err
	}
	log.Info("store ready", "driver", cfg.StoreDriver)
	return nil
}

func (s *Stack) openBroker(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	switch cfg.QueueDriver {
	case "memory", "":
		q := queue.NewMemory()
		s.Queue = q
		s.Claims = claim.NewMemory(claimTombstone)
		s.closers = append(s.closers, func() { _ = q.Close() })
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		s.closers = append(s.closers, func() { _ = client.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		q := queue.NewRedis(client, cfg.QueueName)
		s.Redis = client
		s.Queue = q
		s.Claims = claim.NewRedis(client, cfg.ClaimTTL, log)
		s.closers = append(s.closers, func() { _ = q.Close() })
		s.Health["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	default:
		return fmt.Errorf("queue %q: %w", cfg.QueueDriver, ErrUnknownDriver)
	}
	log.Info("queue ready", "driver", cfg.QueueDriver, "durable", s.Queue.Durable())
	return nil
}

// RateLimiter shares limits through Redis when the broker is Redis.
func (s *Stack) RateLimiter(log *slog.Logger) httpx.RateLimiter {
	if s.Redis != nil {
		return httpx.NewRedisRateLimiter(s.Redis, log)
	}
	return httpx.NewMemoryRateLimiter()
}

// Worker is a ready-to-run pipeline.
type Worker struct {
	Runner    *pipeline.Runner
	Pool      *pipeline.Pool
	Gateway   *gateway.Cluster
	Workspace *workspace.Manager
	Docker    *docker.Client
}

// NewWorker builds the gateway, runner and pool on top of the stack.
func (s *Stack) NewWorker(cfg config.Config, log *slog.Logger) (*Worker, error) {
	ws, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	images, err := docker.New(cfg.DockerHost)
	if err != nil {
		return nil, err
	}
	if cfg.RegistryUsername != "" {
		images = images.WithRegistryAuth(cfg.Registry, cfg.RegistryUsername, cfg.RegistryPassword)
	}
	s.closers = append(s.closers, func() { _ = images.Close() })
	s.Health["docker"] = images.Ping

	gw := gateway.New(ws, images, s.Cluster, nil, log)
	runner := pipeline.NewRunner(s.Store, gw, s.Claims, pipeline.NewMetrics(nil), pipeline.Config{
		Registry:           cfg.Registry,
		BaseDomain:         cfg.BaseDomain,
		IngressPort:        cfg.IngressPort,
		BuildTimeout:       cfg.BuildTimeout,
		ReadyTimeout:       cfg.ReadyTimeout,
		PushMaxAttempts:    cfg.PushMaxAttempts,
		PushInitialBackoff: cfg.PushInitialBackoff,
		PushMaxBackoff:     cfg.PushMaxBackoff,
	}, log)
	return &Worker{
		Runner:    runner,
		Pool:      pipeline.NewPool(s.Queue, runner, cfg.WorkerConcurrency, log),
		Gateway:   gw,
		Workspace: ws,
		Docker:    images,
	}, nil
}

// Prepare recovers Redis jobs and working copies that no live claim owns. It runs once before the pool starts.
func (s *Stack) Prepare(ctx context.Context, w *Worker, log *slog.Logger) {
	if rq, ok := s.Queue.(*queue.Redis); ok {
		moved, err := rq.Recover(ctx, s.Claims.Held)
		if err != nil {
			log.Warn("queue recovery failed", "error", err)
		} else if moved > 0 {
			log.Info("requeued in-flight jobs", "count", moved)
		}
	}
	removed, err := w.Workspace.Sweep(func(id string) bool {
		held, err := s.Claims.Held(ctx, id)
		return err != nil || held
	})
	if err != nil {
		log.Warn("workspace sweep failed", "error", err)
	}
	if len(removed) > 0 {
		log.Info("removed stale workspaces", "count", len(removed))
	}
}

// Close releases resources in reverse order of acquisition.
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
