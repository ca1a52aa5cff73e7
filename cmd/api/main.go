package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/simerusm/quickdeploy/internal/app"
	httpx "github.com/simerusm/quickdeploy/internal/http"
	"github.com/simerusm/quickdeploy/internal/service/deploy"
	"github.com/simerusm/quickdeploy/internal/service/project"
	"github.com/simerusm/quickdeploy/internal/ws"
	"github.com/simerusm/quickdeploy/pkg/config"
	"github.com/simerusm/quickdeploy/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialise infrastructure", "error", err)
		os.Exit(1)
	}
	defer stack.Close()

	var (
		teardown deploy.Teardowner = stack.Cluster
		worker   *app.Worker
	)
	if cfg.EmbedWorkers {
		worker, err = stack.NewWorker(cfg, log)
		if err != nil {
			log.Error("failed to initialise workers", "error", err)
			os.Exit(1)
		}
		teardown = worker.Gateway
		stack.Prepare(ctx, worker, log)
	} else if !stack.Queue.Durable() {
		log.Warn("in-memory queue without embedded workers: deployments will stay queued")
	}

	deploySvc := deploy.New(stack.Store, stack.Queue, stack.Claims, teardown, log, cfg.RecoveryPolicy)
	projectSvc := project.New(stack.Store, deploySvc, log)
	if _, err := deploySvc.Reconcile(ctx); err != nil {
		log.Error("reconcile failed", "error", err)
	}

	hub := ws.NewHub()
	go hub.CloseAll(ctx)
	go ws.NewWatcher(deploySvc, hub, 2*time.Second, log).Run(ctx)

	router := httpx.NewRouter(log, deploySvc, projectSvc, httpx.Options{
		Limiter:   stack.RateLimiter(log),
		RateLimit: cfg.RateLimitPerMinute,
		Hub:       hub,
		Health:    stack.Health,
	})
	defer router.Close()

	poolDone := make(chan struct{})
	if worker != nil {
		go func() {
			defer close(poolDone)
			if err := worker.Pool.Run(ctx); err != nil {
				log.Error("worker pool stopped", "error", err)
			}
		}()
	} else {
		close(poolDone)
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.APIAddr, "embedded_workers", worker != nil)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		<-poolDone
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
			<-poolDone
			stack.Close()
			os.Exit(1)
		}
	}
}
