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
	"github.com/simerusm/quickdeploy/pkg/config"
	"github.com/simerusm/quickdeploy/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("worker", logger.ParseLevel(cfg.LogLevel))

	if !cfg.UsesRedis() {
		log.Error("standalone workers need QUEUE_DRIVER=redis; use EMBED_WORKERS on the api instead")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialise infrastructure", "error", err)
		os.Exit(1)
	}
	defer stack.Close()

	worker, err := stack.NewWorker(cfg, log)
	if err != nil {
		log.Error("failed to initialise workers", "error", err)
		os.Exit(1)
	}
	if err := worker.Docker.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}
	stack.Prepare(ctx, worker, log)

	srv := &http.Server{
		Addr:              cfg.WorkerAddr,
		Handler:           httpx.NewWorkerRouter(log, stack.Health),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errorCh := make(chan error, 1)
	go func() {
		log.Info("worker health server starting", "addr", cfg.WorkerAddr)
		errorCh <- srv.ListenAndServe()
	}()

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := worker.Pool.Run(ctx); err != nil {
			log.Error("worker pool stopped", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	<-poolDone
	log.Info("worker stopped")
}
