package postgres

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/simerusm/quickdeploy/internal/app/migrate"
	"github.com/simerusm/quickdeploy/internal/repository"
	"github.com/simerusm/quickdeploy/internal/repository/repositorytest"
)

func TestRepository(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	runner, err := migrate.New(pool, dsn, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("migrate runner: %v", err)
	}
	if err := runner.Ensure(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	repositorytest.Run(t, func(t *testing.T) repository.Store {
		if _, err := pool.Exec(ctx, `TRUNCATE deployments, projects`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return New(pool)
	})
}
