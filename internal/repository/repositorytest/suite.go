// Package repositorytest holds behaviour checks shared by every Store implementation.
package repositorytest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/simerusm/quickdeploy/internal/domain"
	"github.com/simerusm/quickdeploy/internal/repository"
)

// Run exercises a Store. newStore must return an empty store per call.
func Run(t *testing.T, newStore func(t *testing.T) repository.Store) {
	t.Helper()
	t.Run("DeploymentLifecycle", func(t *testing.T) { deploymentLifecycle(t, newStore(t)) })
	t.Run("ListNewestFirst", func(t *testing.T) { listNewestFirst(t, newStore(t)) })
	t.Run("RejectsBackwardTransition", func(t *testing.T) { rejectsBackwardTransition(t, newStore(t)) })
	t.Run("DeleteAndNotFound", func(t *testing.T) { deleteAndNotFound(t, newStore(t)) })
	t.Run("MarkerMoves", func(t *testing.T) { markerMoves(t, newStore(t)) })
	t.Run("Projects", func(t *testing.T) { projects(t, newStore(t)) })
}

func newDeployment(id string, created time.Time) *domain.Deployment {
	return &domain.Deployment{
		ID:         id,
		Repository: "https://example.com/repo.git",
		Branch:     "main",
		Status:     domain.StatusQueued,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func deploymentLifecycle(t *testing.T, store repository.Store) {
	ctx := context.Background()
	created := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.CreateDeployment(ctx, newDeployment("dep-1", created)); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := store.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: "dep-1",
		Status:       domain.StatusBuilding,
		CommitHash:   "abc123",
	}); err != nil {
		t.Fatalf("building: %v", err)
	}

	got, err := store.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: "dep-1",
		Status:       domain.StatusDeployed,
		Image:        "registry/quickdeploy-dep-1:abc123",
		URL:          "app-dep-1.quickdeploy.local",
		ServiceURLs:  map[string]string{"web": "app-dep-1-web.quickdeploy.local"},
	})
	if err != nil {
		t.Fatalf("deployed: %v", err)
	}
	if got.CommitHash != "abc123" {
		t.Fatalf("expected commit preserved, got %q", got.CommitHash)
	}

	stored, err := store.GetDeploymentByID(ctx, "dep-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != domain.StatusDeployed || stored.URL != "app-dep-1.quickdeploy.local" {
		t.Fatalf("unexpected record %+v", stored)
	}
	if stored.ServiceURLs["web"] != "app-dep-1-web.quickdeploy.local" {
		t.Fatalf("service urls not persisted: %v", stored.ServiceURLs)
	}
	if stored.UpdatedAt.Before(stored.CreatedAt) {
		t.Fatalf("updated_at before created_at")
	}

	building, err := store.ListDeploymentsByStatus(ctx, domain.StatusBuilding)
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(building) != 0 {
		t.Fatalf("expected no building records, got %d", len(building))
	}
}

func listNewestFirst(t *testing.T, store repository.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, id := range []string{"old", "mid", "new"} {
		if err := store.CreateDeployment(ctx, newDeployment(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	list, err := store.ListDeployments(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].ID != "new" || list[2].ID != "old" {
		ids := make([]string, 0, len(list))
		for _, d := range list {
			ids = append(ids, d.ID)
		}
		t.Fatalf("unexpected order %v", ids)
	}
}

func rejectsBackwardTransition(t *testing.T, store repository.Store) {
	ctx := context.Background()
	if err := store.CreateDeployment(ctx, newDeployment("dep-2", time.Now().UTC())); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{DeploymentID: "dep-2", Status: domain.StatusDeployed}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("queued -> deployed should be rejected, got %v", err)
	}
	if _, err := store.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{DeploymentID: "dep-2", Status: domain.StatusFailed, Message: "boom"}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := store.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{DeploymentID: "dep-2", Status: domain.StatusBuilding}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("failed -> building should be rejected, got %v", err)
	}
	got, err := store.GetDeploymentByID(ctx, "dep-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusFailed || got.Message != "boom" {
		t.Fatalf("terminal record changed: %+v", got)
	}
}

func deleteAndNotFound(t *testing.T, store repository.Store) {
	ctx := context.Background()
	if err := store.CreateDeployment(ctx, newDeployment("dep-3", time.Now().UTC())); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.DeleteDeployment(ctx, "dep-3"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetDeploymentByID(ctx, "dep-3"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteDeployment(ctx, "dep-3"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if _, err := store.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{DeploymentID: "dep-3", Status: domain.StatusBuilding}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update of deleted record, got %v", err)
	}
}

func markerMoves(t *testing.T, store repository.Store) {
	ctx := context.Background()
	before, err := store.DeploymentMarker(ctx)
	if err != nil {
		t.Fatalf("marker: %v", err)
	}
	if err := store.CreateDeployment(ctx, newDeployment("dep-4", time.Now().UTC())); err != nil {
		t.Fatalf("create: %v", err)
	}
	after, err := store.DeploymentMarker(ctx)
	if err != nil {
		t.Fatalf("marker: %v", err)
	}
	if before.Token() == after.Token() {
		t.Fatalf("marker did not change after create")
	}
	if err := store.DeleteDeployment(ctx, "dep-4"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	final, err := store.DeploymentMarker(ctx)
	if err != nil {
		t.Fatalf("marker: %v", err)
	}
	if final.Token() == after.Token() {
		t.Fatalf("marker did not change after delete")
	}
}

func projects(t *testing.T, store repository.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	first := &domain.Project{ID: "p1", Name: "one", RepositoryURL: "https://example.com/one.git", Branch: "main", CreatedAt: base}
	second := &domain.Project{ID: "p2", Name: "two", RepositoryURL: "https://example.com/two.git", Branch: "dev", CreatedAt: base.Add(time.Minute)}
	for _, p := range []*domain.Project{first, second} {
		if err := store.CreateProject(ctx, p); err != nil {
			t.Fatalf("create project: %v", err)
		}
	}
	got, err := store.GetProjectByID(ctx, "p2")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if got.Branch != "dev" || got.RepositoryURL != second.RepositoryURL {
		t.Fatalf("unexpected project %+v", got)
	}
	if _, err := store.GetProjectByID(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	list, err := store.ListProjects(ctx)
	if err != nil {
		t.Fatalf("list projects: %v", err)
	}
	if len(list) != 2 || list[0].ID != "p2" {
		t.Fatalf("unexpected project order %+v", list)
	}
}
