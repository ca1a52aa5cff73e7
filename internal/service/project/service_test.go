package project

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/simerusm/quickdeploy/internal/domain"
	"github.com/simerusm/quickdeploy/internal/repository/memory"
	"github.com/simerusm/quickdeploy/internal/service/deploy"
)

type stubDeployer struct {
	inputs []deploy.CreateInput
}

func (s *stubDeployer) Create(ctx context.Context, input deploy.CreateInput) (*domain.Deployment, error) {
	s.inputs = append(s.inputs, input)
	return &domain.Deployment{ID: "dep-1", ProjectID: input.ProjectID, Repository: input.Repository, Branch: input.Branch, Status: domain.StatusQueued}, nil
}

func newTestService() (Service, *stubDeployer) {
	deployer := &stubDeployer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(memory.New(), deployer, logger), deployer
}

func TestCreateValidatesInput(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	for _, input := range []CreateInput{
		{Name: "", RepositoryURL: "https://github.com/example/app.git"},
		{Name: "app", RepositoryURL: ""},
		{Name: "app", RepositoryURL: "nope nope"},
	} {
		if _, err := svc.Create(ctx, input); !domain.IsValidation(err) {
			t.Fatalf("input %+v: expected validation error, got %v", input, err)
		}
	}
}

func TestCreateDefaultsBranchAndLists(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	project, err := svc.Create(ctx, CreateInput{Name: " shop ", RepositoryURL: "git@github.com:example/shop.git"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if project.Name != "shop" || project.Branch != "main" {
		t.Fatalf("unexpected project %+v", project)
	}
	got, err := svc.Get(ctx, project.ID)
	if err != nil || got.RepositoryURL != project.RepositoryURL {
		t.Fatalf("get: %+v %v", got, err)
	}
	list, err := svc.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %v", list, err)
	}
}

func TestGetUnknownProject(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Get(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected domain.ErrNotFound, got %v", err)
	}
}

func TestDeployUsesProjectRepository(t *testing.T) {
	svc, deployer := newTestService()
	ctx := context.Background()
	project, err := svc.Create(ctx, CreateInput{Name: "shop", RepositoryURL: "https://github.com/example/shop.git", Branch: "release"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	d, err := svc.Deploy(ctx, project.ID, "abc1234")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if d.ProjectID != project.ID {
		t.Fatalf("expected project id on deployment, got %q", d.ProjectID)
	}
	in := deployer.inputs[0]
	if in.Repository != project.RepositoryURL || in.Branch != "release" || in.CommitHash != "abc1234" {
		t.Fatalf("unexpected deploy input %+v", in)
	}
	if _, err := svc.Deploy(ctx, "missing", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
