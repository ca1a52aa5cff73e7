package project

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/simerusm/quickdeploy/internal/domain"
	"github.com/simerusm/quickdeploy/internal/repository"
	"github.com/simerusm/quickdeploy/internal/service/deploy"
)

// CreateInput encapsulates project creation attributes.
type CreateInput struct {
	Name          string `json:"name"`
	RepositoryURL string `json:"repository_url"`
	Branch        string `json:"branch"`
}

// Deployer launches deployments.
type Deployer interface {
	Create(ctx context.Context, input deploy.CreateInput) (*domain.Deployment, error)
}

// Service manages saved repository references.
type Service struct {
	projects repository.ProjectRepository
	deployer Deployer
	logger   *slog.Logger
}

// New returns a project service.
func New(projects repository.ProjectRepository, deployer Deployer, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{projects: projects, deployer: deployer, logger: logger}
}

// Create registers a new project.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Project, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, &domain.ValidationError{Field: "name", Reason: "is required"}
	}
	if len(name) > 100 {
		return nil, &domain.ValidationError{Field: "name", Reason: "must be at most 100 characters"}
	}
	repoURL, branch, err := deploy.ValidateRepository(input.RepositoryURL, input.Branch)
	if err != nil {
		return nil, err
	}
	project := &domain.Project{
		ID:            uuid.NewString(),
		Name:          name,
		RepositoryURL: repoURL,
		Branch:        branch,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.projects.CreateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	s.logger.Info("project created", "project_id", project.ID, "repository", project.RepositoryURL)
	return project, nil
}

// List returns every project, newest first.
func (s Service) List(ctx context.Context) ([]domain.Project, error) {
	return s.projects.ListProjects(ctx)
}

// Get returns project details by identifier.
func (s Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, &domain.ValidationError{Field: "id", Reason: "is required"}
	}
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
		}
		return nil, err
	}
	return project, nil
}

// Deploy launches a deployment of the project's repository and branch.
// commitHash may be empty to build the branch tip.
func (s Service) Deploy(ctx context.Context, projectID, commitHash string) (*domain.Deployment, error) {
	project, err := s.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return s.deployer.Create(ctx, deploy.CreateInput{
		Repository: project.RepositoryURL,
		Branch:     project.Branch,
		CommitHash: commitHash,
		ProjectID:  project.ID,
	})
}
