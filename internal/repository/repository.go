package repository

import (
	"context"

	"github.com/simerusm/quickdeploy/internal/domain"
)

// ProjectRepository persists saved repository references.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
}

// DeploymentRepository stores deployment records.
//
// UpdateDeploymentStatus must apply the update only when the stored status
// may move to update.Status, and must do so atomically with that check.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context) ([]domain.Deployment, error)
	ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus) ([]domain.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) (*domain.Deployment, error)
	DeleteDeployment(ctx context.Context, deploymentID string) error
	DeploymentMarker(ctx context.Context) (domain.ChangeMarker, error)
}

// Store is the full persistence surface used by the orchestrator.
type Store interface {
	ProjectRepository
	DeploymentRepository
}
