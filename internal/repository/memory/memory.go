package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/simerusm/quickdeploy/internal/domain"
	"github.com/simerusm/quickdeploy/internal/repository"
)

// Store keeps projects and deployments in process memory.
type Store struct {
	mu          sync.RWMutex
	projects    map[string]domain.Project
	deployments map[string]domain.Deployment
	now         func() time.Time
}

var _ repository.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		projects:    make(map[string]domain.Project),
		deployments: make(map[string]domain.Deployment),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used for updated_at. Intended for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// CreateProject inserts a project.
func (s *Store) CreateProject(ctx context.Context, project *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[project.ID]; ok {
		return fmt.Errorf("project %s already exists", project.ID)
	}
	s.projects[project.ID] = *project
	return nil
}

// GetProjectByID fetches a project.
func (s *Store) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

// ListProjects returns projects newest first.
func (s *Store) ListProjects(ctx context.Context) ([]domain.Project, error) {
	s.mu.RLock()
	out := make([]domain.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// CreateDeployment inserts a deployment record.
func (s *Store) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[deployment.ID]; ok {
		return fmt.Errorf("deployment %s already exists", deployment.ID)
	}
	s.deployments[deployment.ID] = deployment.Clone()
	return nil
}

// GetDeploymentByID fetches a deployment.
func (s *Store) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := d.Clone()
	return &out, nil
}

// ListDeployments returns deployments newest first.
func (s *Store) ListDeployments(ctx context.Context) ([]domain.Deployment, error) {
	return s.list(func(domain.Deployment) bool { return true }), nil
}

// ListDeploymentsByStatus returns deployments in the given status, newest first.
func (s *Store) ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus) ([]domain.Deployment, error) {
	return s.list(func(d domain.Deployment) bool { return d.Status == status }), nil
}

func (s *Store) list(keep func(domain.Deployment) bool) []domain.Deployment {
	s.mu.RLock()
	out := make([]domain.Deployment, 0, len(s.deployments))
	for _, d := range s.deployments {
		if keep(d) {
			out = append(out, d.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// UpdateDeploymentStatus applies a forward status transition.
func (s *Store) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[update.DeploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if err := update.Apply(&d, s.now()); err != nil {
		return nil, err
	}
	s.deployments[d.ID] = d
	out := d.Clone()
	return &out, nil
}

// DeleteDeployment removes a deployment record.
func (s *Store) DeleteDeployment(ctx context.Context, deploymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[deploymentID]; !ok {
		return repository.ErrNotFound
	}
	delete(s.deployments, deploymentID)
	return nil
}

// DeploymentMarker summarises the deployment set.
func (s *Store) DeploymentMarker(ctx context.Context) (domain.ChangeMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	marker := domain.ChangeMarker{Count: len(s.deployments)}
	for _, d := range s.deployments {
		if d.UpdatedAt.After(marker.LatestUpdate) {
			marker.LatestUpdate = d.UpdatedAt
		}
	}
	return marker, nil
}
