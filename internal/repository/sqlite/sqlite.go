// Package sqlite stores projects and deployments in a single SQLite file through gorm.
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/simerusm/quickdeploy/internal/domain"
	"github.com/simerusm/quickdeploy/internal/repository"
)

type projectModel struct {
	ID            string `gorm:"primaryKey"`
	Name          string
	RepositoryURL string
	Branch        string
	CreatedAt     time.Time `gorm:"index"`
}

func (projectModel) TableName() string { return "projects" }

type deploymentModel struct {
	ID          string `gorm:"primaryKey"`
	ProjectID   string
	Repository  string
	Branch      string
	CommitHash  string
	Status      string `gorm:"index"`
	Message     string
	Image       string
	URL         string
	ServiceURLs string
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false"`
}

func (deploymentModel) TableName() string { return "deployments" }

// Store implements repository.Store on SQLite.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var _ repository.Store = (*Store)(nil)

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_journal_mode=WAL"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&projectModel{}, &deploymentModel{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateProject inserts a project.
func (s *Store) CreateProject(ctx context.Context, project *domain.Project) error {
	m := projectModel{
		ID:            project.ID,
		Name:          project.Name,
		RepositoryURL: project.RepositoryURL,
		Branch:        project.Branch,
		CreatedAt:     project.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

// GetProjectByID fetches a project.
func (s *Store) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	var m projectModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", projectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	p := m.toDomain()
	return &p, nil
}

// ListProjects returns projects newest first.
func (s *Store) ListProjects(ctx context.Context) ([]domain.Project, error) {
	var models []projectModel
	if err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Project, 0, len(models))
	for _, m := range models {
		out = append(out, m.toDomain())
	}
	return out, nil
}

// CreateDeployment inserts a deployment record.
func (s *Store) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	m, err := fromDeployment(deployment)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

// GetDeploymentByID fetches a deployment.
func (s *Store) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	m, err := s.getDeployment(s.db.WithContext(ctx), deploymentID)
	if err != nil {
		return nil, err
	}
	return m.toDomain()
}

// ListDeployments returns deployments newest first.
func (s *Store) ListDeployments(ctx context.Context) ([]domain.Deployment, error) {
	return s.findDeployments(s.db.WithContext(ctx))
}

// ListDeploymentsByStatus returns deployments in the given status, newest first.
func (s *Store) ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus) ([]domain.Deployment, error) {
	return s.findDeployments(s.db.WithContext(ctx).Where("status = ?", string(status)))
}

// UpdateDeploymentStatus applies a forward status transition inside a transaction.
func (s *Store) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) (*domain.Deployment, error) {
	var result *domain.Deployment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := s.getDeployment(tx, update.DeploymentID)
		if err != nil {
			return err
		}
		d, err := m.toDomain()
		if err != nil {
			return err
		}
		if err := update.Apply(d, s.now()); err != nil {
			return err
		}
		next, err := fromDeployment(d)
		if err != nil {
			return err
		}
		res := tx.Model(&deploymentModel{}).
			Where("id = ? AND status = ?", m.ID, m.Status).
			Select("*").
			Updates(&next)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: concurrent update on %s", domain.ErrInvalidTransition, m.ID)
		}
		result = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteDeployment removes a deployment record.
func (s *Store) DeleteDeployment(ctx context.Context, deploymentID string) error {
	res := s.db.WithContext(ctx).Delete(&deploymentModel{}, "id = ?", deploymentID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeploymentMarker returns the row count and latest update time.
func (s *Store) DeploymentMarker(ctx context.Context) (domain.ChangeMarker, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&deploymentModel{}).Count(&count).Error; err != nil {
		return domain.ChangeMarker{}, err
	}
	marker := domain.ChangeMarker{Count: int(count)}
	if count == 0 {
		return marker, nil
	}
	var latest deploymentModel
	if err := s.db.WithContext(ctx).Order("updated_at DESC").Select("updated_at").First(&latest).Error; err != nil {
		return domain.ChangeMarker{}, err
	}
	marker.LatestUpdate = latest.UpdatedAt.UTC()
	return marker, nil
}

func (s *Store) getDeployment(tx *gorm.DB, id string) (*deploymentModel, error) {
	var m deploymentModel
	if err := tx.First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *Store) findDeployments(tx *gorm.DB) ([]domain.Deployment, error) {
	var models []deploymentModel
	if err := tx.Order("created_at DESC, id DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Deployment, 0, len(models))
	for _, m := range models {
		d, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

func (m projectModel) toDomain() domain.Project {
	return domain.Project{
		ID:            m.ID,
		Name:          m.Name,
		RepositoryURL: m.RepositoryURL,
		Branch:        m.Branch,
		CreatedAt:     m.CreatedAt.UTC(),
	}
}

func fromDeployment(d *domain.Deployment) (deploymentModel, error) {
	m := deploymentModel{
		ID:         d.ID,
		ProjectID:  d.ProjectID,
		Repository: d.Repository,
		Branch:     d.Branch,
		CommitHash: d.CommitHash,
		Status:     string(d.Status),
		Message:    d.Message,
		Image:      d.Image,
		URL:        d.URL,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
	if len(d.ServiceURLs) > 0 {
		raw, err := json.Marshal(d.ServiceURLs)
		if err != nil {
			return deploymentModel{}, fmt.Errorf("encode service urls: %w", err)
		}
		m.ServiceURLs = string(raw)
	}
	return m, nil
}

func (m deploymentModel) toDomain() (*domain.Deployment, error) {
	d := &domain.Deployment{
		ID:         m.ID,
		ProjectID:  m.ProjectID,
		Repository: m.Repository,
		Branch:     m.Branch,
		CommitHash: m.CommitHash,
		Status:     domain.DeploymentStatus(m.Status),
		Message:    m.Message,
		Image:      m.Image,
		URL:        m.URL,
		CreatedAt:  m.CreatedAt.UTC(),
		UpdatedAt:  m.UpdatedAt.UTC(),
	}
	if m.ServiceURLs != "" {
		if err := json.Unmarshal([]byte(m.ServiceURLs), &d.ServiceURLs); err != nil {
			return nil, fmt.Errorf("decode service urls: %w", err)
		}
	}
	return d, nil
}
