package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/simerusm/quickdeploy/internal/domain"
	"github.com/simerusm/quickdeploy/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
)

const deploymentColumns = `id, project_id, repository, branch, commit_hash, status, message, image, url, service_urls, created_at, updated_at`

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, name, repository_url, branch, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, project.ID, project.Name, project.RepositoryURL, project.Branch, project.CreatedAt)
	return err
}

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, name, repository_url, branch, created_at FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.RepositoryURL, &p.Branch, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListProjects returns projects newest first.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT id, name, repository_url, branch, created_at
		FROM projects ORDER BY created_at DESC, id DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.RepositoryURL, &p.Branch, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	serviceURLs, err := encodeServiceURLs(deployment.ServiceURLs)
	if err != nil {
		return err
	}
	const query = `INSERT INTO deployments (` + deploymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = r.pool.Exec(ctx, query,
		deployment.ID,
		emptyToNil(deployment.ProjectID),
		deployment.Repository,
		deployment.Branch,
		deployment.CommitHash,
		string(deployment.Status),
		deployment.Message,
		deployment.Image,
		deployment.URL,
		serviceURLs,
		deployment.CreatedAt,
		deployment.UpdatedAt,
	)
	return err
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// ListDeployments returns all deployments newest first.
func (r *Repository) ListDeployments(ctx context.Context) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments ORDER BY created_at DESC, id DESC`
	return r.queryDeployments(ctx, query)
}

// ListDeploymentsByStatus returns deployments in the given status, newest first.
func (r *Repository) ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE status = $1 ORDER BY created_at DESC, id DESC`
	return r.queryDeployments(ctx, query, string(status))
}

// UpdateDeploymentStatus applies a forward status transition in a single statement.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) (*domain.Deployment, error) {
	update = update.Normalize()
	allowed := domain.AllowedFrom(update.Status)
	from := make([]string, 0, len(allowed))
	for _, s := range allowed {
		from = append(from, string(s))
	}
	serviceURLs, err := encodeServiceURLs(update.ServiceURLs)
	if err != nil {
		return nil, err
	}

	const query = `UPDATE deployments
		SET status = $2,
			message = $3,
			commit_hash = COALESCE($4, commit_hash),
			image = COALESCE($5, image),
			url = $6,
			service_urls = $7,
			updated_at = GREATEST(NOW(), created_at)
		WHERE id = $1 AND status = ANY($8)
		RETURNING ` + deploymentColumns
	d, err := scanDeployment(r.pool.QueryRow(ctx, query,
		update.DeploymentID,
		string(update.Status),
		update.Message,
		emptyToNil(update.CommitHash),
		emptyToNil(update.Image),
		update.URL,
		serviceURLs,
		from,
	))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	current, getErr := r.GetDeploymentByID(ctx, update.DeploymentID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.Status, update.Status)
}

// DeleteDeployment removes a deployment record.
func (r *Repository) DeleteDeployment(ctx context.Context, deploymentID string) error {
	const query = `DELETE FROM deployments WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, deploymentID)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeploymentMarker returns the row count and latest update time.
func (r *Repository) DeploymentMarker(ctx context.Context) (domain.ChangeMarker, error) {
	const query = `SELECT COUNT(1), COALESCE(MAX(updated_at), to_timestamp(0)) FROM deployments`
	var marker domain.ChangeMarker
	if err := r.pool.QueryRow(ctx, query).Scan(&marker.Count, &marker.LatestUpdate); err != nil {
		return domain.ChangeMarker{}, err
	}
	return marker, nil
}

func (r *Repository) queryDeployments(ctx context.Context, query string, args ...any) ([]domain.Deployment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		d           domain.Deployment
		projectID   *string
		status      string
		serviceURLs []byte
	)
	if err := row.Scan(&d.ID, &projectID, &d.Repository, &d.Branch, &d.CommitHash, &status, &d.Message, &d.Image, &d.URL, &serviceURLs, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if projectID != nil {
		d.ProjectID = *projectID
	}
	d.Status = domain.DeploymentStatus(status)
	if len(serviceURLs) > 0 {
		if err := json.Unmarshal(serviceURLs, &d.ServiceURLs); err != nil {
			return nil, fmt.Errorf("decode service urls: %w", err)
		}
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func encodeServiceURLs(urls map[string]string) (any, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(urls)
	if err != nil {
		return nil, fmt.Errorf("encode service urls: %w", err)
	}
	return raw, nil
}

func emptyToNil(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// Ping checks connectivity; used by health endpoints.
func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.pool.Ping(ctx)
}
