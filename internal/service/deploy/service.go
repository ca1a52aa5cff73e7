package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/simerusm/quickdeploy/internal/claim"
	"github.com/simerusm/quickdeploy/internal/domain"
	"github.com/simerusm/quickdeploy/internal/git"
	"github.com/simerusm/quickdeploy/internal/queue"
	"github.com/simerusm/quickdeploy/internal/repository"
)

// Recovery policies applied to records left building by a previous process.
const (
	RecoverRequeue = "requeue"
	RecoverFail    = "fail"
)

// StaleMessage is written to building records failed during reconciliation.
const StaleMessage = "stale: interrupted by restart"

var (
	commitPattern = regexp.MustCompile(`^[0-9a-fA-F]{4,40}$`)
	branchPattern = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)
)

// Teardowner removes the cluster resources of a deployment id.
type Teardowner interface {
	Teardown(ctx context.Context, id string) error
}

// CreateInput holds the caller-supplied fields of a deployment request.
type CreateInput struct {
	Repository string
	Branch     string
	CommitHash string
	ProjectID  string
}

// ReconcileReport counts what Reconcile did.
type ReconcileReport struct {
	Requeued int
	Failed   int
	Skipped  int
}

// Service is the orchestrator API: it validates requests, persists records
// and hands ids to the pipeline through the queue.
type Service struct {
	deployments    repository.DeploymentRepository
	queue          queue.Queue
	claims         claim.Registry
	teardown       Teardowner
	logger         *slog.Logger
	recoveryPolicy string
	now            func() time.Time
	refresh        *refreshTracker
	drainTimeout   time.Duration
	drainPoll      time.Duration
}

// New returns a deployment service. An unknown recovery policy means requeue.
func New(deployments repository.DeploymentRepository, q queue.Queue, claims claim.Registry, teardown Teardowner, logger *slog.Logger, recoveryPolicy string) Service {
	if logger == nil {
		logger = slog.Default()
	}
	policy := strings.ToLower(strings.TrimSpace(recoveryPolicy))
	if policy != RecoverFail {
		policy = RecoverRequeue
	}
	return Service{
		deployments:    deployments,
		queue:          q,
		claims:         claims,
		teardown:       teardown,
		logger:         logger,
		recoveryPolicy: policy,
		now:            func() time.Time { return time.Now().UTC() },
		refresh:        newRefreshTracker(time.Hour),
		drainTimeout:   30 * time.Second,
		drainPoll:      100 * time.Millisecond,
	}
}

// Create validates the request, persists a queued record and enqueues its id.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Deployment, error) {
	input, err := normalizeInput(input)
	if err != nil {
		return nil, err
	}
	now := s.now()
	deployment := &domain.Deployment{
		ID:         uuid.NewString(),
		ProjectID:  input.ProjectID,
		Repository: input.Repository,
		Branch:     input.Branch,
		CommitHash: input.CommitHash,
		Status:     domain.StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}

	if err := s.queue.Enqueue(ctx, deployment.ID); err != nil {
		s.logger.Error("enqueue deployment failed", "deployment_id", deployment.ID, "error", err)
		if _, updateErr := s.deployments.UpdateDeploymentStatus(context.WithoutCancel(ctx), domain.DeploymentStatusUpdate{
			DeploymentID: deployment.ID,
			Status:       domain.StatusFailed,
			Message:      "enqueue failed: " + err.Error(),
		}); updateErr != nil {
			s.logger.Error("mark deployment failed", "deployment_id", deployment.ID, "error", updateErr)
		}
		return nil, fmt.Errorf("enqueue deployment: %w", err)
	}
	s.logger.Info("deployment queued", "deployment_id", deployment.ID, "repository", deployment.Repository, "branch", deployment.Branch)
	return deployment, nil
}

// Get returns a deployment by id.
func (s Service) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	d, err := s.deployments.GetDeploymentByID(ctx, id)
	if err != nil {
		return nil, mapErr("deployment", id, err)
	}
	return d, nil
}

// List returns every deployment, newest first.
func (s Service) List(ctx context.Context) ([]domain.Deployment, error) {
	return s.deployments.ListDeployments(ctx)
}

// Delete cancels any in-flight run, waits for it to stop, tears down cluster
// resources and removes the record. The record is kept when teardown fails.
func (s Service) Delete(ctx context.Context, id string) error {
	if _, err := s.deployments.GetDeploymentByID(ctx, id); err != nil {
		return mapErr("deployment", id, err)
	}
	if err := s.claims.Cancel(ctx, id); err != nil {
		return fmt.Errorf("cancel deployment: %w", err)
	}
	s.awaitRelease(ctx, id)
	if err := s.teardown.Teardown(ctx, id); err != nil {
		s.logger.Error("teardown failed", "deployment_id", id, "error", err)
		return fmt.Errorf("teardown deployment: %w", err)
	}
	if err := s.deployments.DeleteDeployment(ctx, id); err != nil {
		return mapErr("deployment", id, err)
	}
	s.logger.Info("deployment deleted", "deployment_id", id)
	return nil
}

// awaitRelease polls until no worker holds id so a run finishing its last
// step cannot apply or publish after the teardown below.
func (s Service) awaitRelease(ctx context.Context, id string) {
	deadline := time.Now().Add(s.drainTimeout)
	for {
		held, err := s.claims.Held(ctx, id)
		if err != nil || !held {
			return
		}
		if time.Now().After(deadline) {
			s.logger.Warn("in-flight run did not stop before teardown", "deployment_id", id, "waited", s.drainTimeout)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.drainPoll):
		}
	}
}

// Refresh reports whether the deployment set changed since caller last asked.
// The first call from a caller only records the current marker.
func (s Service) Refresh(ctx context.Context, caller string) (bool, error) {
	marker, err := s.deployments.DeploymentMarker(ctx)
	if err != nil {
		return false, fmt.Errorf("deployment marker: %w", err)
	}
	return s.refresh.observe(caller, marker.Token(), s.now()), nil
}

// Marker returns the current change marker.
func (s Service) Marker(ctx context.Context) (domain.ChangeMarker, error) {
	return s.deployments.DeploymentMarker(ctx)
}

// Reconcile recovers records orphaned by a previous process. Building records
// without a live claim are requeued or failed per the recovery policy. Queued
// records are requeued when the queue does not survive restarts.
func (s Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	building, err := s.deployments.ListDeploymentsByStatus(ctx, domain.StatusBuilding)
	if err != nil {
		return report, fmt.Errorf("list building deployments: %w", err)
	}
	for _, d := range building {
		held, err := s.claims.Held(ctx, d.ID)
		if err != nil {
			return report, fmt.Errorf("check claim %s: %w", d.ID, err)
		}
		if held {
			report.Skipped++
			continue
		}
		if s.recoveryPolicy == RecoverFail {
			if err := s.markStale(ctx, d.ID); err != nil {
				return report, err
			}
			report.Failed++
			continue
		}
		if err := s.queue.Enqueue(ctx, d.ID); err != nil {
			return report, fmt.Errorf("requeue %s: %w", d.ID, err)
		}
		report.Requeued++
	}

	if !s.queue.Durable() {
		queued, err := s.deployments.ListDeploymentsByStatus(ctx, domain.StatusQueued)
		if err != nil {
			return report, fmt.Errorf("list queued deployments: %w", err)
		}
		// Oldest first keeps submission order.
		for i := len(queued) - 1; i >= 0; i-- {
			if err := s.queue.Enqueue(ctx, queued[i].ID); err != nil {
				return report, fmt.Errorf("requeue %s: %w", queued[i].ID, err)
			}
			report.Requeued++
		}
	}

	if report.Requeued+report.Failed > 0 {
		s.logger.Info("deployments reconciled", "requeued", report.Requeued, "failed", report.Failed, "skipped", report.Skipped, "policy", s.recoveryPolicy)
	}
	return report, nil
}

func (s Service) markStale(ctx context.Context, id string) error {
	_, err := s.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: id,
		Status:       domain.StatusFailed,
		Message:      StaleMessage,
	})
	if err != nil && !errors.Is(err, repository.ErrNotFound) && !errors.Is(err, domain.ErrInvalidTransition) {
		return fmt.Errorf("fail stale deployment %s: %w", id, err)
	}
	return nil
}

// ValidateRepository checks a repository reference and default-branch input.
// It is shared with the project service.
func ValidateRepository(repository, branch string) (string, string, error) {
	repository = strings.TrimSpace(repository)
	if repository == "" {
		return "", "", &domain.ValidationError{Field: "repository", Reason: "is required"}
	}
	if err := git.ValidateRepositoryURL(repository); err != nil {
		return "", "", &domain.ValidationError{Field: "repository", Reason: err.Error()}
	}
	branch = strings.TrimSpace(branch)
	if branch == "" {
		branch = domain.DefaultBranch
	}
	if !branchPattern.MatchString(branch) || strings.HasPrefix(branch, "-") || strings.Contains(branch, "..") {
		return "", "", &domain.ValidationError{Field: "branch", Reason: "is not a valid branch name"}
	}
	return repository, branch, nil
}

func normalizeInput(input CreateInput) (CreateInput, error) {
	repository, branch, err := ValidateRepository(input.Repository, input.Branch)
	if err != nil {
		return input, err
	}
	input.Repository = repository
	input.Branch = branch
	input.CommitHash = strings.ToLower(strings.TrimSpace(input.CommitHash))
	if input.CommitHash == "head" {
		input.CommitHash = ""
	}
	if input.CommitHash != "" && !commitPattern.MatchString(input.CommitHash) {
		return input, &domain.ValidationError{Field: "commit_hash", Reason: "must be a hexadecimal commit hash"}
	}
	input.ProjectID = strings.TrimSpace(input.ProjectID)
	return input, nil
}

func mapErr(kind, id string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
	}
	return err
}

// refreshTracker remembers the last marker each caller observed.
type refreshTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	callers map[string]refreshEntry
}

type refreshEntry struct {
	token string
	seen  time.Time
}

func newRefreshTracker(ttl time.Duration) *refreshTracker {
	return &refreshTracker{ttl: ttl, callers: make(map[string]refreshEntry)}
}

func (t *refreshTracker) observe(caller, token string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, entry := range t.callers {
		if now.Sub(entry.seen) > t.ttl {
			delete(t.callers, key)
		}
	}
	prev, ok := t.callers[caller]
	t.callers[caller] = refreshEntry{token: token, seen: now}
	return ok && prev.token != token
}
