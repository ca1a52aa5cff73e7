// Package pipeline drives a queued deployment through source resolution,
// image build and push, cluster apply and readiness.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/simerusm/quickdeploy/internal/claim"
	"github.com/simerusm/quickdeploy/internal/detect"
	"github.com/simerusm/quickdeploy/internal/domain"
	"github.com/simerusm/quickdeploy/internal/gateway"
	"github.com/simerusm/quickdeploy/internal/repository"
	"github.com/simerusm/quickdeploy/internal/runtime"
)

const (
	stepSource  = "source"
	stepDetect  = "detect"
	stepBuild   = "build"
	stepPush    = "push"
	stepApply   = "apply"
	stepReady   = "ready"
	stepPublish = "publish"
)

// CancelledMessage is written to a record whose run was cancelled while the
// record still existed.
const CancelledMessage = "cancelled"

var errCancelled = domain.NewStepError(domain.KindCancelled, "", errors.New(CancelledMessage))

// Config tunes a Runner.
type Config struct {
	Registry           string
	BaseDomain         string
	IngressPort        int
	BuildTimeout       time.Duration
	ReadyTimeout       time.Duration
	TeardownTimeout    time.Duration
	PushMaxAttempts    int
	PushInitialBackoff time.Duration
	PushMaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Registry == "" {
		c.Registry = "localhost:5005"
	}
	if c.BaseDomain == "" {
		c.BaseDomain = "quickdeploy.local"
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = 20 * time.Minute
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 5 * time.Minute
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = time.Minute
	}
	if c.PushMaxAttempts <= 0 {
		c.PushMaxAttempts = 3
	}
	if c.PushInitialBackoff <= 0 {
		c.PushInitialBackoff = time.Second
	}
	if c.PushMaxBackoff <= 0 {
		c.PushMaxBackoff = 30 * time.Second
	}
	return c
}

// Runner executes the pipeline for one deployment id at a time per claim.
type Runner struct {
	store   repository.DeploymentRepository
	gateway gateway.Gateway
	claims  claim.Registry
	metrics *Metrics
	cfg     Config
	logger  *slog.Logger
}

// NewRunner wires a Runner. metrics may be nil.
func NewRunner(store repository.DeploymentRepository, gw gateway.Gateway, claims claim.Registry, metrics *Metrics, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:   store,
		gateway: gw,
		claims:  claims,
		metrics: metrics,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Process handles one delivery of id. Duplicate, stale and deleted deliveries
// are discarded with a nil error. A non-nil error means the delivery should
// be retried: the claim registry or store was unavailable, or ctx ended before
// the run finished.
func (r *Runner) Process(ctx context.Context, id string) error {
	log := r.logger.With("deployment_id", id)

	c, ok, err := r.claims.Acquire(ctx, id)
	if err != nil {
		return fmt.Errorf("acquire claim: %w", err)
	}
	if !ok {
		log.Info("deployment claimed elsewhere, discarding delivery")
		r.metrics.run("discarded")
		return nil
	}
	defer c.Release()

	d, err := r.store.GetDeploymentByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Info("deployment no longer exists, discarding delivery")
			r.metrics.run("discarded")
			return nil
		}
		return fmt.Errorf("load deployment: %w", err)
	}
	if d.Status.Terminal() {
		log.Info("deployment already finished, discarding delivery", "status", d.Status)
		r.metrics.run("discarded")
		return nil
	}
	if claim.IsCancelled(c) {
		r.cancelled(d, log)
		return nil
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-c.Cancelled():
			stop()
		case <-runCtx.Done():
		}
	}()

	err = r.safeExecute(runCtx, c, d, log)
	switch {
	case err == nil:
		r.metrics.run("deployed")
		return nil
	case claim.IsCancelled(c) || domain.KindOf(err) == domain.KindCancelled:
		r.cancelled(d, log)
		return nil
	case ctx.Err() != nil:
		// Shutdown: leave the record building so it is picked up again.
		log.Warn("pipeline interrupted by shutdown", "error", err)
		return ctx.Err()
	case errors.Is(err, domain.ErrInvalidTransition):
		log.Info("deployment finished concurrently, discarding", "error", err)
		r.metrics.run("discarded")
		return nil
	default:
		r.failed(d, err, log)
		return nil
	}
}

func (r *Runner) safeExecute(ctx context.Context, c claim.Claim, d *domain.Deployment, log *slog.Logger) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("pipeline panicked", "panic", p)
			err = fmt.Errorf("internal error: %v", p)
		}
	}()
	return r.execute(ctx, c, d, log)
}

func (r *Runner) execute(ctx context.Context, c claim.Claim, d *domain.Deployment, log *slog.Logger) error {
	if _, err := r.store.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: d.ID,
		Status:       domain.StatusBuilding,
	}); err != nil {
		return r.storeErr(err)
	}
	log.Info("deployment building", "repository", d.Repository, "branch", d.Branch, "commit", d.CommitHash)

	buildCtx, cancelBuild := context.WithTimeout(ctx, r.cfg.BuildTimeout)
	defer cancelBuild()

	// Resolve source.
	started := time.Now()
	path, commit, err := r.gateway.CloneAt(buildCtx, d.ID, d.Repository, d.Branch, d.CommitHash)
	r.metrics.step(stepSource, started)
	if err != nil {
		return r.stepErr(c, domain.KindSource, stepSource, err)
	}
	defer func() {
		if err := r.gateway.ReleaseSource(d.ID); err != nil {
			log.Warn("release source failed", "error", err)
		}
	}()
	if commit != "" && commit != d.CommitHash {
		if _, err := r.store.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
			DeploymentID: d.ID,
			Status:       domain.StatusBuilding,
			CommitHash:   commit,
		}); err != nil {
			return r.storeErr(err)
		}
		d.CommitHash = commit
	}
	log.Info("source resolved", "commit", commit)
	if err := checkpoint(c); err != nil {
		return err
	}

	// Detect services and prepare their build contexts.
	started = time.Now()
	services, err := detect.Scan(path)
	if err != nil {
		return r.stepErr(c, domain.KindBuild, stepDetect, err)
	}
	multi := len(services) > 1
	names := make(map[string]string, len(services))
	owners := make(map[string]string, len(services))
	for _, svc := range services {
		name := runtime.ResourceName(d.ID, svc.Name, multi)
		if other, ok := owners[name]; ok {
			return r.stepErr(c, domain.KindBuild, stepDetect, fmt.Errorf("services %q and %q map to the same resource name %s", other, svc.Name, name))
		}
		owners[name] = svc.Name
		names[svc.Name] = name
	}
	detect.Connect(services, func(name string) string {
		return r.publicURL(runtime.Host(names[name], r.cfg.BaseDomain))
	})
	dockerfiles := make(map[string]string, len(services))
	for _, svc := range services {
		if err := detect.WriteBuildEnv(path, svc); err != nil {
			return r.stepErr(c, domain.KindBuild, stepDetect, err)
		}
		dockerfile, generated, err := detect.EnsureDockerfile(path, svc)
		if err != nil {
			return r.stepErr(c, domain.KindBuild, stepDetect, err)
		}
		dockerfiles[svc.Name] = dockerfile
		log.Info("service detected", "service", svc.Name, "type", svc.Type, "port", svc.Port, "dockerfile", dockerfile, "generated", generated)
	}
	r.metrics.step(stepDetect, started)

	// Build images.
	images := make(map[string]string, len(services))
	for _, svc := range services {
		if err := checkpoint(c); err != nil {
			return err
		}
		started = time.Now()
		tag := r.imageTag(d.ID, svc.Name, multi, d.CommitHash)
		ref, err := r.gateway.BuildImage(buildCtx, filepath.Join(path, svc.Dir), dockerfiles[svc.Name], tag)
		r.metrics.step(stepBuild, started)
		if err != nil {
			return r.stepErr(c, domain.KindBuild, stepBuild, fmt.Errorf("service %s: %w", svc.Name, err))
		}
		images[svc.Name] = ref
		log.Info("image built", "service", svc.Name, "image", ref)
	}

	// Push images.
	for _, svc := range services {
		if err := checkpoint(c); err != nil {
			return err
		}
		started = time.Now()
		err := r.push(ctx, images[svc.Name], log)
		r.metrics.step(stepPush, started)
		if err != nil {
			return r.stepErr(c, domain.KindRegistry, stepPush, fmt.Errorf("service %s: %w", svc.Name, err))
		}
	}
	primary, _ := detect.Primary(services)
	if _, err := r.store.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: d.ID,
		Status:       domain.StatusBuilding,
		Image:        images[primary.Name],
	}); err != nil {
		return r.storeErr(err)
	}
	if err := checkpoint(c); err != nil {
		return err
	}

	// Render and apply.
	release := runtime.Release{DeploymentID: d.ID}
	for _, svc := range services {
		release.Workloads = append(release.Workloads, runtime.Workload{
			Service: svc.Name,
			Name:    names[svc.Name],
			Image:   images[svc.Name],
			Port:    svc.Port,
			Host:    runtime.Host(names[svc.Name], r.cfg.BaseDomain),
			Env:     svc.Env,
		})
	}
	started = time.Now()
	release, err = r.gateway.Apply(ctx, release)
	r.metrics.step(stepApply, started)
	if err != nil {
		r.teardown(d.ID, log)
		return r.stepErr(c, domain.KindCluster, stepApply, err)
	}
	if err := checkpoint(c); err != nil {
		return err
	}

	// Wait for readiness.
	started = time.Now()
	ready, endpoints, err := r.gateway.WaitReady(ctx, release, r.cfg.ReadyTimeout)
	r.metrics.step(stepReady, started)
	if err == nil && !ready {
		err = fmt.Errorf("workloads not ready after %s", r.cfg.ReadyTimeout)
	}
	if err != nil {
		r.teardown(d.ID, log)
		return r.stepErr(c, domain.KindCluster, stepReady, err)
	}
	if err := checkpoint(c); err != nil {
		return err
	}

	// Publish.
	started = time.Now()
	update := domain.DeploymentStatusUpdate{
		DeploymentID: d.ID,
		Status:       domain.StatusDeployed,
		URL:          runtime.Host(names[primary.Name], r.cfg.BaseDomain),
	}
	if multi {
		update.ServiceURLs = make(map[string]string, len(endpoints))
		for _, ep := range endpoints {
			update.ServiceURLs[ep.Service] = ep.Host
		}
	}
	if err := checkpoint(c); err != nil {
		return err
	}
	if _, err := r.store.UpdateDeploymentStatus(ctx, update); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.teardown(d.ID, log)
		}
		return r.storeErr(err)
	}
	r.metrics.step(stepPublish, started)
	log.Info("deployment deployed", "url", update.URL, "services", len(services))
	return nil
}

// push uploads ref with bounded exponential backoff. Only transient gateway
// errors are retried.
func (r *Runner) push(ctx context.Context, ref string, log *slog.Logger) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.PushInitialBackoff
	policy.MaxInterval = r.cfg.PushMaxBackoff
	policy.MaxElapsedTime = 0
	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.cfg.PushMaxAttempts-1)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := r.gateway.PushImage(ctx, ref)
		r.metrics.push(err == nil)
		if err == nil {
			log.Info("image pushed", "image", ref, "attempt", attempt)
			return nil
		}
		if !gateway.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("image push failed, retrying", "image", ref, "attempt", attempt, "retry_in", wait, "error", err)
	}
	if err := backoff.RetryNotify(operation, bounded, notify); err != nil {
		return fmt.Errorf("push %s failed after %d attempt(s): %w", ref, attempt, err)
	}
	return nil
}

func (r *Runner) imageTag(id, service string, multi bool, commit string) string {
	registry := strings.TrimSuffix(r.cfg.Registry, "/")
	repo := "quickdeploy-" + id
	if multi {
		repo += "-" + service
	}
	tag := "latest"
	if commit != "" {
		tag = commit
		if len(tag) > 12 {
			tag = tag[:12]
		}
	}
	return fmt.Sprintf("%s/%s:%s", registry, strings.ToLower(repo), tag)
}

func (r *Runner) publicURL(host string) string {
	if r.cfg.IngressPort <= 0 || r.cfg.IngressPort == 80 {
		return "http://" + host
	}
	return "http://" + host + ":" + strconv.Itoa(r.cfg.IngressPort)
}

// cancelled tears the release down and records the cancellation when the
// record still exists.
func (r *Runner) cancelled(d *domain.Deployment, log *slog.Logger) {
	r.metrics.run("cancelled")
	r.teardown(d.ID, log)

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.TeardownTimeout)
	defer cancel()
	_, err := r.store.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: d.ID,
		Status:       domain.StatusFailed,
		Message:      CancelledMessage,
	})
	switch {
	case err == nil:
		log.Info("deployment cancelled")
	case errors.Is(err, repository.ErrNotFound):
		log.Info("deployment cancelled and removed")
	case errors.Is(err, domain.ErrInvalidTransition):
		log.Info("deployment cancelled after reaching a terminal state")
	default:
		log.Error("record cancellation failed", "error", err)
	}
}

func (r *Runner) failed(d *domain.Deployment, cause error, log *slog.Logger) {
	r.metrics.run("failed")
	step := ""
	var stepErr *domain.StepError
	if errors.As(cause, &stepErr) {
		step = stepErr.Step
	}
	log.Error("deployment failed", "step", step, "kind", domain.KindOf(cause), "error", cause)

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.TeardownTimeout)
	defer cancel()
	_, err := r.store.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: d.ID,
		Status:       domain.StatusFailed,
		Message:      cause.Error(),
	})
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		log.Error("record failure failed", "error", err)
	}
}

// teardown uses its own context so it still runs after the run context ends.
func (r *Runner) teardown(id string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.TeardownTimeout)
	defer cancel()
	if err := r.gateway.Teardown(ctx, id); err != nil {
		log.Error("teardown failed", "error", err)
	}
}

// stepErr classifies a step failure, preferring cancellation when the claim
// was signalled while the step ran.
func (r *Runner) stepErr(c claim.Claim, kind domain.ErrorKind, step string, err error) error {
	if claim.IsCancelled(c) {
		return errCancelled
	}
	return domain.NewStepError(kind, step, err)
}

// storeErr maps a vanished record to cancellation.
func (r *Runner) storeErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return errCancelled
	}
	return fmt.Errorf("update deployment: %w", err)
}

func checkpoint(c claim.Claim) error {
	if claim.IsCancelled(c) {
		return errCancelled
	}
	return nil
}
