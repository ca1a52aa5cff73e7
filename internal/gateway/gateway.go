// Package gateway is the single boundary between the pipeline and external
// infrastructure: git remotes, the Docker daemon, the registry and the cluster.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/simerusm/quickdeploy/internal/docker"
	"github.com/simerusm/quickdeploy/internal/git"
	"github.com/simerusm/quickdeploy/internal/runtime"
	"github.com/simerusm/quickdeploy/internal/workspace"
)

// Gateway performs the side effects of a deployment.
type Gateway interface {
	// CloneAt checks out repo at branch (and commit when set) into a fresh
	// working copy for id, returning its path and the checked-out hash.
	CloneAt(ctx context.Context, id, repo, branch, commit string) (string, string, error)
	BuildImage(ctx context.Context, path, dockerfile, tag string) (string, error)
	PushImage(ctx context.Context, imageRef string) error
	Apply(ctx context.Context, release runtime.Release) (runtime.Release, error)
	WaitReady(ctx context.Context, release runtime.Release, timeout time.Duration) (bool, []runtime.Endpoint, error)
	Teardown(ctx context.Context, id string) error
	ReleaseSource(id string) error
}

// ImageBuilder builds and pushes container images.
type ImageBuilder interface {
	BuildImage(ctx context.Context, dir, dockerfile, tag string, onOutput docker.OutputCallback) error
	PushImage(ctx context.Context, ref string, onOutput docker.OutputCallback) error
}

// CloneFunc checks out a repository revision into dest.
type CloneFunc func(ctx context.Context, repo, branch, commit, dest string) (string, error)

// Cluster implements Gateway on top of go-git, the Docker daemon and Kubernetes.
type Cluster struct {
	clone     CloneFunc
	images    ImageBuilder
	runtime   runtime.Manager
	workspace *workspace.Manager
	logger    *slog.Logger
}

var _ Gateway = (*Cluster)(nil)

// New wires a Cluster gateway. A nil clone function uses git.CloneAt.
func New(ws *workspace.Manager, images ImageBuilder, rt runtime.Manager, clone CloneFunc, logger *slog.Logger) *Cluster {
	if clone == nil {
		clone = git.CloneAt
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cluster{clone: clone, images: images, runtime: rt, workspace: ws, logger: logger}
}

// CloneAt prepares the working copy for id and checks out the revision.
func (c *Cluster) CloneAt(ctx context.Context, id, repo, branch, commit string) (string, string, error) {
	dir, err := c.workspace.Prepare(id)
	if err != nil {
		return "", "", wrap("clone", Fatal, err)
	}
	hash, err := c.clone(ctx, repo, branch, commit, dir)
	if err != nil {
		_ = c.workspace.Release(id)
		return "", "", wrap("clone", Fatal, err)
	}
	return dir, hash, nil
}

// BuildImage builds path into tag. A daemon that cannot be reached is
// transient; a failing Dockerfile is not.
func (c *Cluster) BuildImage(ctx context.Context, path, dockerfile, tag string) (string, error) {
	err := c.images.BuildImage(ctx, path, dockerfile, tag, c.output("build", tag))
	if err != nil {
		var daemonErr *docker.DaemonError
		if errors.As(err, &daemonErr) {
			return "", wrap("build", Transient, err)
		}
		return "", wrap("build", Fatal, err)
	}
	return tag, nil
}

// PushImage uploads imageRef. Every push failure is treated as transient.
func (c *Cluster) PushImage(ctx context.Context, imageRef string) error {
	if err := c.images.PushImage(ctx, imageRef, c.output("push", imageRef)); err != nil {
		return wrap("push", Transient, err)
	}
	return nil
}

// Apply renders and applies the release workloads.
func (c *Cluster) Apply(ctx context.Context, release runtime.Release) (runtime.Release, error) {
	if err := c.runtime.Apply(ctx, release); err != nil {
		return runtime.Release{}, wrap("apply", clusterKind(err), err)
	}
	return release, nil
}

// WaitReady waits for the release to roll out within timeout.
func (c *Cluster) WaitReady(ctx context.Context, release runtime.Release, timeout time.Duration) (bool, []runtime.Endpoint, error) {
	ready, endpoints, err := c.runtime.WaitReady(ctx, release, timeout)
	if err != nil {
		return false, endpoints, wrap("wait_ready", Fatal, err)
	}
	return ready, endpoints, nil
}

// Teardown removes every cluster object of the deployment id.
func (c *Cluster) Teardown(ctx context.Context, id string) error {
	if err := c.runtime.Teardown(ctx, id); err != nil {
		return wrap("teardown", clusterKind(err), err)
	}
	return nil
}

// ReleaseSource removes the working copy of id.
func (c *Cluster) ReleaseSource(id string) error {
	if err := c.workspace.Release(id); err != nil {
		return wrap("release_source", Fatal, err)
	}
	return nil
}

func (c *Cluster) output(op, ref string) docker.OutputCallback {
	return func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		c.logger.Debug("docker output", "op", op, "image", ref, "line", line)
	}
}

func clusterKind(err error) Kind {
	switch {
	case apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err),
		apierrors.IsTooManyRequests(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err),
		apierrors.IsConflict(err):
		return Transient
	}
	return Fatal
}
