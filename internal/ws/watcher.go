package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/simerusm/quickdeploy/internal/domain"
)

// DeploymentsTopic carries full deployment list snapshots.
const DeploymentsTopic = "deployments"

// Source supplies the change marker and the deployment list.
type Source interface {
	Marker(ctx context.Context) (domain.ChangeMarker, error)
	List(ctx context.Context) ([]domain.Deployment, error)
}

// Snapshot is the payload broadcast on DeploymentsTopic.
type Snapshot struct {
	Type        string              `json:"type"`
	Marker      string              `json:"marker"`
	Deployments []domain.Deployment `json:"deployments"`
}

// Watcher polls the change marker and broadcasts a snapshot whenever it moves.
type Watcher struct {
	source   Source
	hub      *Hub
	interval time.Duration
	logger   *slog.Logger
}

// NewWatcher builds a watcher polling every interval (default 2s).
func NewWatcher(source Source, hub *Hub, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{source: source, hub: hub, interval: interval, logger: logger}
}

// Run polls until ctx ends.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	last := ""
	for {
		token, err := w.poll(ctx, last)
		if err != nil {
			w.logger.Warn("deployment watcher poll failed", "error", err)
		} else {
			last = token
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Watcher) poll(ctx context.Context, last string) (string, error) {
	marker, err := w.source.Marker(ctx)
	if err != nil {
		return last, err
	}
	token := marker.Token()
	if token == last {
		return last, nil
	}
	deployments, err := w.source.List(ctx)
	if err != nil {
		return last, err
	}
	payload, err := json.Marshal(Snapshot{Type: DeploymentsTopic, Marker: token, Deployments: deployments})
	if err != nil {
		return last, err
	}
	w.hub.Broadcast(DeploymentsTopic, payload)
	return token, nil
}
