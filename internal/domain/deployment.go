package domain

import (
	"fmt"
	"strings"
	"time"
)

// DeploymentStatus is the lifecycle state of a deployment attempt.
type DeploymentStatus string

const (
	StatusQueued   DeploymentStatus = "queued"
	StatusBuilding DeploymentStatus = "building"
	StatusDeployed DeploymentStatus = "deployed"
	StatusFailed   DeploymentStatus = "failed"
)

// DefaultBranch is used when a request omits the branch.
const DefaultBranch = "main"

// Terminal reports whether no further transition is allowed.
func (s DeploymentStatus) Terminal() bool {
	return s == StatusDeployed || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s DeploymentStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusBuilding, StatusDeployed, StatusFailed:
		return true
	}
	return false
}

// AllowedFrom lists the statuses a record may hold before moving to s.
// building -> building is permitted so a redelivered job can resume.
func AllowedFrom(s DeploymentStatus) []DeploymentStatus {
	switch s {
	case StatusBuilding:
		return []DeploymentStatus{StatusQueued, StatusBuilding}
	case StatusDeployed:
		return []DeploymentStatus{StatusBuilding}
	case StatusFailed:
		return []DeploymentStatus{StatusQueued, StatusBuilding}
	}
	return nil
}

// CanTransition reports whether from -> to moves forward along the lifecycle.
func CanTransition(from, to DeploymentStatus) bool {
	for _, allowed := range AllowedFrom(to) {
		if allowed == from {
			return true
		}
	}
	return false
}

// Deployment captures a single build-and-release attempt.
type Deployment struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"project_id,omitempty"`
	Repository  string            `json:"repository"`
	Branch      string            `json:"branch"`
	CommitHash  string            `json:"commit_hash"`
	Status      DeploymentStatus  `json:"status"`
	Message     string            `json:"message,omitempty"`
	Image       string            `json:"image,omitempty"`
	URL         string            `json:"url,omitempty"`
	ServiceURLs map[string]string `json:"service_urls,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Clone returns a deep copy so callers never share the service map.
func (d Deployment) Clone() Deployment {
	out := d
	if d.ServiceURLs != nil {
		out.ServiceURLs = make(map[string]string, len(d.ServiceURLs))
		for k, v := range d.ServiceURLs {
			out.ServiceURLs[k] = v
		}
	}
	return out
}

// DeploymentStatusUpdate captures the mutable fields written by the pipeline.
// Empty CommitHash and Image leave the stored values untouched.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       DeploymentStatus
	Message      string
	CommitHash   string
	Image        string
	URL          string
	ServiceURLs  map[string]string
}

// Normalize clears endpoint fields unless the update marks the record deployed.
func (u DeploymentStatusUpdate) Normalize() DeploymentStatusUpdate {
	if u.Status != StatusDeployed {
		u.URL = ""
		u.ServiceURLs = nil
	}
	u.Message = strings.TrimSpace(u.Message)
	return u
}

// Apply writes the update onto d after checking the transition.
func (u DeploymentStatusUpdate) Apply(d *Deployment, now time.Time) error {
	if !CanTransition(d.Status, u.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, u.Status)
	}
	u = u.Normalize()
	d.Status = u.Status
	d.Message = u.Message
	if u.CommitHash != "" {
		d.CommitHash = u.CommitHash
	}
	if u.Image != "" {
		d.Image = u.Image
	}
	d.URL = u.URL
	d.ServiceURLs = nil
	if len(u.ServiceURLs) > 0 {
		d.ServiceURLs = make(map[string]string, len(u.ServiceURLs))
		for k, v := range u.ServiceURLs {
			d.ServiceURLs[k] = v
		}
	}
	if now.Before(d.CreatedAt) {
		now = d.CreatedAt
	}
	d.UpdatedAt = now
	return nil
}

// ChangeMarker summarises the deployment table so pollers can detect change cheaply.
type ChangeMarker struct {
	Count        int
	LatestUpdate time.Time
}

// Token renders the marker as an opaque comparable string.
func (m ChangeMarker) Token() string {
	return fmt.Sprintf("%d-%d", m.Count, m.LatestUpdate.UnixNano())
}
