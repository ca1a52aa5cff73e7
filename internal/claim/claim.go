// Package claim provides per-deployment exclusivity and cooperative
// cancellation between the API and pipeline workers.
package claim

import "context"

// Claim is held by the single worker driving a deployment id.
type Claim interface {
	// Cancelled is closed when the owner should stop, because the deployment
	// was deleted or the claim was lost.
	Cancelled() <-chan struct{}
	// Release gives up the claim. Safe to call more than once.
	Release()
}

// Registry hands out claims.
type Registry interface {
	// Acquire returns ok=false when another worker holds the id.
	Acquire(ctx context.Context, deploymentID string) (Claim, bool, error)
	// Cancel signals the current holder, and any holder that acquires the id
	// shortly afterwards, to stop.
	Cancel(ctx context.Context, deploymentID string) error
	// Held reports whether a live claim exists for the id.
	Held(ctx context.Context, deploymentID string) (bool, error)
}

// IsCancelled reports whether c has been signalled without blocking.
func IsCancelled(c Claim) bool {
	select {
	case <-c.Cancelled():
		return true
	default:
		return false
	}
}
