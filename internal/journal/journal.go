// journal records what was deployed where, so status has something to report
// and rollback has something to roll back to.
package journal

import (
	"context"
	"time"
)

type Status string

const (
	StatusStarted    Status = "started"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Deployment is one revision of a stack as it was (attempted to be) deployed.
type Deployment struct {
	Stack    string `json:"stack"`
	Revision string `json:"revision"`
	// Images maps service name to image reference. Once a deployment's
	// prepare phase has run, these are digest-pinned, so rolling back to a
	// succeeded revision restarts the exact bytes it ran, not whatever a
	// mutable tag points at by then.
	Images     map[string]string `json:"images"`
	Status     Status            `json:"status"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
	Instance   Instance          `json:"instance,omitempty"`
}

// Instance identifies the EC2 host the deployment ran on. Zero off-EC2.
type Instance struct {
	ID     string `json:"id,omitempty"`
	Region string `json:"region,omitempty"`
	Zone   string `json:"zone,omitempty"`
}

type Journal interface {
	// Record appends a new deployment entry.
	Record(ctx context.Context, d Deployment) error
	// MarkStatus updates the status (and optional error) of a recorded revision.
	MarkStatus(ctx context.Context, stack, revision string, status Status, errMsg string) error
	// UpdateImages replaces the image references of a recorded revision,
	// used to pin digests once they are known.
	UpdateImages(ctx context.Context, stack, revision string, images map[string]string) error
	// Latest returns the most recent deployment of the stack, or nil.
	Latest(ctx context.Context, stack string) (*Deployment, error)
	// History returns up to n deployments, most recent first.
	History(ctx context.Context, stack string, n int) ([]Deployment, error)
	// RollbackTarget returns the most recent succeeded deployment whose
	// revision differs from current, or nil when there is none.
	RollbackTarget(ctx context.Context, stack, current string) (*Deployment, error)
}
