package checkpoint

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the persistence operations for job checkpoints.
type Repository interface {
	// Save creates or replaces the checkpoint for cp.JobID(). A temporary
	// checkpoint receives its ID.
	Save(ctx context.Context, cp *Checkpoint) error

	// Load returns the checkpoint for jobID, or nil when none exists.
	Load(ctx context.Context, jobID uuid.UUID) (*Checkpoint, error)

	// Delete removes the checkpoint for jobID. It is not an error if the
	// checkpoint does not exist.
	Delete(ctx context.Context, jobID uuid.UUID) error
}
