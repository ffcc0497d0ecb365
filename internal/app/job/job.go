// Package job runs a batch walk across repeated, time-boxed invocations. Each
// invocation restores the walk from its checkpoint, runs the executor until it
// finishes or the invocation budget runs out, and then either persists a new
// checkpoint plus a continuation message or cleans up.
package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/batchwalk/pkg/batch"
)

var (
	// ErrJobInProgress is returned when another live job holds the guard for
	// the same job name.
	ErrJobInProgress = errors.New("job already in progress")

	// ErrCheckpointMissing is returned when a continuation refers to a job
	// whose checkpoint no longer exists.
	ErrCheckpointMissing = errors.New("checkpoint missing for job")
)

// Mode selects the executor entry point.
type Mode string

const (
	// ModeTraverse walks a tree from its roots.
	ModeTraverse Mode = "traverse"
	// ModeProcess processes a flat list of items.
	ModeProcess Mode = "process"
)

const (
	// DefaultLockTTL is how long a guard stays valid without being refreshed.
	DefaultLockTTL = 15 * time.Minute
)

// Config describes one logical job.
type Config struct {
	// Name identifies the job. At most one job per name runs at a time.
	Name string
	Mode Mode

	// Budget bounds a single invocation. Zero means run to completion.
	Budget time.Duration

	// LockTTL is the age after which a guard left by a crashed invocation
	// may be taken over. Zero means DefaultLockTTL.
	LockTTL time.Duration

	// InlineCheckpoint embeds the encoded state in the continuation message
	// in addition to saving it in the checkpoint repository.
	InlineCheckpoint bool

	Executor batch.Config
}

func (c Config) withDefaults() (Config, error) {
	if c.Name == "" {
		return c, fmt.Errorf("job name is required")
	}
	switch c.Mode {
	case "":
		c.Mode = ModeTraverse
	case ModeTraverse, ModeProcess:
	default:
		return c, fmt.Errorf("unknown job mode %q", c.Mode)
	}
	if c.Budget < 0 {
		return c, fmt.Errorf("budget must not be negative: %s", c.Budget)
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	return c, nil
}

// guardKey is the settings key holding the single-flight guard for name.
func guardKey(name string) string { return "job/" + name + "/current" }

// Continuation is the message sent when an invocation yields with work left.
// The next invocation resumes the job it names.
type Continuation struct {
	JobID      uuid.UUID `json:"jobId"`
	Name       string    `json:"name"`
	Checkpoint []byte    `json:"checkpoint,omitempty"`
}

// Outcome reports what a single invocation did.
type Outcome struct {
	JobID uuid.UUID
	// Done is true when the walk finished and its checkpoint was removed.
	Done   bool
	Result batch.Result
	// ContinuationID is the ID of the continuation message, set when Done is
	// false and a queue is configured.
	ContinuationID string
}
