// Package checkpoint persists executor state between invocations of a job so
// a walk that outlives one invocation can resume where it stopped.
package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/batchwalk/pkg/batch"
)

// Checkpoint is an entity that stores the resumable state of a single job.
// Its identity (ID) survives state changes; State and UpdatedAt change every
// time the job yields.
type Checkpoint struct {
	// Identity.
	id    int64
	jobID uuid.UUID

	// State/Metadata.
	state     batch.State
	updatedAt time.Time
}

// NewCheckpoint creates a Checkpoint with a persistent ID, typically one
// handed back by the repository.
func NewCheckpoint(id int64, jobID uuid.UUID, state batch.State) *Checkpoint {
	return &Checkpoint{
		id:        id,
		jobID:     jobID,
		state:     state,
		updatedAt: time.Now(),
	}
}

// NewTemporaryCheckpoint creates a Checkpoint that has not been persisted yet.
// The repository assigns its ID on the first Save.
func NewTemporaryCheckpoint(jobID uuid.UUID, state batch.State) *Checkpoint {
	return &Checkpoint{
		jobID:     jobID,
		state:     state,
		updatedAt: time.Now(),
	}
}

// ReconstructCheckpoint rebuilds a Checkpoint from stored fields without
// touching UpdatedAt.
func ReconstructCheckpoint(id int64, jobID uuid.UUID, state batch.State, updatedAt time.Time) *Checkpoint {
	return &Checkpoint{
		id:        id,
		jobID:     jobID,
		state:     state,
		updatedAt: updatedAt,
	}
}

// Getters for Checkpoint.
func (c *Checkpoint) ID() int64            { return c.id }
func (c *Checkpoint) JobID() uuid.UUID     { return c.jobID }
func (c *Checkpoint) State() batch.State   { return c.state }
func (c *Checkpoint) UpdatedAt() time.Time { return c.updatedAt }

// IsTemporary returns true if the checkpoint has no ID.
func (c *Checkpoint) IsTemporary() bool { return c.id == 0 }

// Pending reports whether the stored state still has queued work.
func (c *Checkpoint) Pending() bool { return c.state.Pending() }

// SetID assigns the ID of a temporary checkpoint after it has been persisted.
// It panics if called on an already-persisted checkpoint.
func (c *Checkpoint) SetID(id int64) {
	if c.id != 0 {
		panic("attempting to modify ID of a persisted checkpoint")
	}
	c.id = id
}

// UpdateState replaces the stored state and bumps UpdatedAt.
func (c *Checkpoint) UpdateState(state batch.State) {
	c.state = state
	c.updatedAt = time.Now()
}

type checkpointJSON struct {
	ID        int64       `json:"id"`
	JobID     string      `json:"job_id"`
	State     batch.State `json:"state"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// MarshalJSON serializes the Checkpoint object into a JSON byte array.
func (c *Checkpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(&checkpointJSON{
		ID:        c.id,
		JobID:     c.jobID.String(),
		State:     c.state,
		UpdatedAt: c.updatedAt,
	})
}

// UnmarshalJSON deserializes JSON data into a Checkpoint object. Items in the
// restored state are in their generic JSON form; use a Codec with an
// ItemDecoder to get concrete item types back.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var aux checkpointJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	jobID, err := uuid.Parse(aux.JobID)
	if err != nil {
		return err
	}

	c.id = aux.ID
	c.jobID = jobID
	c.state = aux.State
	c.updatedAt = aux.UpdatedAt

	return nil
}
