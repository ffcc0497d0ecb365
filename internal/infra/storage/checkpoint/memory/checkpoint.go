// Package memory provides an in-process checkpoint repository for tests and
// single-process deployments.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/batchwalk/internal/checkpoint"
)

var _ checkpoint.Repository = (*CheckpointStore)(nil)

// CheckpointStore is a thread-safe in-memory checkpoint.Repository.
type CheckpointStore struct {
	mu          sync.Mutex
	nextID      int64
	checkpoints map[uuid.UUID]*checkpoint.Checkpoint
}

// NewCheckpointStore creates an empty in-memory checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[uuid.UUID]*checkpoint.Checkpoint)}
}

func (s *CheckpointStore) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := cp.ID()
	if existing, ok := s.checkpoints[cp.JobID()]; ok {
		id = existing.ID()
	}
	if id == 0 {
		s.nextID++
		id = s.nextID
	}
	if cp.IsTemporary() {
		cp.SetID(id)
	}

	// Store a copy so later mutation of the executor's state by the caller
	// cannot reach the stored checkpoint.
	s.checkpoints[cp.JobID()] = checkpoint.ReconstructCheckpoint(id, cp.JobID(), cp.State().Clone(), cp.UpdatedAt())
	return nil
}

func (s *CheckpointStore) Load(ctx context.Context, jobID uuid.UUID) (*checkpoint.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[jobID]
	if !ok {
		return nil, nil
	}
	return checkpoint.ReconstructCheckpoint(cp.ID(), cp.JobID(), cp.State().Clone(), cp.UpdatedAt()), nil
}

func (s *CheckpointStore) Delete(ctx context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, jobID)
	return nil
}
