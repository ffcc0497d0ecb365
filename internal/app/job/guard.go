package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/batchwalk/internal/settings"
)

// guardRecord is the value stored under guardKey.
type guardRecord struct {
	JobID      uuid.UUID `json:"jobId"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// guard is a single-flight lock per job name built on settings.Store
// compare-and-set. The owner refreshes it on every invocation, so a job that
// yields keeps it across invocations.
type guard struct {
	store settings.Store
	ttl   time.Duration
	now   func() time.Time
}

// acquire takes or refreshes the guard for jobID. It fails with
// ErrJobInProgress if a different job holds a guard younger than ttl.
func (g *guard) acquire(ctx context.Context, name string, jobID uuid.UUID) error {
	key := guardKey(name)
	value, err := json.Marshal(guardRecord{JobID: jobID, AcquiredAt: g.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode guard: %w", err)
	}

	var expected int64
	entry, err := g.store.Get(ctx, key)
	switch {
	case errors.Is(err, settings.ErrNotFound):
	case err != nil:
		return fmt.Errorf("failed to read guard: %w", err)
	default:
		var current guardRecord
		if err := json.Unmarshal(entry.Value, &current); err != nil {
			return fmt.Errorf("failed to decode guard: %w", err)
		}
		if current.JobID != jobID && g.now().Sub(current.AcquiredAt) < g.ttl {
			return fmt.Errorf("%w: %s held by %s", ErrJobInProgress, name, current.JobID)
		}
		expected = entry.Version
	}

	if _, err := g.store.ConditionalPut(ctx, key, value, expected); err != nil {
		if errors.Is(err, settings.ErrConditionFailed) {
			return fmt.Errorf("%w: %s", ErrJobInProgress, name)
		}
		return fmt.Errorf("failed to write guard: %w", err)
	}
	return nil
}

// release removes the guard if jobID still owns it.
func (g *guard) release(ctx context.Context, name string, jobID uuid.UUID) error {
	key := guardKey(name)
	entry, err := g.store.Get(ctx, key)
	if errors.Is(err, settings.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read guard: %w", err)
	}

	var current guardRecord
	if err := json.Unmarshal(entry.Value, &current); err != nil {
		return fmt.Errorf("failed to decode guard: %w", err)
	}
	if current.JobID != jobID {
		return nil
	}
	if err := g.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete guard: %w", err)
	}
	return nil
}
