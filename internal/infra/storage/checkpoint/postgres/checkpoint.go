// Package postgres provides a PostgreSQL checkpoint repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/batchwalk/internal/checkpoint"
	"github.com/ahrav/batchwalk/internal/infra/storage"
)

var _ checkpoint.Repository = (*checkpointStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

const (
	upsertCheckpoint = `
INSERT INTO checkpoints (job_id, state, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (job_id) DO UPDATE
SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
RETURNING id`

	getCheckpoint = `
SELECT id, job_id, state, updated_at
FROM checkpoints
WHERE job_id = $1`

	deleteCheckpoint = `DELETE FROM checkpoints WHERE job_id = $1`
)

// checkpointStore persists checkpoints in the checkpoints table. The executor
// state is stored through a checkpoint.Codec so the column format can change
// without a schema migration.
type checkpointStore struct {
	pool   *pgxpool.Pool
	codec  checkpoint.Codec
	tracer trace.Tracer
}

// NewCheckpointStore creates a PostgreSQL-backed checkpoint repository. A nil
// codec defaults to checkpoint.JSONCodec{}.
func NewCheckpointStore(pool *pgxpool.Pool, codec checkpoint.Codec, tracer trace.Tracer) *checkpointStore {
	if codec == nil {
		codec = checkpoint.JSONCodec{}
	}
	return &checkpointStore{pool: pool, codec: codec, tracer: tracer}
}

// Save upserts the checkpoint keyed by job ID.
func (p *checkpointStore) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	state := cp.State()
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", cp.JobID().String()),
		attribute.Int("traversal_queue_size", len(state.TraversalQueue)),
		attribute.Int("processing_queue_size", len(state.ProcessingQueue)),
	)
	return storage.ExecuteAndTrace(ctx, p.tracer, "postgres.save_checkpoint", dbAttrs, func(ctx context.Context) error {
		data, err := p.codec.Encode(state)
		if err != nil {
			return fmt.Errorf("failed to encode checkpoint state: %w", err)
		}

		var id int64
		err = p.pool.QueryRow(ctx, upsertCheckpoint, cp.JobID(), data, cp.UpdatedAt()).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		if cp.IsTemporary() {
			cp.SetID(id)
		}
		return nil
	})
}

// Load retrieves the checkpoint for jobID. It returns nil if none exists.
func (p *checkpointStore) Load(ctx context.Context, jobID uuid.UUID) (*checkpoint.Checkpoint, error) {
	var cp *checkpoint.Checkpoint
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
	)
	err := storage.ExecuteAndTrace(ctx, p.tracer, "postgres.load_checkpoint", dbAttrs, func(ctx context.Context) error {
		var (
			id        int64
			storedID  uuid.UUID
			data      []byte
			updatedAt time.Time
		)
		err := p.pool.QueryRow(ctx, getCheckpoint, jobID).Scan(&id, &storedID, &data, &updatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}

		state, err := p.codec.Decode(data)
		if err != nil {
			return fmt.Errorf("failed to decode checkpoint state: %w", err)
		}
		cp = checkpoint.ReconstructCheckpoint(id, storedID, state, updatedAt)

		return nil
	})
	return cp, err
}

// Delete removes the checkpoint for jobID. It is not an error if the
// checkpoint does not exist.
func (p *checkpointStore) Delete(ctx context.Context, jobID uuid.UUID) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
	)
	return storage.ExecuteAndTrace(ctx, p.tracer, "postgres.delete_checkpoint", dbAttrs, func(ctx context.Context) error {
		if _, err := p.pool.Exec(ctx, deleteCheckpoint, jobID); err != nil {
			return fmt.Errorf("failed to delete checkpoint: %w", err)
		}
		return nil
	})
}
