// Package postgres provides a PostgreSQL settings.Store.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/batchwalk/internal/infra/storage"
	"github.com/ahrav/batchwalk/internal/settings"
)

var _ settings.Store = (*settingsStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

const (
	getSetting = `SELECT key, value, version, updated_at FROM settings WHERE key = $1`

	putSetting = `
INSERT INTO settings (key, value, version, updated_at)
VALUES ($1, $2, 1, NOW())
ON CONFLICT (key) DO UPDATE
SET value = EXCLUDED.value, version = settings.version + 1, updated_at = NOW()
RETURNING key, value, version, updated_at`

	insertSetting = `
INSERT INTO settings (key, value, version, updated_at)
VALUES ($1, $2, 1, NOW())
ON CONFLICT (key) DO NOTHING
RETURNING key, value, version, updated_at`

	updateSettingIfVersion = `
UPDATE settings
SET value = $2, version = version + 1, updated_at = NOW()
WHERE key = $1 AND version = $3
RETURNING key, value, version, updated_at`

	deleteSetting = `DELETE FROM settings WHERE key = $1`
)

// settingsStore keeps settings in the settings table. Compare-and-set is a
// single guarded statement so concurrent writers race inside PostgreSQL.
type settingsStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewSettingsStore creates a PostgreSQL-backed settings store.
func NewSettingsStore(pool *pgxpool.Pool, tracer trace.Tracer) *settingsStore {
	return &settingsStore{pool: pool, tracer: tracer}
}

func (s *settingsStore) Get(ctx context.Context, key string) (settings.Entry, error) {
	var entry settings.Entry
	dbAttrs := append(defaultDBAttributes, attribute.String("key", key))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_setting", dbAttrs, func(ctx context.Context) error {
		e, err := scanEntry(s.pool.QueryRow(ctx, getSetting, key))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return settings.ErrNotFound
			}
			return fmt.Errorf("failed to get setting: %w", err)
		}
		entry = e
		return nil
	})
	return entry, err
}

func (s *settingsStore) Put(ctx context.Context, key string, value []byte) (settings.Entry, error) {
	var entry settings.Entry
	dbAttrs := append(defaultDBAttributes, attribute.String("key", key), attribute.Int("value_size", len(value)))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.put_setting", dbAttrs, func(ctx context.Context) error {
		e, err := scanEntry(s.pool.QueryRow(ctx, putSetting, key, value))
		if err != nil {
			return fmt.Errorf("failed to put setting: %w", err)
		}
		entry = e
		return nil
	})
	return entry, err
}

func (s *settingsStore) ConditionalPut(
	ctx context.Context,
	key string,
	value []byte,
	expectedVersion int64,
) (settings.Entry, error) {
	var entry settings.Entry
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("key", key),
		attribute.Int64("expected_version", expectedVersion),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.conditional_put_setting", dbAttrs, func(ctx context.Context) error {
		var row pgx.Row
		if expectedVersion == 0 {
			row = s.pool.QueryRow(ctx, insertSetting, key, value)
		} else {
			row = s.pool.QueryRow(ctx, updateSettingIfVersion, key, value, expectedVersion)
		}

		e, err := scanEntry(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return settings.ErrConditionFailed
			}
			return fmt.Errorf("failed to conditionally put setting: %w", err)
		}
		entry = e
		return nil
	})
	return entry, err
}

func (s *settingsStore) Delete(ctx context.Context, key string) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("key", key))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_setting", dbAttrs, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, deleteSetting, key); err != nil {
			return fmt.Errorf("failed to delete setting: %w", err)
		}
		return nil
	})
}

func scanEntry(row pgx.Row) (settings.Entry, error) {
	var e settings.Entry
	if err := row.Scan(&e.Key, &e.Value, &e.Version, &e.UpdatedAt); err != nil {
		return settings.Entry{}, err
	}
	return e, nil
}
