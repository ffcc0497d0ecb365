// Package pebble provides a settings.Store backed by an embedded Pebble
// database for single-process deployments.
package pebble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/batchwalk/internal/infra/storage"
	"github.com/ahrav/batchwalk/internal/settings"
)

var _ settings.Store = (*SettingsStore)(nil)

const (
	keyPrefix = "settings:"

	// version (8) + updated_at unix nanos (8).
	headerSize = 16
)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "pebble"),
}

// SettingsStore keeps settings in a Pebble database. Pebble has no native
// compare-and-set, so writes are serialised by mu; the store is therefore only
// safe when a single process owns the database directory.
type SettingsStore struct {
	mu     sync.Mutex
	db     *pebble.DB
	tracer trace.Tracer
}

// NewSettingsStore opens (or creates) the database at path.
func NewSettingsStore(path string, tracer trace.Tracer) (*SettingsStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create settings directory: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble: %w", err)
	}
	return &SettingsStore{db: db, tracer: tracer}, nil
}

// Close flushes and closes the database.
func (s *SettingsStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SettingsStore) Get(ctx context.Context, key string) (settings.Entry, error) {
	var entry settings.Entry
	dbAttrs := append(defaultDBAttributes, attribute.String("key", key))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "pebble.get_setting", dbAttrs, func(ctx context.Context) error {
		e, err := s.read(key)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	return entry, err
}

func (s *SettingsStore) Put(ctx context.Context, key string, value []byte) (settings.Entry, error) {
	var entry settings.Entry
	dbAttrs := append(defaultDBAttributes, attribute.String("key", key), attribute.Int("value_size", len(value)))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "pebble.put_setting", dbAttrs, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		current, err := s.version(key)
		if err != nil {
			return err
		}
		entry, err = s.write(key, value, current+1)
		return err
	})
	return entry, err
}

func (s *SettingsStore) ConditionalPut(
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
	err := storage.ExecuteAndTrace(ctx, s.tracer, "pebble.conditional_put_setting", dbAttrs, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		current, err := s.version(key)
		if err != nil {
			return err
		}
		if current != expectedVersion {
			return settings.ErrConditionFailed
		}
		entry, err = s.write(key, value, current+1)
		return err
	})
	return entry, err
}

func (s *SettingsStore) Delete(ctx context.Context, key string) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("key", key))
	return storage.ExecuteAndTrace(ctx, s.tracer, "pebble.delete_setting", dbAttrs, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if err := s.db.Delete([]byte(keyPrefix+key), pebble.Sync); err != nil {
			return fmt.Errorf("failed to delete setting: %w", err)
		}
		return nil
	})
}

func (s *SettingsStore) read(key string) (settings.Entry, error) {
	v, closer, err := s.db.Get([]byte(keyPrefix + key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return settings.Entry{}, settings.ErrNotFound
		}
		return settings.Entry{}, fmt.Errorf("failed to get setting: %w", err)
	}
	defer closer.Close()

	return decodeEntry(key, v)
}

// version returns 0 for a missing key. Callers hold mu.
func (s *SettingsStore) version(key string) (int64, error) {
	e, err := s.read(key)
	if errors.Is(err, settings.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return e.Version, nil
}

func (s *SettingsStore) write(key string, value []byte, version int64) (settings.Entry, error) {
	e := settings.Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   version,
		UpdatedAt: time.Now().UTC(),
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(keyPrefix+key), encodeEntry(e), nil); err != nil {
		return settings.Entry{}, fmt.Errorf("failed to stage setting: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return settings.Entry{}, fmt.Errorf("failed to commit setting: %w", err)
	}
	return e, nil
}

func encodeEntry(e settings.Entry) []byte {
	buf := make([]byte, headerSize+len(e.Value))
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.Version))
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.UpdatedAt.UnixNano()))
	copy(buf[headerSize:], e.Value)
	return buf
}

func decodeEntry(key string, raw []byte) (settings.Entry, error) {
	if len(raw) < headerSize {
		return settings.Entry{}, fmt.Errorf("corrupt setting %q: %d bytes", key, len(raw))
	}
	// Copy out of pebble's buffer; it is only valid until the closer runs.
	value := make([]byte, len(raw)-headerSize)
	copy(value, raw[headerSize:])

	return settings.Entry{
		Key:       key,
		Value:     value,
		Version:   int64(binary.BigEndian.Uint64(raw[0:8])),
		UpdatedAt: time.Unix(0, int64(binary.BigEndian.Uint64(raw[8:16]))).UTC(),
	}, nil
}
