// Package memory provides an in-process settings.Store.
package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/ahrav/batchwalk/internal/settings"
)

var _ settings.Store = (*SettingsStore)(nil)

// SettingsStore is a thread-safe in-memory settings.Store.
type SettingsStore struct {
	mu      sync.Mutex
	entries map[string]settings.Entry
}

// NewSettingsStore creates an empty in-memory settings store.
func NewSettingsStore() *SettingsStore {
	return &SettingsStore{entries: make(map[string]settings.Entry)}
}

func (s *SettingsStore) Get(ctx context.Context, key string) (settings.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return settings.Entry{}, settings.ErrNotFound
	}
	return cloneEntry(e), nil
}

func (s *SettingsStore) Put(ctx context.Context, key string, value []byte) (settings.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write(key, value), nil
}

func (s *SettingsStore) ConditionalPut(
	ctx context.Context,
	key string,
	value []byte,
	expectedVersion int64,
) (settings.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries[key].Version != expectedVersion {
		return settings.Entry{}, settings.ErrConditionFailed
	}
	return s.write(key, value), nil
}

func (s *SettingsStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// write must be called with mu held.
func (s *SettingsStore) write(key string, value []byte) settings.Entry {
	e := settings.Entry{
		Key:       key,
		Value:     bytes.Clone(value),
		Version:   s.entries[key].Version + 1,
		UpdatedAt: time.Now(),
	}
	s.entries[key] = e
	return cloneEntry(e)
}

func cloneEntry(e settings.Entry) settings.Entry {
	e.Value = bytes.Clone(e.Value)
	return e
}
