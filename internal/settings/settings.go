// Package settings defines a small versioned key/value store used for job
// bookkeeping such as the single-flight guard.
package settings

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("setting not found")

	// ErrConditionFailed is returned by ConditionalPut when the stored version
	// does not match the expected one.
	ErrConditionFailed = errors.New("setting version mismatch")
)

// Entry is a stored value together with its version. Versions start at 1 and
// increase by one on every write.
type Entry struct {
	Key       string
	Value     []byte
	Version   int64
	UpdatedAt time.Time
}

// Store is a versioned key/value store.
type Store interface {
	// Get returns the entry for key or ErrNotFound.
	Get(ctx context.Context, key string) (Entry, error)

	// Put writes value unconditionally.
	Put(ctx context.Context, key string, value []byte) (Entry, error)

	// ConditionalPut writes value only if the stored version equals
	// expectedVersion. An expectedVersion of 0 means the key must not exist.
	// It returns ErrConditionFailed otherwise.
	ConditionalPut(ctx context.Context, key string, value []byte, expectedVersion int64) (Entry, error)

	// Delete removes key. It is not an error if the key does not exist.
	Delete(ctx context.Context, key string) error
}
