// Package settingstest holds behaviour tests shared by every settings.Store
// implementation.
package settingstest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/batchwalk/internal/settings"
)

// RunStoreTests exercises newStore against the settings.Store contract. Each
// subtest gets a fresh store.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) settings.Store) {
	t.Helper()

	t.Run("GetMissing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, settings.ErrNotFound)
	})

	t.Run("PutThenGet", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		put, err := store.Put(ctx, "k", []byte("v1"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), put.Version)

		got, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "k", got.Key)
		assert.Equal(t, []byte("v1"), got.Value)
		assert.Equal(t, int64(1), got.Version)
		assert.False(t, got.UpdatedAt.IsZero())

		put, err = store.Put(ctx, "k", []byte("v2"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), put.Version)
	})

	t.Run("ConditionalPut", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		created, err := store.ConditionalPut(ctx, "lock", []byte("a"), 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), created.Version)

		_, err = store.ConditionalPut(ctx, "lock", []byte("b"), 0)
		assert.ErrorIs(t, err, settings.ErrConditionFailed, "key already exists")

		_, err = store.ConditionalPut(ctx, "lock", []byte("b"), 5)
		assert.ErrorIs(t, err, settings.ErrConditionFailed, "stale version")

		updated, err := store.ConditionalPut(ctx, "lock", []byte("b"), created.Version)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)

		got, err := store.Get(ctx, "lock")
		require.NoError(t, err)
		assert.Equal(t, []byte("b"), got.Value)

		_, err = store.ConditionalPut(ctx, "other", []byte("x"), 3)
		assert.ErrorIs(t, err, settings.ErrConditionFailed, "missing key with non-zero version")
	})

	t.Run("Delete", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		_, err := store.Put(ctx, "k", []byte("v"))
		require.NoError(t, err)
		require.NoError(t, store.Delete(ctx, "k"))

		_, err = store.Get(ctx, "k")
		assert.ErrorIs(t, err, settings.ErrNotFound)

		assert.NoError(t, store.Delete(ctx, "k"))

		created, err := store.ConditionalPut(ctx, "k", []byte("again"), 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), created.Version)
	})

	t.Run("ConcurrentConditionalPut", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		const writers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.ConditionalPut(ctx, "guard", []byte("owner"), 0); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins, "exactly one writer may create the key")
	})
}
