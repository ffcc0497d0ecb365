package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ahrav/batchwalk/internal/infra/storage"
	"github.com/ahrav/batchwalk/internal/settings"
	"github.com/ahrav/batchwalk/internal/settings/settingstest"
)

func TestPGSettingsStore(t *testing.T) {
	db, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	settingstest.RunStoreTests(t, func(t *testing.T) settings.Store {
		_, err := db.Exec(context.Background(), "TRUNCATE settings")
		require.NoError(t, err)
		return NewSettingsStore(db, storage.NoOpTracer())
	})
}
