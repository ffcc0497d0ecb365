package viperloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/batchwalk/internal/config"
)

func TestLoader_FileWithEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
job:
  name: from-file
  budget: 1m
source:
  type: fs
  fs:
    root: /srv/data
    include: "\\.log$"
`), 0o600))

	t.Setenv("BATCHWALK_JOB_NAME", "from-env")
	t.Setenv("BATCHWALK_JOB_EXECUTOR_PROCESS_LIMIT", "6")
	t.Setenv("BATCHWALK_STORAGE_TYPE", "pebble")
	t.Setenv("BATCHWALK_STORAGE_PEBBLE_PATH", "/var/lib/walker")

	cfg, err := New(path).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Job.Name)
	assert.Equal(t, time.Minute, cfg.Job.Budget)
	assert.Equal(t, 6, cfg.Job.Executor.ProcessLimit)
	require.NotNil(t, cfg.Source.FS)
	assert.Equal(t, "/srv/data", cfg.Source.FS.Root)
	assert.Equal(t, `\.log$`, cfg.Source.FS.Include)
	assert.Equal(t, config.BackendPebble, cfg.Storage.Type)
	assert.Equal(t, "/var/lib/walker", cfg.Storage.PebblePath)
}

func TestLoader_EnvOnlyFailsValidation(t *testing.T) {
	t.Setenv("BATCHWALK_JOB_NAME", "env-only")

	_, err := New("").Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Config.Source.Type")
}

func TestLoader_MissingFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope.yaml")).Load(context.Background())
	assert.ErrorContains(t, err, "failed to read config file")
}
