package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/batchwalk/internal/app/job"
	"github.com/ahrav/batchwalk/internal/providers/fs"
	"github.com/ahrav/batchwalk/pkg/batch"
)

func validConfig() *Config {
	cfg := &Config{
		Job: JobConfig{Name: "nightly"},
		Source: SourceConfig{
			Type: SourceTypeFS,
			FS:   &FSSource{Root: "/data", Config: fs.Config{Include: `\.go$`}},
		},
	}
	cfg.Defaults()
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "batchwalk", cfg.Service.Name)
	assert.Equal(t, "info", cfg.Service.LogLevel)
	assert.Equal(t, "traverse", cfg.Job.Mode)
	assert.Equal(t, "json", cfg.Job.Codec)
	assert.Equal(t, BackendMemory, cfg.Storage.Type)
	assert.Equal(t, BackendMemory, cfg.Queue.Type)
	assert.Equal(t, SinkLog, cfg.Sink.Type)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "missing job name",
			mutate:  func(c *Config) { c.Job.Name = "" },
			wantErr: "Config.Job.Name",
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Job.Mode = "sideways" },
			wantErr: "Config.Job.Mode",
		},
		{
			name:    "negative budget",
			mutate:  func(c *Config) { c.Job.Budget = -time.Second },
			wantErr: "Config.Job.Budget",
		},
		{
			name:    "fs source without fs block",
			mutate:  func(c *Config) { c.Source.FS = nil },
			wantErr: "Config.Source.FS",
		},
		{
			name:    "github source without orgs",
			mutate:  func(c *Config) { c.Source = SourceConfig{Type: SourceTypeGitHub, GitHub: &GitHubSource{}} },
			wantErr: "Config.Source.GitHub.Orgs",
		},
		{
			name:    "postgres without dsn block",
			mutate:  func(c *Config) { c.Storage.Type = BackendPostgres },
			wantErr: "Config.Storage.Postgres",
		},
		{
			name:    "pebble without path",
			mutate:  func(c *Config) { c.Storage.Type = BackendPebble },
			wantErr: "Config.Storage.PebblePath",
		},
		{
			name:    "kafka without brokers",
			mutate:  func(c *Config) { c.Queue = QueueConfig{Type: BackendKafka, Kafka: &KafkaConfig{Topic: "t", GroupID: "g"}} },
			wantErr: "Config.Queue.Kafka.Brokers",
		},
		{
			name:    "bad debug addr",
			mutate:  func(c *Config) { c.Debug.Addr = "not an address" },
			wantErr: "Config.Debug.Addr",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	assert.Error(t, Validate(nil))
}

func TestJobConfig_RunnerConfig(t *testing.T) {
	jc := JobConfig{
		Name:             "nightly",
		Mode:             "process",
		Budget:           time.Minute,
		LockTTL:          time.Hour,
		InlineCheckpoint: true,
		Executor:         batch.Config{ProcessLimit: 4},
	}
	assert.Equal(t, job.Config{
		Name:             "nightly",
		Mode:             job.ModeProcess,
		Budget:           time.Minute,
		LockTTL:          time.Hour,
		InlineCheckpoint: true,
		Executor:         batch.Config{ProcessLimit: 4},
	}, jc.RunnerConfig())
}
