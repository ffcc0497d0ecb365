// Package config defines the walker service configuration and its loaders.
package config

import (
	"time"

	"github.com/ahrav/batchwalk/internal/app/job"
	"github.com/ahrav/batchwalk/internal/providers/fs"
	"github.com/ahrav/batchwalk/internal/providers/github"
	"github.com/ahrav/batchwalk/pkg/batch"
)

// SourceType enumerates the supported sources.
type SourceType string

const (
	SourceTypeFS     SourceType = "fs"
	SourceTypeGitHub SourceType = "github"
)

// BackendType selects a storage or queue implementation.
type BackendType string

const (
	BackendMemory   BackendType = "memory"
	BackendPostgres BackendType = "postgres"
	BackendPebble   BackendType = "pebble"
	BackendKafka    BackendType = "kafka"
)

// SinkType selects where processed records go.
type SinkType string

const (
	SinkLog   SinkType = "log"
	SinkQueue SinkType = "queue"
)

// Config represents the top-level configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service" yaml:"service"`
	Job       JobConfig       `mapstructure:"job" yaml:"job" validate:"required"`
	Source    SourceConfig    `mapstructure:"source" yaml:"source" validate:"required"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue"`
	Sink      SinkConfig      `mapstructure:"sink" yaml:"sink"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Debug     DebugConfig     `mapstructure:"debug" yaml:"debug"`
}

// ServiceConfig carries process-wide settings.
type ServiceConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// JobConfig configures the job runner and the executor it drives.
type JobConfig struct {
	Name string `mapstructure:"name" yaml:"name" validate:"required"`
	// Mode is "traverse" or "process".
	Mode string `mapstructure:"mode" yaml:"mode" validate:"omitempty,oneof=traverse process"`
	// Budget bounds one invocation. Zero runs until the work is done.
	Budget           time.Duration `mapstructure:"budget" yaml:"budget" validate:"gte=0"`
	LockTTL          time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl" validate:"gte=0"`
	InlineCheckpoint bool          `mapstructure:"inline_checkpoint" yaml:"inline_checkpoint"`
	// Codec is "json" or "proto".
	Codec string `mapstructure:"codec" yaml:"codec" validate:"omitempty,oneof=json proto"`

	Executor batch.Config `mapstructure:"executor" yaml:"executor"`
}

// RunnerConfig converts c into the job runner's configuration.
func (c JobConfig) RunnerConfig() job.Config {
	return job.Config{
		Name:             c.Name,
		Mode:             job.Mode(c.Mode),
		Budget:           c.Budget,
		LockTTL:          c.LockTTL,
		InlineCheckpoint: c.InlineCheckpoint,
		Executor:         c.Executor,
	}
}

// SourceConfig selects and configures the provider.
type SourceConfig struct {
	Type   SourceType    `mapstructure:"type" yaml:"type" validate:"required,oneof=fs github"`
	FS     *FSSource     `mapstructure:"fs" yaml:"fs,omitempty" validate:"required_if=Type fs"`
	GitHub *GitHubSource `mapstructure:"github" yaml:"github,omitempty" validate:"required_if=Type github"`
}

// FSSource walks a directory on local disk.
type FSSource struct {
	Root      string `mapstructure:"root" yaml:"root" validate:"required"`
	fs.Config `mapstructure:",squash" yaml:",inline"`
}

// GitHubSource walks the repositories of one or more organizations.
type GitHubSource struct {
	Orgs          []string `mapstructure:"orgs" yaml:"orgs" validate:"required,min=1,dive,required"`
	github.Config `mapstructure:",squash" yaml:",inline"`
	// RequestsPerSecond is the starting request rate. GitHub's rate limit
	// headers adjust it at runtime.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`
}

// StorageConfig selects where checkpoints and settings are kept.
type StorageConfig struct {
	Type     BackendType     `mapstructure:"type" yaml:"type" validate:"omitempty,oneof=memory postgres pebble"`
	Postgres *PostgresConfig `mapstructure:"postgres" yaml:"postgres,omitempty" validate:"required_if=Type postgres"`
	// PebblePath is the settings directory when Type is pebble. Checkpoints
	// then stay in memory unless Postgres is also configured.
	PebblePath string `mapstructure:"pebble_path" yaml:"pebble_path" validate:"required_if=Type pebble"`
}

// PostgresConfig configures the connection pool.
type PostgresConfig struct {
	DSN           string `mapstructure:"dsn" yaml:"dsn" validate:"required"`
	MinConns      int32  `mapstructure:"min_conns" yaml:"min_conns" validate:"gte=0"`
	MaxConns      int32  `mapstructure:"max_conns" yaml:"max_conns" validate:"gte=0"`
	MigrationsURL string `mapstructure:"migrations_url" yaml:"migrations_url"`
}

// QueueConfig selects the continuation queue.
type QueueConfig struct {
	Type  BackendType  `mapstructure:"type" yaml:"type" validate:"omitempty,oneof=memory kafka"`
	Kafka *KafkaConfig `mapstructure:"kafka" yaml:"kafka,omitempty" validate:"required_if=Type kafka"`
}

// KafkaConfig configures the Kafka-backed queue.
type KafkaConfig struct {
	Brokers  []string      `mapstructure:"brokers" yaml:"brokers" validate:"required,min=1"`
	Topic    string        `mapstructure:"topic" yaml:"topic" validate:"required"`
	GroupID  string        `mapstructure:"group_id" yaml:"group_id" validate:"required"`
	ClientID string        `mapstructure:"client_id" yaml:"client_id"`
	ReadWait time.Duration `mapstructure:"read_wait" yaml:"read_wait" validate:"gte=0"`
}

// SinkConfig selects where processed records are sent.
type SinkConfig struct {
	Type SinkType `mapstructure:"type" yaml:"type" validate:"omitempty,oneof=log queue"`
	// Attributes are attached to every queued record.
	Attributes map[string]string `mapstructure:"attributes" yaml:"attributes,omitempty"`
}

// TelemetryConfig enables OTLP export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" validate:"omitempty,hostname_port"`
}

// DebugConfig enables the statsviz and Prometheus debug server when Addr is
// set.
type DebugConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr" validate:"omitempty,hostname_port"`
}
