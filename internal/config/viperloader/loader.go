// Package viperloader loads configuration through viper, so every key can be
// overridden by a BATCHWALK_* environment variable.
package viperloader

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/ahrav/batchwalk/internal/config"
)

// EnvPrefix prefixes every environment override, e.g.
// BATCHWALK_JOB_NAME or BATCHWALK_STORAGE_POSTGRES_DSN.
const EnvPrefix = "BATCHWALK"

var _ config.Loader = (*Loader)(nil)

// Loader reads an optional config file and applies environment overrides.
type Loader struct {
	path string
	v    *viper.Viper
}

// New returns a Loader. An empty path loads from the environment alone.
func New(path string) *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)
	return &Loader{path: path, v: v}
}

func (l *Loader) Load(ctx context.Context) (*config.Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if l.path != "" {
		l.v.SetConfigFile(l.path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg config.Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Defaults()
	if err := config.Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKeys lists the keys that may be set from the environment without
// appearing in the file. AutomaticEnv only consults the environment for keys
// viper already knows about, so Unmarshal would otherwise miss them.
var envKeys = []string{
	"service.name",
	"service.log_level",
	"job.name",
	"job.mode",
	"job.budget",
	"job.lock_ttl",
	"job.inline_checkpoint",
	"job.codec",
	"job.executor.process_limit",
	"job.executor.traversal_limit",
	"job.executor.wait_duration",
	"job.executor.process_rate",
	"job.executor.process_burst",
	"source.type",
	"source.github.token",
	"storage.type",
	"storage.pebble_path",
	"storage.postgres.dsn",
	"queue.type",
	"sink.type",
	"telemetry.endpoint",
	"debug.addr",
}

func bindEnvKeys(v *viper.Viper) {
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}
}
