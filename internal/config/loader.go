package config

import (
	"context"
)

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration so files, environment variables, or both can feed the
// same Config.
type Loader interface {
	// Load retrieves, defaults and validates the configuration.
	Load(ctx context.Context) (*Config, error)
}
