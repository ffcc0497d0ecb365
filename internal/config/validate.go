package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Defaults fills unset fields that have a sensible default.
func (c *Config) Defaults() {
	if c.Service.Name == "" {
		c.Service.Name = "batchwalk"
	}
	if c.Service.LogLevel == "" {
		c.Service.LogLevel = "info"
	}
	if c.Job.Mode == "" {
		c.Job.Mode = "traverse"
	}
	if c.Job.Codec == "" {
		c.Job.Codec = "json"
	}
	if c.Storage.Type == "" {
		c.Storage.Type = BackendMemory
	}
	if c.Queue.Type == "" {
		c.Queue.Type = BackendMemory
	}
	if c.Sink.Type == "" {
		c.Sink.Type = SinkLog
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg against its struct tags and returns every violation in
// one error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("failed to validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
