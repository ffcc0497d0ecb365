package batch

import (
	"fmt"
	"time"
)

const (
	// DefaultLimit is the concurrency used for either loop when none is set.
	DefaultLimit = 1
	// DefaultWaitDuration bounds how long the processing loop waits on an empty
	// queue before re-checking while traversal may still produce work.
	DefaultWaitDuration = 100 * time.Millisecond
	// DefaultProcessBurst is the limiter burst used when ProcessRate is set
	// without a burst.
	DefaultProcessBurst = 1
)

// Config controls the concurrency and pacing of a run. Zero values select the
// defaults, which run both loops sequentially.
type Config struct {
	// ProcessLimit is the maximum number of Process calls in flight.
	ProcessLimit int `json:"processLimit" yaml:"process_limit" mapstructure:"process_limit"`

	// TraversalLimit is the maximum number of items being traversed at once.
	TraversalLimit int `json:"traversalLimit" yaml:"traversal_limit" mapstructure:"traversal_limit"`

	// WaitDuration is the longest the processing loop sleeps on an empty queue
	// while traversal is still running. An enqueue wakes it earlier.
	WaitDuration time.Duration `json:"waitDuration" yaml:"wait_duration" mapstructure:"wait_duration"`

	// ProcessRate caps Process calls per second across the whole processing
	// pool. Zero disables rate limiting.
	ProcessRate float64 `json:"processRate,omitempty" yaml:"process_rate" mapstructure:"process_rate"`

	// ProcessBurst is the number of Process calls allowed at once when
	// ProcessRate is set.
	ProcessBurst int `json:"processBurst,omitempty" yaml:"process_burst" mapstructure:"process_burst"`
}

// withDefaults validates c and fills in every zero field.
func (c Config) withDefaults() (Config, error) {
	switch {
	case c.ProcessLimit < 0:
		return c, fmt.Errorf("%w: process limit %d must not be negative", ErrInvalidArgument, c.ProcessLimit)
	case c.TraversalLimit < 0:
		return c, fmt.Errorf("%w: traversal limit %d must not be negative", ErrInvalidArgument, c.TraversalLimit)
	case c.WaitDuration < 0:
		return c, fmt.Errorf("%w: wait duration %s must not be negative", ErrInvalidArgument, c.WaitDuration)
	case c.ProcessRate < 0:
		return c, fmt.Errorf("%w: process rate %g must not be negative", ErrInvalidArgument, c.ProcessRate)
	case c.ProcessBurst < 0:
		return c, fmt.Errorf("%w: process burst %d must not be negative", ErrInvalidArgument, c.ProcessBurst)
	}

	if c.ProcessLimit == 0 {
		c.ProcessLimit = DefaultLimit
	}
	if c.TraversalLimit == 0 {
		c.TraversalLimit = DefaultLimit
	}
	if c.WaitDuration == 0 {
		c.WaitDuration = DefaultWaitDuration
	}
	if c.ProcessRate > 0 && c.ProcessBurst == 0 {
		c.ProcessBurst = DefaultProcessBurst
	}
	return c, nil
}
