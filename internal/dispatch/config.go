package dispatch

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

// Config controls the worker pool and retry schedule.
type Config struct {
	Workers           int
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	BatchTimeout      time.Duration
	AttemptTimeout    time.Duration
	BadTokenCacheSize int
	BadTokenTTL       time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           50,
		MaxAttempts:       5,
		BackoffBase:       time.Second,
		BackoffCap:        30 * time.Second,
		BatchTimeout:      60 * time.Second,
		AttemptTimeout:    10 * time.Second,
		BadTokenCacheSize: 4096,
		BadTokenTTL:       10 * time.Minute,
	}
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	d := DefaultConfig()
	fs.IntVar(&c.Workers, "dispatch-workers", d.Workers, "concurrent delivery attempts (1..1000)")
	fs.IntVar(&c.MaxAttempts, "dispatch-max-attempts", d.MaxAttempts, "delivery attempts per token before giving up (1..20)")
	fs.DurationVar(&c.BackoffBase, "dispatch-backoff-base", d.BackoffBase, "first retry delay for transient failures")
	fs.DurationVar(&c.BackoffCap, "dispatch-backoff-cap", d.BackoffCap, "upper bound on retry delay")
	fs.DurationVar(&c.BatchTimeout, "dispatch-timeout", d.BatchTimeout, "overall deadline for one alert dispatch")
	fs.DurationVar(&c.AttemptTimeout, "dispatch-attempt-timeout", d.AttemptTimeout, "deadline for a single delivery attempt")
	fs.IntVar(&c.BadTokenCacheSize, "dispatch-bad-token-cache", d.BadTokenCacheSize, "number of rejected tokens remembered across batches")
	fs.DurationVar(&c.BadTokenTTL, "dispatch-bad-token-ttl", d.BadTokenTTL, "how long a rejected token is skipped without a send")
}

// Validate checks all configuration fields for correctness.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers <= 0 || c.Workers > 1000 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_WORKERS %d (must be 1..1000)", c.Workers))
	}
	if c.MaxAttempts <= 0 || c.MaxAttempts > 20 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_MAX_ATTEMPTS %d (must be 1..20)", c.MaxAttempts))
	}
	if c.BackoffBase <= 0 {
		errs = append(errs, errors.New("DISPATCH_BACKOFF_BASE must be positive"))
	}
	if c.BackoffCap < c.BackoffBase {
		errs = append(errs, fmt.Errorf("DISPATCH_BACKOFF_CAP %s must be >= DISPATCH_BACKOFF_BASE %s", c.BackoffCap, c.BackoffBase))
	}
	if c.BatchTimeout <= 0 {
		errs = append(errs, errors.New("DISPATCH_TIMEOUT must be positive"))
	}
	if c.AttemptTimeout <= 0 || c.AttemptTimeout > c.BatchTimeout {
		errs = append(errs, fmt.Errorf("DISPATCH_ATTEMPT_TIMEOUT %s must be in (0, DISPATCH_TIMEOUT]", c.AttemptTimeout))
	}
	if c.BadTokenCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_BAD_TOKEN_CACHE %d (must be > 0)", c.BadTokenCacheSize))
	}
	return errors.Join(errs...)
}
