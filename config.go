package catga

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "CATGA_"

// InFlightPolicy decides what a duplicate caller does while the first
// invocation of its key is still running.
type InFlightPolicy string

const (
	// InFlightWait blocks until the in-flight invocation resolves, bounded
	// by Config.InFlightWaitTimeout.
	InFlightWait InFlightPolicy = "wait"
	// InFlightReject fails immediately with ErrStillInFlight.
	InFlightReject InFlightPolicy = "reject"
)

// Config is the runtime configuration surface.
type Config struct {
	// ShardCount is the number of idempotency store shards.
	ShardCount int `env:"SHARD_COUNT" envDefault:"16"`
	// IdempotencyTTL is how long terminal outcomes stay cached.
	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"10m"`
	// SweepInterval is how often expired outcomes are evicted.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`

	// MaxAttempts includes the first attempt.
	MaxAttempts       int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	BaseDelay         time.Duration `env:"BASE_DELAY" envDefault:"100ms"`
	BackoffMultiplier float64       `env:"BACKOFF_MULTIPLIER" envDefault:"2"`
	// Jitter is the upper bound of the random delay added to each backoff.
	Jitter time.Duration `env:"JITTER" envDefault:"50ms"`
	// AttemptTimeout bounds each forward attempt. Zero disables it.
	AttemptTimeout time.Duration `env:"ATTEMPT_TIMEOUT" envDefault:"30s"`
	// CompensationTimeout bounds the compensating action. Zero disables it.
	CompensationTimeout time.Duration `env:"COMPENSATION_TIMEOUT" envDefault:"30s"`
	// AttemptGrace is how long an action that ignores its cancelled
	// context may keep running before the invocation is poisoned. Zero
	// waits for it indefinitely.
	AttemptGrace time.Duration `env:"ATTEMPT_GRACE" envDefault:"5s"`

	InFlightPolicy InFlightPolicy `env:"IN_FLIGHT_POLICY" envDefault:"wait"`
	// InFlightWaitTimeout bounds how long a duplicate waits. Zero waits
	// until the caller's context ends.
	InFlightWaitTimeout time.Duration `env:"IN_FLIGHT_WAIT_TIMEOUT" envDefault:"30s"`

	// MaxChainDepth bounds entry-triggered state machine transitions.
	MaxChainDepth int `env:"MAX_CHAIN_DEPTH" envDefault:"10"`
	// PublishConcurrency fans events out to this many subscribers at once;
	// 0 or 1 delivers sequentially.
	PublishConcurrency int `env:"PUBLISH_CONCURRENCY" envDefault:"0"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ShardCount:          16,
		IdempotencyTTL:      10 * time.Minute,
		SweepInterval:       time.Minute,
		MaxAttempts:         3,
		BaseDelay:           100 * time.Millisecond,
		BackoffMultiplier:   2,
		Jitter:              50 * time.Millisecond,
		AttemptTimeout:      30 * time.Second,
		CompensationTimeout: 30 * time.Second,
		AttemptGrace:        5 * time.Second,
		InFlightPolicy:      InFlightWait,
		InFlightWaitTimeout: 30 * time.Second,
		MaxChainDepth:       10,
	}
}

// LoadConfig reads the configuration from CATGA_* environment variables,
// falling back to the defaults, and validates it.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.ShardCount > 0, "shard count must be positive, got %d", c.ShardCount)
	check(c.IdempotencyTTL > 0, "idempotency ttl must be positive, got %s", c.IdempotencyTTL)
	check(c.SweepInterval > 0, "sweep interval must be positive, got %s", c.SweepInterval)
	check(c.MaxAttempts >= 1, "max attempts must be at least 1, got %d", c.MaxAttempts)
	check(c.BaseDelay >= 0, "base delay must not be negative, got %s", c.BaseDelay)
	check(c.BackoffMultiplier >= 1, "backoff multiplier must be at least 1, got %g", c.BackoffMultiplier)
	check(c.Jitter >= 0, "jitter must not be negative, got %s", c.Jitter)
	check(c.AttemptTimeout >= 0, "attempt timeout must not be negative, got %s", c.AttemptTimeout)
	check(c.CompensationTimeout >= 0, "compensation timeout must not be negative, got %s", c.CompensationTimeout)
	check(c.AttemptGrace >= 0, "attempt grace must not be negative, got %s", c.AttemptGrace)
	check(c.InFlightPolicy == InFlightWait || c.InFlightPolicy == InFlightReject,
		"in-flight policy must be %q or %q, got %q", InFlightWait, InFlightReject, c.InFlightPolicy)
	check(c.InFlightWaitTimeout >= 0, "in-flight wait timeout must not be negative, got %s", c.InFlightWaitTimeout)
	check(c.MaxChainDepth > 0, "max chain depth must be positive, got %d", c.MaxChainDepth)
	check(c.PublishConcurrency >= 0, "publish concurrency must not be negative, got %d", c.PublishConcurrency)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// RetryPolicy returns the default retry policy described by c.
func (c Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    c.MaxAttempts,
		BaseDelay:      c.BaseDelay,
		Multiplier:     c.BackoffMultiplier,
		Jitter:         c.Jitter,
		AttemptTimeout: c.AttemptTimeout,
		ShouldRetry:    DefaultShouldRetry,
	}
}
