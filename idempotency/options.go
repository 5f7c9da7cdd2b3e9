package idempotency

import (
	"time"

	"github.com/fortressi/catga/logging"
)

const (
	DefaultShards        = 16
	DefaultTTL           = 10 * time.Minute
	DefaultSweepInterval = time.Minute
)

type config struct {
	shards        int
	defaultTTL    time.Duration
	sweepInterval time.Duration
	clock         Clock
	log           logging.Logger
}

func (c config) withDefaults() config {
	if c.defaultTTL <= 0 {
		c.defaultTTL = DefaultTTL
	}
	if c.sweepInterval <= 0 {
		c.sweepInterval = DefaultSweepInterval
	}
	if c.clock == nil {
		c.clock = SystemClock{}
	}
	c.log = logging.OrNop(c.log)
	return c
}

// Option configures a Store.
type Option func(*config)

// WithShards sets the number of independently locked shards.
func WithShards(n int) Option {
	return func(c *config) { c.shards = n }
}

// WithDefaultTTL sets the TTL applied when Complete is given a zero ttl.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *config) { c.defaultTTL = ttl }
}

// WithSweepInterval sets how often Run removes expired records.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweepInterval = d }
}

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(c *config) { c.clock = clock }
}

// WithLogger sets the logger used by the sweep loop.
func WithLogger(l logging.Logger) Option {
	return func(c *config) { c.log = l }
}
