package catga

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("CATGA_SHARD_COUNT", "4")
	t.Setenv("CATGA_MAX_ATTEMPTS", "5")
	t.Setenv("CATGA_BASE_DELAY", "250ms")
	t.Setenv("CATGA_BACKOFF_MULTIPLIER", "1.5")
	t.Setenv("CATGA_IN_FLIGHT_POLICY", "reject")
	t.Setenv("CATGA_PUBLISH_CONCURRENCY", "8")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.ShardCount)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.BaseDelay)
	assert.Equal(t, 1.5, cfg.BackoffMultiplier)
	assert.Equal(t, InFlightReject, cfg.InFlightPolicy)
	assert.Equal(t, 8, cfg.PublishConcurrency)
	assert.Equal(t, 10*time.Minute, cfg.IdempotencyTTL)
}

func TestLoadConfigRejectsUnparsableEnv(t *testing.T) {
	t.Setenv("CATGA_ATTEMPT_TIMEOUT", "soon")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	t.Setenv("CATGA_IN_FLIGHT_POLICY", "sometimes")

	_, err := LoadConfig()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateReportsEveryField(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShardCount = 0
	cfg.MaxAttempts = 0
	cfg.BackoffMultiplier = 0.5
	cfg.MaxChainDepth = -1

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	for _, field := range []string{"shard count", "max attempts", "backoff multiplier", "max chain depth"} {
		assert.Contains(t, err.Error(), field)
	}
}

func TestConfigRetryPolicy(t *testing.T) {
	p := DefaultConfig().RetryPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, 50*time.Millisecond, p.Jitter)
	assert.Equal(t, 30*time.Second, p.AttemptTimeout)
	assert.NotNil(t, p.ShouldRetry)
}
