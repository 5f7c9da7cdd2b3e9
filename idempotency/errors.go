package idempotency

import "errors"

var (
	// ErrNotInFlight is returned when completing or awaiting a key that is
	// not currently claimed.
	ErrNotInFlight = errors.New("idempotency key is not in flight")
	// ErrInvalidShards indicates a non-positive shard count.
	ErrInvalidShards = errors.New("idempotency shard count must be positive")
)
