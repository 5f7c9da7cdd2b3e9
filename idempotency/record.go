package idempotency

import (
	"context"
	"fmt"
	"time"
)

// Status is the lifecycle status of an idempotency record.
type Status int

const (
	StatusInFlight Status = iota
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInFlight:
		return "in_flight"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Outcome is the cached terminal result of an execution. A non-nil Err
// marks a failure; the same error value is handed to every caller.
type Outcome struct {
	Value any
	Err   error
}

// Failed reports whether the outcome carries an error.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Record is a point-in-time view of a stored key.
type Record struct {
	Key       string
	Status    Status
	Outcome   Outcome
	ExpiresAt time.Time
}

// record is the mutable entry owned by a shard. status and expiresAt are
// guarded by the shard lock; outcome is written once before done is closed
// and is immutable afterwards.
type record struct {
	key       string
	status    Status
	outcome   Outcome
	expiresAt time.Time
	done      chan struct{}
}

func (r *record) view() Record {
	return Record{
		Key:       r.key,
		Status:    r.status,
		Outcome:   r.outcome,
		ExpiresAt: r.expiresAt,
	}
}

// ClaimState is the result of TryBegin.
type ClaimState int

const (
	// Claimed means the caller owns the key and must call Complete.
	Claimed ClaimState = iota
	// AlreadyInFlight means another caller owns the key; await it.
	AlreadyInFlight
	// AlreadyCompleted means a cached outcome is available.
	AlreadyCompleted
)

func (s ClaimState) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case AlreadyInFlight:
		return "already_in_flight"
	case AlreadyCompleted:
		return "already_completed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Claim is returned by TryBegin.
type Claim struct {
	State ClaimState
	// Outcome is set when State is AlreadyCompleted.
	Outcome Outcome

	rec *record
}

// Wait blocks until the record observed by TryBegin resolves, or ctx ends.
// For an AlreadyCompleted claim it returns immediately.
func (c Claim) Wait(ctx context.Context) (Outcome, error) {
	if c.State == AlreadyCompleted {
		return c.Outcome, nil
	}
	if c.rec == nil {
		return Outcome{}, ErrNotInFlight
	}
	select {
	case <-c.rec.done:
		return c.rec.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
