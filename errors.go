package catga

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fortressi/catga/mediator"
)

var (
	// ErrTransient marks a retryable failure.
	ErrTransient = errors.New("catga: transient failure")
	// ErrPermanent marks a failure that is not retried and triggers
	// compensation. Exhausted retries are reported as permanent.
	ErrPermanent = errors.New("catga: permanent failure")
	// ErrCompensationFailed marks a poisoned transaction: the
	// compensating action itself failed and an operator must reconcile.
	ErrCompensationFailed = errors.New("catga: compensation failed")
	// ErrTimeout marks an exceeded per-attempt, compensation or in-flight
	// wait deadline.
	ErrTimeout = errors.New("catga: timeout")
	// ErrAttemptAbandoned marks an action that was still running when its
	// grace period after the deadline ran out. The invocation is poisoned
	// because the action's effects may still land.
	ErrAttemptAbandoned = errors.New("catga: attempt abandoned")
	// ErrStillInFlight is returned to a duplicate caller when the original
	// invocation did not resolve in time.
	ErrStillInFlight = errors.New("catga: still in flight")
	// ErrRetriesExhausted is wrapped in the cause of a permanent failure
	// produced by running out of attempts.
	ErrRetriesExhausted = errors.New("catga: retries exhausted")
	// ErrMissingKey is returned when no idempotency key can be derived.
	ErrMissingKey = errors.New("catga: idempotency key is required")
	// ErrDuplicateTransaction is returned when a request type already has
	// a transaction.
	ErrDuplicateTransaction = errors.New("catga: transaction already registered")
	// ErrInvalidTransaction is returned for a transaction without a
	// forward action.
	ErrInvalidTransaction = errors.New("catga: invalid transaction")
	// ErrRegistrySealed is returned when registering after Seal.
	ErrRegistrySealed = errors.New("catga: registry is sealed")
	// ErrUnregisteredTransaction is a configuration error; it matches
	// mediator.ErrUnregisteredHandler as well.
	ErrUnregisteredTransaction = fmt.Errorf("%w: no transaction", mediator.ErrUnregisteredHandler)
	// ErrInvalidConfig wraps every Config validation failure.
	ErrInvalidConfig = errors.New("catga: invalid config")
)

// TransientError marks err as retryable.
type TransientError struct {
	error
}

// Transient wraps err so the default retry policy retries it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{err}
}

func (e *TransientError) Unwrap() error        { return e.error }
func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// PermanentError marks err as not retryable.
type PermanentError struct {
	error
}

// Permanent wraps err so the executor stops retrying and compensates.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{err}
}

func (e *PermanentError) Unwrap() error        { return e.error }
func (e *PermanentError) Is(target error) bool { return target == ErrPermanent }

// FailureKind classifies a TransactionError.
type FailureKind int

const (
	// KindPermanent: the forward action failed for good (including
	// exhausted retries); compensation, if any, succeeded.
	KindPermanent FailureKind = iota
	// KindPoisoned: compensation failed after a forward failure.
	KindPoisoned
	// KindStillInFlight: a duplicate gave up waiting for the original.
	KindStillInFlight
	// KindCanceled: the caller cancelled; owed compensation has run and
	// the key was released.
	KindCanceled
)

func (k FailureKind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindPoisoned:
		return "poisoned"
	case KindStillInFlight:
		return "still_in_flight"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

func (k FailureKind) sentinel() error {
	switch k {
	case KindPermanent:
		return ErrPermanent
	case KindPoisoned:
		return ErrCompensationFailed
	case KindStillInFlight:
		return ErrStillInFlight
	default:
		return nil
	}
}

// TransactionError carries enough context to diagnose a failed
// invocation without replaying internal state.
type TransactionError struct {
	Kind        FailureKind
	Transaction string
	Key         string
	Attempts    int
	// Cause is the forward failure, or the wait/cancel reason.
	Cause error
	// CompensationErr is set for KindPoisoned.
	CompensationErr error
	// Compensated reports that a compensating action ran successfully.
	Compensated bool
	// Events is the execution log of the owning invocation, if any.
	Events []ExecutionEvent
}

func (e *TransactionError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "catga: transaction %q key %q %s", e.Transaction, e.Key, e.Kind)
	if e.Attempts > 0 {
		fmt.Fprintf(&sb, " after %d attempt(s)", e.Attempts)
	}
	if e.Cause != nil {
		fmt.Fprintf(&sb, ": %v", e.Cause)
	}
	if e.CompensationErr != nil {
		fmt.Fprintf(&sb, "; compensation: %v", e.CompensationErr)
	}
	return sb.String()
}

// Unwrap exposes the kind sentinel, the cause and the compensation error.
func (e *TransactionError) Unwrap() []error {
	errs := make([]error, 0, 3)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.CompensationErr != nil {
		errs = append(errs, e.CompensationErr)
	}
	return errs
}

// IsPoisoned reports whether err is a transaction whose compensation
// failed.
func IsPoisoned(err error) bool {
	var terr *TransactionError
	return errors.As(err, &terr) && terr.Kind == KindPoisoned
}
