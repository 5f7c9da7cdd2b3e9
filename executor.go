package catga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fortressi/catga/idempotency"
	"github.com/fortressi/catga/logging"
	"github.com/fortressi/catga/message"
)

// Executor runs registered transactions exactly once per idempotency key,
// retrying transient failures and compensating terminal ones.
type Executor struct {
	store    *idempotency.Store
	registry *TransactionRegistry
	cfg      Config
	defaults RetryPolicy
	log      logging.Logger
	hook     func(*ExecutionLog)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// ExecutorLogger sets the executor logger.
func ExecutorLogger(l logging.Logger) ExecutorOption {
	return func(e *Executor) { e.log = logging.OrNop(l) }
}

// ExecutionHook is called with the log of every invocation that owned its
// key, after the outcome has been stored.
func ExecutionHook(fn func(*ExecutionLog)) ExecutorOption {
	return func(e *Executor) { e.hook = fn }
}

// NewExecutor creates an Executor over store and registry.
func NewExecutor(store *idempotency.Store, registry *TransactionRegistry, cfg Config, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:    store,
		registry: registry,
		cfg:      cfg,
		defaults: cfg.RetryPolicy(),
		log:      logging.Nop{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the transaction registered for Req under key. An empty key
// falls back to the request's message id when Req is a message.Message.
//
// Concurrent and repeated calls with the same key run the forward action
// at most once per TTL window; every caller observes the same result.
func Execute[Req, Resp any](ctx context.Context, e *Executor, req Req, key string) (Resp, error) {
	var zero Resp

	tx, err := lookupFor[Req](e.registry)
	if err != nil {
		return zero, err
	}
	out, err := e.execute(ctx, tx, req, key)
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	resp, ok := out.(Resp)
	if !ok {
		return zero, fmt.Errorf("catga: transaction %s returned %T, not %s", tx.Name(), out, message.TypeOf[Resp]())
	}
	return resp, nil
}

// Execute is the untyped form of the package-level Execute. The
// transaction is looked up by the dynamic type of req.
func (e *Executor) Execute(ctx context.Context, req any, key string) (any, error) {
	tx, err := e.registry.lookup(message.TypeName(req))
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, tx, req, key)
}

func (e *Executor) execute(ctx context.Context, tx runner, req any, key string) (any, error) {
	if key == "" {
		if msg, ok := req.(message.Message); ok {
			key = msg.MessageID()
		}
	}
	if key == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingKey, tx.Name())
	}

	for {
		claim := e.store.TryBegin(key)
		switch claim.State {
		case idempotency.Claimed:
			return e.run(ctx, tx, req, key)
		case idempotency.AlreadyCompleted:
			e.log.Debug("catga duplicate resolved from cache", "transaction", tx.Name(), "key", key)
			return claim.Outcome.Value, claim.Outcome.Err
		}

		out, err := e.await(ctx, tx, key, claim)
		if err != nil {
			return nil, err
		}
		if released(out) {
			// The owner was cancelled and gave the key back; claim again.
			continue
		}
		return out.Value, out.Err
	}
}

// await handles a duplicate that found the key in flight.
func (e *Executor) await(ctx context.Context, tx runner, key string, claim idempotency.Claim) (idempotency.Outcome, error) {
	if e.cfg.InFlightPolicy == InFlightReject {
		return idempotency.Outcome{}, &TransactionError{
			Kind:        KindStillInFlight,
			Transaction: tx.Name(),
			Key:         key,
		}
	}

	waitCtx := ctx
	if timeout := e.cfg.InFlightWaitTimeout; timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	e.log.Debug("catga waiting for in-flight duplicate", "transaction", tx.Name(), "key", key)
	out, err := claim.Wait(waitCtx)
	if err == nil {
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return idempotency.Outcome{}, &TransactionError{
			Kind:        KindCanceled,
			Transaction: tx.Name(),
			Key:         key,
			Cause:       ctxErr,
		}
	}
	return idempotency.Outcome{}, &TransactionError{
		Kind:        KindStillInFlight,
		Transaction: tx.Name(),
		Key:         key,
		Cause:       fmt.Errorf("%w: waited %s", ErrTimeout, e.cfg.InFlightWaitTimeout),
	}
}

func released(out idempotency.Outcome) bool {
	var terr *TransactionError
	return errors.As(out.Err, &terr) && terr.Kind == KindCanceled
}

// run owns key until it returns; the outcome is always stored.
func (e *Executor) run(ctx context.Context, tx runner, req any, key string) (result any, err error) {
	log := NewExecutionLog(tx.Name(), key)
	ttl := tx.ttl()

	defer func() {
		if cerr := e.store.Complete(key, idempotency.Outcome{Value: result, Err: err}, ttl); cerr != nil {
			e.log.Error("catga failed to store outcome", "transaction", tx.Name(), "key", key, "error", cerr)
		}
		if e.hook != nil {
			e.hook(log)
		}
	}()

	policy := e.defaults
	if p := tx.policy(); p != nil {
		policy = p.inherit(e.defaults)
	}

	resp, attempts, cause, canceled := e.forward(ctx, tx, req, policy, log)
	if cause == nil {
		e.log.Debug("catga transaction succeeded", "transaction", tx.Name(), "key", key, "attempts", attempts)
		return resp, nil
	}

	terr := &TransactionError{
		Kind:        KindPermanent,
		Transaction: tx.Name(),
		Key:         key,
		Attempts:    attempts,
		Cause:       cause,
	}

	switch {
	case errors.Is(cause, ErrAttemptAbandoned):
		// The abandoned attempt may still land effects; compensation must not run.
		terr.Kind = KindPoisoned
	case attempts > 0 && tx.compensable():
		if cerr := e.compensate(ctx, tx, req, log); cerr != nil {
			terr.Kind = KindPoisoned
			terr.CompensationErr = cerr
		} else {
			terr.Compensated = true
		}
	}

	switch {
	case terr.Kind == KindPoisoned:
		e.log.Error("catga transaction poisoned", "transaction", tx.Name(), "key", key,
			"attempts", attempts, "error", cause, "compensation_error", terr.CompensationErr)
	case canceled:
		terr.Kind = KindCanceled
		ttl = -1
		e.log.Warn("catga transaction cancelled", "transaction", tx.Name(), "key", key,
			"attempts", attempts, "compensated", terr.Compensated)
	default:
		e.log.Warn("catga transaction failed", "transaction", tx.Name(), "key", key,
			"attempts", attempts, "compensated", terr.Compensated, "error", cause)
	}

	terr.Events = log.Events()
	return nil, terr
}

// forward runs the retry loop. canceled reports that ctx ended it. An
// attempt that outlives its deadline by more than the grace period ends
// the loop with ErrAttemptAbandoned.
func (e *Executor) forward(ctx context.Context, tx runner, req any, p RetryPolicy, log *ExecutionLog) (resp any, attempts int, cause error, canceled bool) {
	var (
		lastErr error
		prev    time.Duration
	)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt - 1, errors.Join(err, lastErr), true
		}

		e.record(log, ExecutionEvent{Type: EventAttemptStarted, Attempt: attempt})
		out, err := bounded(ctx, p.AttemptTimeout, e.cfg.AttemptGrace, func(ctx context.Context) (any, error) {
			return tx.execute(ctx, req)
		})
		if err == nil {
			e.record(log, ExecutionEvent{Type: EventAttemptSucceeded, Attempt: attempt})
			return out, attempt, nil, false
		}

		lastErr = err
		e.record(log, ExecutionEvent{Type: EventAttemptFailed, Attempt: attempt, Err: err})
		e.log.Debug("catga attempt failed", "transaction", tx.Name(), "key", log.Key(), "attempt", attempt, "error", err)

		if errors.Is(err, ErrAttemptAbandoned) {
			return nil, attempt, err, ctx.Err() != nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, attempt, errors.Join(ctxErr, err), true
		}
		if !p.ShouldRetry(err) {
			return nil, attempt, err, false
		}
		if attempt == p.MaxAttempts {
			break
		}

		// Jitter must not make a later wait shorter than an earlier one.
		delay := max(prev, p.Delay(attempt))
		prev = delay
		e.record(log, ExecutionEvent{Type: EventBackoff, Attempt: attempt, Delay: delay})
		if !sleep(ctx, delay) {
			return nil, attempt, errors.Join(ctx.Err(), err), true
		}
	}
	return nil, p.MaxAttempts, fmt.Errorf("%w after %d attempt(s): %w", ErrRetriesExhausted, p.MaxAttempts, lastErr), false
}

// compensate runs the compensating action once. It is detached from the
// caller's cancellation and bounded by CompensationTimeout instead.
func (e *Executor) compensate(ctx context.Context, tx runner, req any, log *ExecutionLog) error {
	attempt := log.Attempts()
	e.record(log, ExecutionEvent{Type: EventCompensationStarted, Attempt: attempt})

	_, err := bounded(context.WithoutCancel(ctx), e.cfg.CompensationTimeout, e.cfg.AttemptGrace, func(ctx context.Context) (any, error) {
		return nil, tx.undo(ctx, req)
	})
	if err != nil {
		e.record(log, ExecutionEvent{Type: EventCompensationFailed, Attempt: attempt, Err: err})
		return err
	}
	e.record(log, ExecutionEvent{Type: EventCompensationFinished, Attempt: attempt})
	return nil
}

func (e *Executor) record(log *ExecutionLog, evt ExecutionEvent) {
	if err := log.Record(evt); err != nil {
		e.log.Error("catga execution log rejected event", "error", err)
	}
}

// bounded calls fn with a deadline of timeout (none when zero) and does
// not return before fn does: once the deadline passes or ctx ends, it
// keeps waiting for fn up to grace (forever when zero) and reports
// ErrAttemptAbandoned if fn is still running. A panic in fn is reported
// as a permanent error.
func bounded(ctx context.Context, timeout, grace time.Duration, fn func(context.Context) (any, error)) (any, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: Permanent(fmt.Errorf("panic: %v", r))}
			}
		}()
		out, err := fn(callCtx)
		done <- result{out, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-callCtx.Done():
		var graceC <-chan time.Time
		if grace > 0 {
			t := time.NewTimer(grace)
			defer t.Stop()
			graceC = t.C
		}
		select {
		case r = <-done:
		case <-graceC:
			return nil, fmt.Errorf("%w: still running %s after its deadline", ErrAttemptAbandoned, grace)
		}
	}

	if r.err == nil {
		return r.out, nil
	}
	if ctx.Err() != nil {
		return r.out, r.err
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: exceeded %s: %w", ErrTimeout, timeout, context.DeadlineExceeded)
	}
	return r.out, r.err
}
