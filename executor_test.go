package catga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortressi/catga/idempotency"
	"github.com/fortressi/catga/mediator"
	"github.com/fortressi/catga/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Pay struct {
	OrderID string
	Amount  int
}

type Receipt struct {
	OrderID string
	Charge  string
}

type PlaceOrder struct {
	message.Metadata
	Item string
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.Jitter = 0
	cfg.AttemptTimeout = time.Second
	cfg.CompensationTimeout = time.Second
	cfg.InFlightWaitTimeout = time.Second
	return cfg
}

// logs collects the execution log of every owned invocation.
type logs struct {
	mu   sync.Mutex
	logs []*ExecutionLog
}

func (l *logs) hook(log *ExecutionLog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, log)
}

func (l *logs) last(t *testing.T) *ExecutionLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	require.NotEmpty(t, l.logs)
	return l.logs[len(l.logs)-1]
}

func newTestExecutor(t *testing.T, cfg Config, opts ...ExecutorOption) (*Executor, *TransactionRegistry) {
	t.Helper()
	store, err := idempotency.New(idempotency.WithDefaultTTL(cfg.IdempotencyTTL))
	require.NoError(t, err)
	reg := NewTransactionRegistry()
	return NewExecutor(store, reg, cfg, opts...), reg
}

// payment is a fake payment gateway. The first failures calls to charge
// fail with err.
type payment struct {
	failures  int
	err       error
	refundErr error

	charges atomic.Int32
	refunds atomic.Int32
}

func (p *payment) charge(_ context.Context, req Pay) (Receipt, error) {
	n := int(p.charges.Add(1))
	if n <= p.failures {
		return Receipt{}, p.err
	}
	return Receipt{OrderID: req.OrderID, Charge: "ch_1"}, nil
}

func (p *payment) refund(context.Context, Pay) error {
	p.refunds.Add(1)
	return p.refundErr
}

func (p *payment) transaction() *Transaction[Pay, Receipt] {
	return NewTransaction("pay", p.charge, p.refund)
}

func TestExecuteRetriesThenCachesResult(t *testing.T) {
	var seen logs
	exec, reg := newTestExecutor(t, testConfig(), ExecutionHook(seen.hook))
	gw := &payment{failures: 2, err: Transient(errors.New("gateway unavailable"))}
	require.NoError(t, Register(reg, gw.transaction()))

	ctx := context.Background()
	receipt, err := Execute[Pay, Receipt](ctx, exec, Pay{OrderID: "order-42", Amount: 100}, "order-42")
	require.NoError(t, err)
	assert.Equal(t, Receipt{OrderID: "order-42", Charge: "ch_1"}, receipt)
	assert.Equal(t, int32(3), gw.charges.Load())
	assert.Zero(t, gw.refunds.Load())

	log := seen.last(t)
	assert.Equal(t, StatusSucceeded, log.Status())
	assert.Equal(t, 3, log.Attempts())
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, log.Delays())

	again, err := Execute[Pay, Receipt](ctx, exec, Pay{OrderID: "order-42", Amount: 100}, "order-42")
	require.NoError(t, err)
	assert.Equal(t, receipt, again)
	assert.Equal(t, int32(3), gw.charges.Load(), "duplicate must not run the action again")
}

func TestExecuteRunsOnceForConcurrentCallers(t *testing.T) {
	exec, reg := newTestExecutor(t, testConfig())

	var runs atomic.Int32
	release := make(chan struct{})
	tx := NewTransaction("slow-pay", func(ctx context.Context, req Pay) (Receipt, error) {
		runs.Add(1)
		<-release
		return Receipt{OrderID: req.OrderID, Charge: "ch_once"}, nil
	}, nil)
	require.NoError(t, Register(reg, tx))

	const callers = 32
	results := make([]Receipt, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = Execute[Pay, Receipt](context.Background(), exec, Pay{OrderID: "order-7"}, "order-7")
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, Receipt{OrderID: "order-7", Charge: "ch_once"}, results[i])
	}
}

func TestExecuteExhaustedRetriesCompensateOnce(t *testing.T) {
	var seen logs
	exec, reg := newTestExecutor(t, testConfig(), ExecutionHook(seen.hook))
	gw := &payment{failures: 100, err: errors.New("gateway unavailable")}
	require.NoError(t, Register(reg, gw.transaction()))

	_, err := Execute[Pay, Receipt](context.Background(), exec, Pay{OrderID: "order-9"}, "order-9")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.NotErrorIs(t, err, ErrCompensationFailed)

	var terr *TransactionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindPermanent, terr.Kind)
	assert.Equal(t, 3, terr.Attempts)
	assert.True(t, terr.Compensated)
	assert.Equal(t, "pay", terr.Transaction)
	assert.Equal(t, "order-9", terr.Key)
	assert.NotEmpty(t, terr.Events)

	assert.Equal(t, int32(3), gw.charges.Load())
	assert.Equal(t, int32(1), gw.refunds.Load())

	log := seen.last(t)
	assert.Equal(t, StatusCompensated, log.Status())
	delays := log.Delays()
	require.Len(t, delays, 2)
	assert.LessOrEqual(t, delays[0], delays[1])

	_, again := Execute[Pay, Receipt](context.Background(), exec, Pay{OrderID: "order-9"}, "order-9")
	var cached *TransactionError
	require.ErrorAs(t, again, &cached)
	assert.Same(t, terr, cached, "duplicates observe the identical failure")
	assert.Equal(t, int32(3), gw.charges.Load())
	assert.Equal(t, int32(1), gw.refunds.Load())
}

func TestExecutePermanentErrorIsNotRetried(t *testing.T) {
	exec, reg := newTestExecutor(t, testConfig())
	declined := errors.New("card declined")
	gw := &payment{failures: 100, err: Permanent(declined)}
	require.NoError(t, Register(reg, gw.transaction()))

	_, err := Execute[Pay, Receipt](context.Background(), exec, Pay{OrderID: "order-1"}, "order-1")
	assert.ErrorIs(t, err, ErrPermanent)
	assert.ErrorIs(t, err, declined)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, int32(1), gw.charges.Load())
	assert.Equal(t, int32(1), gw.refunds.Load())
}

func TestExecuteCompensationFailurePoisons(t *testing.T) {
	var seen logs
	exec, reg := newTestExecutor(t, testConfig(), ExecutionHook(seen.hook))
	refundDown := errors.New("refund service down")
	gw := &payment{failures: 100, err: Permanent(errors.New("declined")), refundErr: refundDown}
	require.NoError(t, Register(reg, gw.transaction()))

	_, err := Execute[Pay, Receipt](context.Background(), exec, Pay{OrderID: "order-2"}, "order-2")
	assert.ErrorIs(t, err, ErrCompensationFailed)
	assert.ErrorIs(t, err, refundDown)
	assert.True(t, IsPoisoned(err))
	assert.Equal(t, StatusPoisoned, seen.last(t).Status())
}

func TestExecuteWithoutCompensation(t *testing.T) {
	var seen logs
	exec, reg := newTestExecutor(t, testConfig(), ExecutionHook(seen.hook))
	tx := NewTransaction("notify", func(context.Context, Pay) (Receipt, error) {
		return Receipt{}, Permanent(errors.New("no route"))
	}, nil)
	require.NoError(t, Register(reg, tx))

	_, err := Execute[Pay, Receipt](context.Background(), exec, Pay{}, "notify-1")
	var terr *TransactionError
	require.ErrorAs(t, err, &terr)
	assert.False(t, terr.Compensated)
	assert.Zero(t, seen.last(t).Compensations())
}

func TestExecuteRecoversPanics(t *testing.T) {
	exec, reg := newTestExecutor(t, testConfig())
	var runs atomic.Int32
	tx := NewTransaction("explode", func(context.Context, Pay) (Receipt, error) {
		runs.Add(1)
		panic("kaboom")
	}, NoCompensation[Pay])
	require.NoError(t, Register(reg, tx))

	_, err := Execute[Pay, Receipt](context.Background(), exec, Pay{}, "explode-1")
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, int32(1), runs.Load())
}

func TestExecuteAttemptTimeout(t *testing.T) {
	var seen logs
	exec, reg := newTestExecutor(t, testConfig(), ExecutionHook(seen.hook))

	var runs atomic.Int32
	tx := NewTransaction("hang-once", func(ctx context.Context, req Pay) (Receipt, error) {
		if runs.Add(1) == 1 {
			<-ctx.Done()
			return Receipt{}, ctx.Err()
		}
		return Receipt{OrderID: req.OrderID}, nil
	}, nil).WithRetry(RetryPolicy{AttemptTimeout: 20 * time.Millisecond})
	require.NoError(t, Register(reg, tx))

	receipt, err := Execute[Pay, Receipt](context.Background(), exec, Pay{OrderID: "order-3"}, "order-3")
	require.NoError(t, err)
	assert.Equal(t, "order-3", receipt.OrderID)

	events := seen.last(t).Events()
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, EventAttemptFailed, events[1].Type)
	assert.ErrorIs(t, events[1].Err, ErrTimeout)
}

func TestExecuteInFlightReject(t *testing.T) {
	cfg := testConfig()
	cfg.InFlightPolicy = InFlightReject
	exec, reg := newTestExecutor(t, cfg)

	started := make(chan struct{})
	release := make(chan struct{})
	tx := NewTransaction("blocking", func(context.Context, Pay) (Receipt, error) {
		close(started)
		<-release
		return Receipt{Charge: "ch_first"}, nil
	}, nil)
	require.NoError(t, Register(reg, tx))

	first := make(chan error, 1)
	go func() {
		_, err := Execute[Pay, Receipt](context.Background(), exec, Pay{}, "k")
		first <- err
	}()
	<-started

	_, err := Execute[Pay, Receipt](context.Background(), exec, Pay{}, "k")
	assert.ErrorIs(t, err, ErrStillInFlight)

	close(release)
	require.NoError(t, <-first)

	receipt, err := Execute[Pay, Receipt](context.Background(), exec, Pay{}, "k")
	require.NoError(t, err)
	assert.Equal(t, "ch_first", receipt.Charge)
}

func TestExecuteInFlightWaitTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.InFlightWaitTimeout = 20 * time.Millisecond
	exec, reg := newTestExecutor(t, cfg)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	tx := NewTransaction("blocking", func(context.Context, Pay) (Receipt, error) {
		close(started)
		<-release
		return Receipt{}, nil
	}, nil)
	require.NoError(t, Register(reg, tx))

	go func() { _, _ = Execute[Pay, Receipt](context.Background(), exec, Pay{}, "k") }()
	<-started

	_, err := Execute[Pay, Receipt](context.Background(), exec, Pay{}, "k")
	assert.ErrorIs(t, err, ErrStillInFlight)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestExecuteCancellationCompensatesAndReleasesKey(t *testing.T) {
	exec, reg := newTestExecutor(t, testConfig())

	failed := make(chan struct{}, 1)
	gw := &payment{failures: 1, err: errors.New("gateway unavailable")}
	tx := NewTransaction("pay", func(ctx context.Context, req Pay) (Receipt, error) {
		r, err := gw.charge(ctx, req)
		if err != nil {
			failed <- struct{}{}
		}
		return r, err
	}, gw.refund).WithRetry(RetryPolicy{BaseDelay: time.Hour})
	require.NoError(t, Register(reg, tx))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := Execute[Pay, Receipt](ctx, exec, Pay{OrderID: "order-5"}, "order-5")
		done <- err
	}()
	<-failed
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	var terr *TransactionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindCanceled, terr.Kind)
	assert.True(t, terr.Compensated)
	assert.Equal(t, int32(1), gw.refunds.Load())

	_, held := exec.store.Lookup("order-5")
	assert.False(t, held, "cancelled invocation must release its key")

	receipt, err := Execute[Pay, Receipt](context.Background(), exec, Pay{OrderID: "order-5"}, "order-5")
	require.NoError(t, err)
	assert.Equal(t, "order-5", receipt.OrderID)
	assert.Equal(t, int32(2), gw.charges.Load())
}

func TestExecuteKeyResolution(t *testing.T) {
	exec, reg := newTestExecutor(t, testConfig())

	var runs atomic.Int32
	tx := NewTransaction("", func(_ context.Context, req PlaceOrder) (string, error) {
		runs.Add(1)
		return "placed " + req.Item, nil
	}, nil)
	assert.Equal(t, message.TypeOf[PlaceOrder](), tx.Name())
	require.NoError(t, Register(reg, tx))

	req := PlaceOrder{Metadata: message.NewMetadata(message.WithID("msg-1")), Item: "book"}
	out, err := Execute[PlaceOrder, string](context.Background(), exec, req, "")
	require.NoError(t, err)
	assert.Equal(t, "placed book", out)

	_, err = Execute[PlaceOrder, string](context.Background(), exec, req, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), runs.Load(), "message id is the default key")

	_, err = Execute[PlaceOrder, string](context.Background(), exec, PlaceOrder{}, "")
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestExecuteUnregistered(t *testing.T) {
	exec, _ := newTestExecutor(t, testConfig())

	_, err := Execute[Pay, Receipt](context.Background(), exec, Pay{}, "k")
	assert.ErrorIs(t, err, ErrUnregisteredTransaction)
	assert.ErrorIs(t, err, mediator.ErrUnregisteredHandler)
}

func TestExecutorUntyped(t *testing.T) {
	exec, reg := newTestExecutor(t, testConfig())
	gw := &payment{}
	require.NoError(t, Register(reg, gw.transaction()))

	out, err := exec.Execute(context.Background(), Pay{OrderID: "order-8"}, "order-8")
	require.NoError(t, err)
	assert.Equal(t, Receipt{OrderID: "order-8", Charge: "ch_1"}, out)

	_, err = exec.Execute(context.Background(), Receipt{}, "order-8")
	assert.ErrorIs(t, err, ErrUnregisteredTransaction)
}

func TestRegisterValidation(t *testing.T) {
	reg := NewTransactionRegistry()
	gw := &payment{}

	require.NoError(t, Register(reg, gw.transaction()))
	assert.ErrorIs(t, Register(reg, gw.transaction()), ErrDuplicateTransaction)
	assert.ErrorIs(t, Register[Receipt, Pay](reg, NewTransaction[Receipt, Pay]("bad", nil, nil)), ErrInvalidTransaction)
	assert.True(t, reg.Has(message.TypeOf[Pay]()))
	assert.Equal(t, []string{"pay"}, reg.Names())

	reg.Seal()
	assert.ErrorIs(t, Register(reg, NewTransaction("late", func(context.Context, Receipt) (Pay, error) {
		return Pay{}, nil
	}, nil)), ErrRegistrySealed)
}

func TestExecuteWaitsForTimedOutAttemptBeforeRetrying(t *testing.T) {
	exec, reg := newTestExecutor(t, testConfig())

	var running, peak, effects, effectsAtRefund atomic.Int32
	tx := NewTransaction("slow-gateway", func(_ context.Context, req Pay) (Receipt, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		effects.Add(1)
		running.Add(-1)
		return Receipt{}, errors.New("gateway slow")
	}, func(context.Context, Pay) error {
		effectsAtRefund.Store(effects.Load())
		return nil
	}).WithRetry(RetryPolicy{MaxAttempts: 2, AttemptTimeout: 10 * time.Millisecond})
	require.NoError(t, Register(reg, tx))

	_, err := Execute[Pay, Receipt](context.Background(), exec, Pay{OrderID: "order-11"}, "order-11")
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, ErrTimeout)

	assert.Equal(t, int32(1), peak.Load(), "attempts must not overlap")
	assert.Equal(t, int32(2), effects.Load(), "every attempt finished before Execute returned")
	assert.Equal(t, int32(2), effectsAtRefund.Load(), "compensation runs after all forward effects")
}

func TestExecuteAbandonedAttemptPoisons(t *testing.T) {
	cfg := testConfig()
	cfg.AttemptGrace = 20 * time.Millisecond
	exec, reg := newTestExecutor(t, cfg)

	release := make(chan struct{})
	defer close(release)
	gw := &payment{}
	tx := NewTransaction("hung-gateway", func(context.Context, Pay) (Receipt, error) {
		gw.charges.Add(1)
		<-release
		return Receipt{}, nil
	}, gw.refund).WithRetry(RetryPolicy{MaxAttempts: 3, AttemptTimeout: 10 * time.Millisecond})
	require.NoError(t, Register(reg, tx))

	_, err := Execute[Pay, Receipt](context.Background(), exec, Pay{OrderID: "order-12"}, "order-12")
	assert.True(t, IsPoisoned(err))
	assert.ErrorIs(t, err, ErrAttemptAbandoned)

	var terr *TransactionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 1, terr.Attempts)
	assert.False(t, terr.Compensated)
	assert.Equal(t, int32(1), gw.charges.Load(), "no retry while an attempt is still running")
	assert.Zero(t, gw.refunds.Load(), "no compensation while an attempt is still running")
}

func TestExecuteBackoffNeverShrinksWithJitter(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 8
	cfg.BaseDelay = time.Millisecond
	cfg.BackoffMultiplier = 1
	cfg.Jitter = 5 * time.Millisecond
	require.NoError(t, cfg.Validate())

	var seen logs
	exec, reg := newTestExecutor(t, cfg, ExecutionHook(seen.hook))
	gw := &payment{failures: 1000, err: errors.New("gateway unavailable")}
	require.NoError(t, Register(reg, gw.transaction()))

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("order-%d", 100+i)
		_, err := Execute[Pay, Receipt](context.Background(), exec, Pay{OrderID: key}, key)
		require.ErrorIs(t, err, ErrRetriesExhausted)

		delays := seen.last(t).Delays()
		require.Len(t, delays, cfg.MaxAttempts-1)
		for j := 1; j < len(delays); j++ {
			assert.GreaterOrEqual(t, delays[j], delays[j-1], "delay %d shrank", j+1)
		}
	}
}

func TestExecuteDuplicateReclaimsKeyReleasedByCancelledOwner(t *testing.T) {
	exec, reg := newTestExecutor(t, testConfig())

	var runs atomic.Int32
	started := make(chan struct{}, 1)
	tx := NewTransaction("pay", func(ctx context.Context, req Pay) (Receipt, error) {
		if runs.Add(1) == 1 {
			started <- struct{}{}
			<-ctx.Done()
			return Receipt{}, ctx.Err()
		}
		return Receipt{OrderID: req.OrderID, Charge: "ch_second"}, nil
	}, nil)
	require.NoError(t, Register(reg, tx))

	ownerCtx, cancel := context.WithCancel(context.Background())
	ownerDone := make(chan error, 1)
	go func() {
		_, err := Execute[Pay, Receipt](ownerCtx, exec, Pay{OrderID: "order-13"}, "order-13")
		ownerDone <- err
	}()
	<-started

	type outcome struct {
		receipt Receipt
		err     error
	}
	dupDone := make(chan outcome, 1)
	go func() {
		r, err := Execute[Pay, Receipt](context.Background(), exec, Pay{OrderID: "order-13"}, "order-13")
		dupDone <- outcome{r, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-ownerDone, context.Canceled)
	dup := <-dupDone
	require.NoError(t, dup.err)
	assert.Equal(t, Receipt{OrderID: "order-13", Charge: "ch_second"}, dup.receipt)
	assert.Equal(t, int32(2), runs.Load())
}
