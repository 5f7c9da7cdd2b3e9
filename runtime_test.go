package catga

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortressi/catga/fsm"
	"github.com/fortressi/catga/logging"
	"github.com/fortressi/catga/mediator"
	"github.com/fortressi/catga/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type GetOrder struct {
	ID string
}

type OrderView struct {
	ID     string
	Status string
}

type OrderPaid struct {
	message.EventMetadata
	OrderID string
}

func newTestRuntime(t *testing.T, opts ...RuntimeOption) *Runtime {
	t.Helper()
	rt, err := NewRuntime(testConfig(), append([]RuntimeOption{WithLogger(logging.Nop{})}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestNewRuntimeRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShardCount = -1

	_, err := NewRuntime(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRuntimeSendAndPublish(t *testing.T) {
	rt := newTestRuntime(t)

	require.NoError(t, RegisterHandler(rt, func(_ context.Context, q GetOrder) (OrderView, error) {
		return OrderView{ID: q.ID, Status: "paid"}, nil
	}))

	var delivered atomic.Int32
	for _, name := range []string{"ledger", "email"} {
		require.NoError(t, RegisterSubscriber(rt, name, func(_ context.Context, e OrderPaid) error {
			delivered.Add(1)
			return nil
		}))
	}
	require.NoError(t, RegisterSubscriber(rt, "analytics", func(context.Context, OrderPaid) error {
		return errors.New("warehouse offline")
	}))
	rt.Seal()

	view, err := Send[GetOrder, OrderView](context.Background(), rt, GetOrder{ID: "order-42"})
	require.NoError(t, err)
	assert.Equal(t, "paid", view.Status)

	err = rt.Publish(context.Background(), OrderPaid{EventMetadata: rt.NewEventMetadata(time.Time{}), OrderID: "order-42"})
	var perr *mediator.PublishError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, []string{"analytics"}, perr.Subscribers())
	assert.Equal(t, int32(2), delivered.Load(), "one failing subscriber does not stop the others")
}

func TestRuntimeSealRejectsRegistration(t *testing.T) {
	rt := newTestRuntime(t)
	rt.Seal()

	assert.ErrorIs(t, RegisterHandler(rt, func(context.Context, GetOrder) (OrderView, error) {
		return OrderView{}, nil
	}), mediator.ErrSealed)
	assert.ErrorIs(t, RegisterTransaction(rt, (&payment{}).transaction()), ErrRegistrySealed)
}

func TestRuntimeExecuteTransaction(t *testing.T) {
	var seen logs
	rt := newTestRuntime(t, WithExecutionHook(seen.hook))
	gw := &payment{failures: 2, err: errors.New("gateway unavailable")}
	require.NoError(t, RegisterTransaction(rt, gw.transaction()))
	rt.Seal()
	rt.Start(context.Background())

	for i := 0; i < 3; i++ {
		receipt, err := ExecuteTransaction[Pay, Receipt](context.Background(), rt, Pay{OrderID: "order-42"}, "order-42")
		require.NoError(t, err)
		assert.Equal(t, "ch_1", receipt.Charge)
	}
	assert.Equal(t, int32(3), gw.charges.Load())
	assert.Equal(t, 3, seen.last(t).Attempts())

	rec, ok := rt.Store().Lookup("order-42")
	require.True(t, ok)
	assert.Equal(t, "completed", rec.Status.String())
}

func TestRuntimeMetadataUsesGenerator(t *testing.T) {
	var n atomic.Int32
	gen := func() string { return fmt.Sprintf("id-%d", n.Add(1)) }
	rt := newTestRuntime(t, WithIDGenerator(gen))

	md := rt.NewMetadata()
	assert.Equal(t, "id-1", md.MessageID())
	assert.Equal(t, "id-1", md.CorrelationID())

	child := rt.NewMetadata(message.Caused(md))
	assert.Equal(t, "id-2", child.MessageID())
	assert.Equal(t, "id-1", child.CorrelationID())

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	evt := rt.NewEventMetadata(at)
	assert.Equal(t, at, evt.OccurredAt())
}

func TestRuntimeStartClose(t *testing.T) {
	rt := newTestRuntime(t)

	rt.Start(context.Background())
	rt.Start(context.Background())
	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close())

	rt.Start(context.Background())
	require.NoError(t, rt.Close())
}

type light string

type toggle struct{}

func TestNewStateMachineInheritsDepth(t *testing.T) {
	cfg := testConfig()
	cfg.MaxChainDepth = 3
	rt, err := NewRuntime(cfg, WithLogger(logging.Nop{}))
	require.NoError(t, err)

	b := NewStateMachine[light, int](rt, "blinker", "off", "on")
	fsm.Transit[light, int, toggle](b, "off", "on", nil)
	b.OnEntry("on", func(_ context.Context, n *int) (fsm.Step[light], error) {
		*n++
		return fsm.Advance[light]("on"), nil
	}, "on")
	def, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, 3, def.MaxChainDepth())

	count := 0
	m := def.New(count)
	_, err = m.Fire(context.Background(), toggle{})
	assert.ErrorIs(t, err, fsm.ErrChainOverflow)
	assert.Equal(t, light("off"), m.State())
}
