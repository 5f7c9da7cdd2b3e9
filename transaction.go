package catga

import (
	"context"
	"fmt"
	"time"

	"github.com/fortressi/catga/message"
)

// ExecuteFunc is the forward action of a transaction.
type ExecuteFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// CompensateFunc semantically undoes a forward action that may have had
// side effects. It must be idempotent.
type CompensateFunc[Req any] func(ctx context.Context, req Req) error

// Transaction pairs a forward action for requests of type Req with an
// optional compensation.
type Transaction[Req, Resp any] struct {
	name       string
	executeFn  ExecuteFunc[Req, Resp]
	compensate CompensateFunc[Req]
	retry      *RetryPolicy
	outcomeTTL time.Duration
}

// NewTransaction constructs a Transaction. A nil compensate means the
// forward action has nothing to undo. An empty name defaults to the
// request type name.
func NewTransaction[Req, Resp any](name string, execute ExecuteFunc[Req, Resp], compensate CompensateFunc[Req]) *Transaction[Req, Resp] {
	if name == "" {
		name = message.TypeOf[Req]()
	}
	return &Transaction[Req, Resp]{
		name:       name,
		executeFn:  execute,
		compensate: compensate,
	}
}

// NoCompensation is a compensating action that does nothing. Unlike a nil
// compensation it is still recorded in the execution log.
func NoCompensation[Req any](_ context.Context, _ Req) error {
	return nil
}

// WithRetry overrides the executor's default retry policy. Zero fields of
// p inherit the defaults.
func (t *Transaction[Req, Resp]) WithRetry(p RetryPolicy) *Transaction[Req, Resp] {
	t.retry = &p
	return t
}

// WithTTL overrides how long the outcome of this transaction stays cached.
func (t *Transaction[Req, Resp]) WithTTL(ttl time.Duration) *Transaction[Req, Resp] {
	t.outcomeTTL = ttl
	return t
}

// Name returns the transaction name.
func (t *Transaction[Req, Resp]) Name() string {
	return t.name
}

// String implements the fmt.Stringer interface for Transaction.
func (t *Transaction[Req, Resp]) String() string {
	return fmt.Sprintf("Transaction[%s -> %s](%s)", message.TypeOf[Req](), message.TypeOf[Resp](), t.name)
}

// runner is the type-erased view of a Transaction held by the registry.
type runner interface {
	Name() string
	requestType() string
	execute(ctx context.Context, req any) (any, error)
	undo(ctx context.Context, req any) error
	compensable() bool
	policy() *RetryPolicy
	ttl() time.Duration
}

func (t *Transaction[Req, Resp]) requestType() string { return message.TypeOf[Req]() }

func (t *Transaction[Req, Resp]) execute(ctx context.Context, req any) (any, error) {
	r, ok := req.(Req)
	if !ok {
		return nil, Permanent(fmt.Errorf("transaction %s: request is %T, not %s", t.name, req, message.TypeOf[Req]()))
	}
	return t.executeFn(ctx, r)
}

func (t *Transaction[Req, Resp]) undo(ctx context.Context, req any) error {
	if t.compensate == nil {
		return nil
	}
	r, _ := req.(Req)
	return t.compensate(ctx, r)
}

func (t *Transaction[Req, Resp]) compensable() bool   { return t.compensate != nil }
func (t *Transaction[Req, Resp]) policy() *RetryPolicy { return t.retry }
func (t *Transaction[Req, Resp]) ttl() time.Duration   { return t.outcomeTTL }
