package catga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fortressi/catga/fsm"
	"github.com/fortressi/catga/idempotency"
	"github.com/fortressi/catga/logging"
	"github.com/fortressi/catga/mediator"
	"github.com/fortressi/catga/message"
)

// Runtime composes the idempotency store, the mediator, the transaction
// registry and the executor behind one configuration.
type Runtime struct {
	cfg          Config
	log          logging.Logger
	ids          message.IDGenerator
	clock        idempotency.Clock
	store        *idempotency.Store
	mediator     *mediator.Mediator
	transactions *TransactionRegistry
	executor     *Executor

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type runtimeOptions struct {
	log   logging.Logger
	ids   message.IDGenerator
	clock idempotency.Clock
	hook  func(*ExecutionLog)
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*runtimeOptions)

// WithLogger sets the logger shared by every component.
func WithLogger(l logging.Logger) RuntimeOption {
	return func(o *runtimeOptions) { o.log = l }
}

// WithIDGenerator replaces the UUID message id generator.
func WithIDGenerator(gen message.IDGenerator) RuntimeOption {
	return func(o *runtimeOptions) { o.ids = gen }
}

// WithClock replaces the wall clock used for TTLs and message timestamps.
func WithClock(c idempotency.Clock) RuntimeOption {
	return func(o *runtimeOptions) { o.clock = c }
}

// WithExecutionHook observes the execution log of every owned invocation.
func WithExecutionHook(fn func(*ExecutionLog)) RuntimeOption {
	return func(o *runtimeOptions) { o.hook = fn }
}

// NewRuntime validates cfg and wires the components.
func NewRuntime(cfg Config, opts ...RuntimeOption) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := runtimeOptions{
		log:   logging.Default(),
		ids:   message.DefaultIDGenerator,
		clock: idempotency.SystemClock{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = logging.OrNop(o.log)

	store, err := idempotency.New(
		idempotency.WithShards(cfg.ShardCount),
		idempotency.WithDefaultTTL(cfg.IdempotencyTTL),
		idempotency.WithSweepInterval(cfg.SweepInterval),
		idempotency.WithClock(o.clock),
		idempotency.WithLogger(o.log),
	)
	if err != nil {
		return nil, fmt.Errorf("idempotency store: %w", err)
	}

	registry := NewTransactionRegistry()
	execOpts := []ExecutorOption{ExecutorLogger(o.log)}
	if o.hook != nil {
		execOpts = append(execOpts, ExecutionHook(o.hook))
	}

	return &Runtime{
		cfg:   cfg,
		log:   o.log,
		ids:   o.ids,
		clock: o.clock,
		store: store,
		mediator: mediator.New(
			mediator.WithLogger(o.log),
			mediator.WithPublishConcurrency(cfg.PublishConcurrency),
		),
		transactions: registry,
		executor:     NewExecutor(store, registry, cfg, execOpts...),
	}, nil
}

// Start launches the background sweep of expired outcomes. It is a no-op
// if the runtime is already started.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		if err := r.store.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Warn("catga sweep stopped", "error", err)
		}
	}(r.done)
	r.log.Info("catga runtime started",
		"shards", r.cfg.ShardCount,
		"ttl", r.cfg.IdempotencyTTL,
		"in_flight_policy", r.cfg.InFlightPolicy)
}

// Close stops the sweep and waits for it to exit.
func (r *Runtime) Close() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	r.log.Info("catga runtime stopped")
	return nil
}

// Seal freezes handler, subscriber and transaction registration.
func (r *Runtime) Seal() {
	r.mediator.Seal()
	r.transactions.Seal()
}

func (r *Runtime) Config() Config                     { return r.cfg }
func (r *Runtime) Store() *idempotency.Store          { return r.store }
func (r *Runtime) Mediator() *mediator.Mediator       { return r.mediator }
func (r *Runtime) Transactions() *TransactionRegistry { return r.transactions }
func (r *Runtime) Executor() *Executor                { return r.executor }

// NewMetadata stamps a new message with the runtime's id generator and
// clock. opts are applied after them.
func (r *Runtime) NewMetadata(opts ...message.Option) message.Metadata {
	return message.NewMetadata(append(r.messageDefaults(), opts...)...)
}

// NewEventMetadata is NewMetadata for events.
func (r *Runtime) NewEventMetadata(occurredAt time.Time, opts ...message.Option) message.EventMetadata {
	return message.NewEventMetadata(occurredAt, append(r.messageDefaults(), opts...)...)
}

func (r *Runtime) messageDefaults() []message.Option {
	return []message.Option{
		message.WithGenerator(r.ids),
		message.WithClock(r.clock.Now),
	}
}

// Publish delivers evt to every subscriber of its type.
func (r *Runtime) Publish(ctx context.Context, evt any) error {
	return mediator.Publish(ctx, r.mediator, evt)
}

// RegisterHandler registers the single request handler for Req.
func RegisterHandler[Req, Resp any](r *Runtime, fn func(ctx context.Context, req Req) (Resp, error)) error {
	return mediator.Handle(r.mediator, fn)
}

// RegisterSubscriber adds a named subscriber for events of type E.
func RegisterSubscriber[E any](r *Runtime, name string, fn func(ctx context.Context, evt E) error) error {
	return mediator.Subscribe(r.mediator, name, fn)
}

// RegisterTransaction registers tx for requests of type Req.
func RegisterTransaction[Req, Resp any](r *Runtime, tx *Transaction[Req, Resp]) error {
	if err := Register(r.transactions, tx); err != nil {
		return err
	}
	r.log.Debug("catga transaction registered", "transaction", tx.Name(), "request_type", tx.requestType())
	return nil
}

// Send dispatches req to its handler.
func Send[Req, Resp any](ctx context.Context, r *Runtime, req Req) (Resp, error) {
	return mediator.Send[Req, Resp](ctx, r.mediator, req)
}

// ExecuteTransaction runs the transaction for Req exactly once per key.
func ExecuteTransaction[Req, Resp any](ctx context.Context, r *Runtime, req Req, key string) (Resp, error) {
	return Execute[Req, Resp](ctx, r.executor, req, key)
}

// NewStateMachine starts a state machine definition that inherits the
// runtime's chain depth limit and logger.
func NewStateMachine[S comparable, D any](r *Runtime, name string, initial S, states ...S) *fsm.Builder[S, D] {
	return fsm.NewBuilder[S, D](name, initial, states...).
		MaxChainDepth(r.cfg.MaxChainDepth).
		Logger(r.log)
}
