// Package mediator routes requests to exactly one registered handler and
// events to every registered subscriber, all in-process.
//
// The registry is built once at startup; Seal freezes it. After that the
// Mediator holds no mutable state and is safe for unlimited concurrent use.
package mediator

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/fortressi/catga/logging"
	"github.com/fortressi/catga/message"
)

type requestHandler struct {
	responseType string
	call         func(ctx context.Context, req any) (any, error)
}

type subscriber struct {
	name string
	call func(ctx context.Context, evt any) error
}

// Mediator is the in-process dispatcher.
type Mediator struct {
	handlers    *xsync.MapOf[string, requestHandler]
	subscribers *xsync.MapOf[string, []subscriber]
	sealed      atomic.Bool

	log         logging.Logger
	concurrency int
}

// Option configures a Mediator.
type Option func(*Mediator)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Mediator) { m.log = logging.OrNop(l) }
}

// WithPublishConcurrency fans Publish out to at most n subscribers at a
// time. n <= 1 runs subscribers sequentially in registration order.
func WithPublishConcurrency(n int) Option {
	return func(m *Mediator) { m.concurrency = n }
}

// New creates an empty Mediator.
func New(opts ...Option) *Mediator {
	m := &Mediator{
		handlers:    xsync.NewMapOf[string, requestHandler](),
		subscribers: xsync.NewMapOf[string, []subscriber](),
		log:         logging.Nop{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Seal makes the registry read-only.
func (m *Mediator) Seal() {
	m.sealed.Store(true)
}

// Sealed reports whether Seal has been called.
func (m *Mediator) Sealed() bool {
	return m.sealed.Load()
}

// HasHandler reports whether a handler is registered for requestType.
func (m *Mediator) HasHandler(requestType string) bool {
	_, ok := m.handlers.Load(requestType)
	return ok
}

// SubscriberCount returns the number of subscribers for eventType.
func (m *Mediator) SubscriberCount(eventType string) int {
	subs, _ := m.subscribers.Load(eventType)
	return len(subs)
}

// Handle registers the single handler for requests of type Req.
func Handle[Req, Resp any](m *Mediator, fn func(ctx context.Context, req Req) (Resp, error)) error {
	if m.Sealed() {
		return ErrSealed
	}
	key := message.TypeOf[Req]()
	h := requestHandler{
		responseType: message.TypeOf[Resp](),
		call: func(ctx context.Context, req any) (any, error) {
			r, _ := req.(Req)
			return fn(ctx, r)
		},
	}
	if _, loaded := m.handlers.LoadOrStore(key, h); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, key)
	}
	m.log.Debug("mediator handler registered", "request_type", key, "response_type", h.responseType)
	return nil
}

// Subscribe adds a subscriber for events of type E. Any number of
// subscribers may exist per event type; an empty name is replaced by
// "<type>#<n>".
func Subscribe[E any](m *Mediator, name string, fn func(ctx context.Context, evt E) error) error {
	if m.Sealed() {
		return ErrSealed
	}
	key := message.TypeOf[E]()
	m.subscribers.Compute(key, func(old []subscriber, _ bool) ([]subscriber, bool) {
		if name == "" {
			name = fmt.Sprintf("%s#%d", key, len(old)+1)
		}
		sub := subscriber{
			name: name,
			call: func(ctx context.Context, evt any) error {
				e, _ := evt.(E)
				return fn(ctx, e)
			},
		}
		// Copy so slices already handed to Publish stay immutable.
		next := make([]subscriber, len(old), len(old)+1)
		copy(next, old)
		return append(next, sub), false
	})
	m.log.Debug("mediator subscriber registered", "event_type", key, "subscriber", name)
	return nil
}

// Send invokes the handler registered for Req and returns its result or
// error.
func Send[Req, Resp any](ctx context.Context, m *Mediator, req Req) (Resp, error) {
	var zero Resp
	key := message.TypeOf[Req]()
	h, ok := m.handlers.Load(key)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrUnregisteredHandler, key)
	}
	if want := message.TypeOf[Resp](); h.responseType != want {
		return zero, fmt.Errorf("%w: handler for %s returns %s, not %s", ErrResponseType, key, h.responseType, want)
	}

	out, err := safeCall(func() (any, error) { return h.call(ctx, req) })
	if err != nil {
		return zero, err
	}
	resp, _ := out.(Resp)
	return resp, nil
}

// Publish delivers evt to every subscriber of its dynamic type. Every
// subscriber is attempted regardless of the others' outcomes; a
// *PublishError naming the failures is returned if any failed. Publishing
// an event with no subscribers succeeds.
func Publish(ctx context.Context, m *Mediator, evt any) error {
	key := message.TypeName(evt)
	subs, _ := m.subscribers.Load(key)
	if len(subs) == 0 {
		m.log.Debug("mediator event has no subscribers", "event_type", key)
		return nil
	}

	errs := make([]error, len(subs))
	if m.concurrency > 1 && len(subs) > 1 {
		var g errgroup.Group
		g.SetLimit(m.concurrency)
		for i, sub := range subs {
			i, sub := i, sub
			g.Go(func() error {
				errs[i] = deliver(ctx, sub, evt)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, sub := range subs {
			errs[i] = deliver(ctx, sub, evt)
		}
	}

	var failures []SubscriberFailure
	for i, err := range errs {
		if err == nil {
			continue
		}
		m.log.Warn("mediator subscriber failed", "event_type", key, "subscriber", subs[i].name, "error", err)
		failures = append(failures, SubscriberFailure{Subscriber: subs[i].name, Err: err})
	}
	if len(failures) == 0 {
		return nil
	}

	perr := &PublishError{
		EventType: key,
		Attempted: len(subs),
		Failures:  failures,
	}
	if msg, ok := evt.(message.Message); ok {
		perr.MessageID = msg.MessageID()
	}
	return perr
}

func deliver(ctx context.Context, sub subscriber, evt any) error {
	_, err := safeCall(func() (any, error) { return nil, sub.call(ctx, evt) })
	return err
}

func safeCall(fn func() (any, error)) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return fn()
}
