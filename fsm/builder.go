package fsm

import (
	"context"
	"errors"
	"fmt"

	"github.com/fortressi/catga/logging"
	"github.com/fortressi/catga/message"
	"github.com/fortressi/catga/set"
)

// DefaultMaxChainDepth bounds entry-triggered transitions per Fire.
const DefaultMaxChainDepth = 10

// TransitionFunc handles an event of type E in a given state. It may read
// and write data and returns the next state.
type TransitionFunc[S comparable, D, E any] func(ctx context.Context, data *D, evt E) (S, error)

// EntryAction runs immediately after the machine enters a state.
type EntryAction[S comparable, D any] func(ctx context.Context, data *D) (Step[S], error)

type transitionKey[S comparable] struct {
	from  S
	event string
}

type transition[S comparable, D any] struct {
	from    S
	event   string
	fire    func(ctx context.Context, data *D, evt any) (S, error)
	targets *set.Set[S]
}

type entry[S comparable, D any] struct {
	action  EntryAction[S, D]
	targets *set.Set[S]
}

// Builder assembles a Definition. It is not safe for concurrent use.
type Builder[S comparable, D any] struct {
	name        string
	initial     S
	states      *set.Set[S]
	order       []S
	transitions map[transitionKey[S]]*transition[S, D]
	edgeOrder   []transitionKey[S]
	entries     map[S]*entry[S, D]
	maxDepth    int
	log         logging.Logger
	errs        []error
}

// NewBuilder starts a definition with a closed set of states. initial is
// declared implicitly if it is missing from states.
func NewBuilder[S comparable, D any](name string, initial S, states ...S) *Builder[S, D] {
	b := &Builder[S, D]{
		name:        name,
		initial:     initial,
		states:      &set.Set[S]{},
		transitions: make(map[transitionKey[S]]*transition[S, D]),
		entries:     make(map[S]*entry[S, D]),
		maxDepth:    DefaultMaxChainDepth,
		log:         logging.Nop{},
	}
	for _, s := range append([]S{initial}, states...) {
		if b.states.Insert(s) {
			b.order = append(b.order, s)
		}
	}
	return b
}

// MaxChainDepth sets how many entry-triggered transitions a single Fire may
// perform.
func (b *Builder[S, D]) MaxChainDepth(n int) *Builder[S, D] {
	b.maxDepth = n
	return b
}

// Logger sets the logger shared by machines of this definition.
func (b *Builder[S, D]) Logger(l logging.Logger) *Builder[S, D] {
	b.log = logging.OrNop(l)
	return b
}

// OnEntry registers the entry action of state. targets, when given, are
// the only states the action may Advance to and are drawn in the graph.
func (b *Builder[S, D]) OnEntry(state S, action EntryAction[S, D], targets ...S) *Builder[S, D] {
	b.requireDeclared("entry action", state)
	b.requireDeclared("entry target", targets...)
	if _, ok := b.entries[state]; ok {
		b.errs = append(b.errs, fmt.Errorf("entry action for %v already registered", state))
		return b
	}
	if action == nil {
		b.errs = append(b.errs, fmt.Errorf("entry action for %v is nil", state))
		return b
	}
	b.entries[state] = &entry[S, D]{action: action, targets: targetSet(targets)}
	return b
}

// On registers fn for events of type E received in state from. targets,
// when given, restrict the states fn may return.
func On[S comparable, D, E any](b *Builder[S, D], from S, fn TransitionFunc[S, D, E], targets ...S) *Builder[S, D] {
	event := message.TypeOf[E]()
	b.requireDeclared("transition source", from)
	b.requireDeclared("transition target", targets...)
	if fn == nil {
		b.errs = append(b.errs, fmt.Errorf("transition %v on %s is nil", from, event))
		return b
	}

	key := transitionKey[S]{from: from, event: event}
	if _, ok := b.transitions[key]; ok {
		b.errs = append(b.errs, fmt.Errorf("%w: %v on %s", ErrDuplicateTransition, from, event))
		return b
	}
	b.transitions[key] = &transition[S, D]{
		from:  from,
		event: event,
		fire: func(ctx context.Context, data *D, evt any) (S, error) {
			e, _ := evt.(E)
			return fn(ctx, data, e)
		},
		targets: targetSet(targets),
	}
	b.edgeOrder = append(b.edgeOrder, key)
	return b
}

// Transit registers a fixed transition from -> to for events of type E.
// effect, if not nil, runs first and may update data; its error aborts the
// transition.
func Transit[S comparable, D, E any](b *Builder[S, D], from, to S, effect func(ctx context.Context, data *D, evt E) error) *Builder[S, D] {
	return On(b, from, func(ctx context.Context, data *D, evt E) (S, error) {
		if effect != nil {
			if err := effect(ctx, data, evt); err != nil {
				return from, err
			}
		}
		return to, nil
	}, to)
}

// Build validates the builder and returns an immutable Definition.
func (b *Builder[S, D]) Build() (*Definition[S, D], error) {
	errs := append([]error(nil), b.errs...)
	if b.maxDepth <= 0 {
		errs = append(errs, fmt.Errorf("max chain depth must be positive, got %d", b.maxDepth))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidDefinition, b.name, errors.Join(errs...))
	}

	def := &Definition[S, D]{
		name:        b.name,
		initial:     b.initial,
		states:      b.states,
		order:       append([]S(nil), b.order...),
		transitions: make(map[transitionKey[S]]*transition[S, D], len(b.transitions)),
		entries:     make(map[S]*entry[S, D], len(b.entries)),
		maxDepth:    b.maxDepth,
		log:         b.log,
	}
	for _, key := range b.edgeOrder {
		def.transitions[key] = b.transitions[key]
		def.edgeOrder = append(def.edgeOrder, key)
	}
	for s, e := range b.entries {
		def.entries[s] = e
	}

	// Builders may be reused; detach the state set.
	b.states = set.Of(b.order...)

	if unreachable := def.Unreachable(); len(unreachable) > 0 {
		def.log.Debug("fsm states not statically reachable", "machine", def.name, "states", fmt.Sprint(unreachable))
	}
	return def, nil
}

func (b *Builder[S, D]) requireDeclared(what string, states ...S) {
	for _, s := range states {
		if !b.states.Contains(s) {
			b.errs = append(b.errs, fmt.Errorf("%w: %s %v", ErrUnknownState, what, s))
		}
	}
}

func targetSet[S comparable](targets []S) *set.Set[S] {
	if len(targets) == 0 {
		return nil
	}
	return set.Of(targets...)
}
