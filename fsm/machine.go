package fsm

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/fortressi/catga/message"
	"github.com/fortressi/catga/set"
)

// Result describes what a Fire call did.
type Result[S comparable] struct {
	// Handled is false when no transition matched; nothing changed.
	Handled bool
	From    S
	To      S
	// Path lists every state entered, in order.
	Path []S
}

// Machine is a single entity lifecycle. Its state and data change only
// through Fire.
type Machine[S comparable, D any] struct {
	def   *Definition[S, D]
	lock  fifoLock
	state S
	data  D
	// committed is the state as of the last completed Fire.
	committed atomic.Pointer[S]
}

func newMachine[S comparable, D any](def *Definition[S, D], state S, data D) *Machine[S, D] {
	m := &Machine[S, D]{def: def, state: state, data: data}
	m.committed.Store(&state)
	return m
}

// Definition returns the definition the machine was created from.
func (m *Machine[S, D]) Definition() *Definition[S, D] {
	return m.def
}

// State returns the state as of the last completed Fire. It does not wait
// for a Fire in progress, so transition and entry functions may call it;
// they observe the state the event was fired in.
func (m *Machine[S, D]) State() S {
	return *m.committed.Load()
}

// Data returns a copy of the current data. It waits for any Fire in
// progress, so it must not be called from the machine's own transition or
// entry functions; those receive the data directly.
func (m *Machine[S, D]) Data() D {
	_ = m.lock.lock(context.Background())
	defer m.lock.unlock()
	return m.data
}

// Fire applies evt. Concurrent calls on the same machine are applied one
// at a time in arrival order; waiting for the machine honours ctx.
//
// On any error the state and data are restored to their values before
// the call. The restore copies D by value, so reference-typed fields
// inside D are not rolled back.
func (m *Machine[S, D]) Fire(ctx context.Context, evt any) (Result[S], error) {
	if err := m.lock.lock(ctx); err != nil {
		return Result[S]{}, err
	}
	defer m.lock.unlock()
	return m.fire(ctx, evt)
}

func (m *Machine[S, D]) fire(ctx context.Context, evt any) (Result[S], error) {
	def := m.def
	from := m.state
	res := Result[S]{From: from, To: from}

	event := message.TypeName(evt)
	tr, ok := def.transitions[transitionKey[S]{from: from, event: event}]
	if !ok {
		def.log.Debug("fsm event unhandled", "machine", def.name, "state", fmt.Sprint(from), "event", event)
		return res, nil
	}
	res.Handled = true

	savedData := m.data
	fail := func(err error) (Result[S], error) {
		m.state, m.data = from, savedData
		res.To, res.Path = from, nil
		def.log.Warn("fsm transition rolled back", "machine", def.name, "state", fmt.Sprint(from), "event", event, "error", err)
		return res, err
	}

	next, err := m.apply(ctx, tr, evt)
	if err != nil {
		return fail(err)
	}
	m.state = next
	res.Path = append(res.Path, next)

	for depth := 1; ; depth++ {
		target, advance, err := m.enter(ctx)
		if err != nil {
			return fail(err)
		}
		if !advance {
			break
		}
		res.Path = append(res.Path, target)
		if depth > def.maxDepth {
			return fail(&ChainError{
				Code:    CodeChainOverflow,
				Machine: def.name,
				Limit:   def.maxDepth,
				Path:    pathStrings(from, res.Path),
			})
		}
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		m.state = target
	}

	res.To = m.state
	to := m.state
	m.committed.Store(&to)
	def.log.Debug("fsm transitioned", "machine", def.name, "from", fmt.Sprint(from), "to", fmt.Sprint(res.To), "event", event, "steps", len(res.Path))
	return res, nil
}

// apply runs a transition and validates its result.
func (m *Machine[S, D]) apply(ctx context.Context, tr *transition[S, D], evt any) (S, error) {
	next, err := tr.fire(ctx, &m.data, evt)
	if err != nil {
		return next, &TransitionError{Machine: m.def.name, State: fmt.Sprint(tr.from), Event: tr.event, Err: err}
	}
	if err := m.def.checkTarget(next, tr.targets); err != nil {
		return next, err
	}
	return next, nil
}

// enter runs the entry action of the current state and reports the state
// it asks to move to, if any.
func (m *Machine[S, D]) enter(ctx context.Context) (S, bool, error) {
	var zero S
	def := m.def
	en, ok := def.entries[m.state]
	if !ok {
		return zero, false, nil
	}

	step, err := en.action(ctx, &m.data)
	if err != nil {
		return zero, false, &TransitionError{Machine: def.name, State: fmt.Sprint(m.state), Err: err}
	}

	switch step.kind {
	case stepAdvance:
		if err := def.checkTarget(step.state, en.targets); err != nil {
			return zero, false, err
		}
		return step.state, true, nil
	case stepRaise:
		event := message.TypeName(step.event)
		tr, ok := def.transitions[transitionKey[S]{from: m.state, event: event}]
		if !ok {
			def.log.Debug("fsm raised event unhandled", "machine", def.name, "state", fmt.Sprint(m.state), "event", event)
			return zero, false, nil
		}
		next, err := m.apply(ctx, tr, step.event)
		if err != nil {
			return zero, false, err
		}
		return next, true, nil
	default:
		return zero, false, nil
	}
}

func (d *Definition[S, D]) checkTarget(next S, allowed *set.Set[S]) error {
	if !d.states.Contains(next) {
		return fmt.Errorf("%w: %v is not a state of machine %q", ErrIllegalTarget, next, d.name)
	}
	if allowed != nil && !allowed.Contains(next) {
		return fmt.Errorf("%w: %v is not a declared target in machine %q", ErrIllegalTarget, next, d.name)
	}
	return nil
}

func pathStrings[S comparable](from S, path []S) []string {
	out := make([]string, 0, len(path)+1)
	out = append(out, fmt.Sprint(from))
	for _, s := range path {
		out = append(out, fmt.Sprint(s))
	}
	return out
}
