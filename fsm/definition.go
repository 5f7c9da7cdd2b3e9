package fsm

import (
	"fmt"

	"github.com/fortressi/catga/logging"
	"github.com/fortressi/catga/set"
)

// Definition is an immutable machine description shared by any number of
// machines. The engine keeps no registry of the machines it creates.
type Definition[S comparable, D any] struct {
	name        string
	initial     S
	states      *set.Set[S]
	order       []S
	transitions map[transitionKey[S]]*transition[S, D]
	edgeOrder   []transitionKey[S]
	entries     map[S]*entry[S, D]
	maxDepth    int
	log         logging.Logger
}

func (d *Definition[S, D]) Name() string { return d.name }

func (d *Definition[S, D]) Initial() S { return d.initial }

func (d *Definition[S, D]) MaxChainDepth() int { return d.maxDepth }

// States returns the declared states in declaration order.
func (d *Definition[S, D]) States() []S {
	return append([]S(nil), d.order...)
}

// New creates a machine in the initial state. The initial state's entry
// action does not run.
func (d *Definition[S, D]) New(data D) *Machine[S, D] {
	return newMachine(d, d.initial, data)
}

// Restore recreates a machine from a state and data the host kept
// elsewhere.
func (d *Definition[S, D]) Restore(state S, data D) (*Machine[S, D], error) {
	if !d.states.Contains(state) {
		return nil, fmt.Errorf("%w: %v in machine %q", ErrUnknownState, state, d.name)
	}
	return newMachine(d, state, data), nil
}
