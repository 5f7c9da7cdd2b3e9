package fsm

type stepKind int

const (
	stepStay stepKind = iota
	stepAdvance
	stepRaise
)

// Step is what an entry action asks the engine to do next.
type Step[S comparable] struct {
	kind  stepKind
	state S
	event any
}

// Stay ends the chain in the current state.
func Stay[S comparable]() Step[S] {
	return Step[S]{kind: stepStay}
}

// Advance moves directly to state, running its entry action in turn.
func Advance[S comparable](state S) Step[S] {
	return Step[S]{kind: stepAdvance, state: state}
}

// Raise feeds evt through the transition table of the current state. A
// raised event with no matching transition ends the chain.
func Raise[S comparable](evt any) Step[S] {
	return Step[S]{kind: stepRaise, event: evt}
}
