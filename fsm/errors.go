package fsm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidDefinition wraps every problem found by Builder.Build.
	ErrInvalidDefinition = errors.New("fsm: invalid definition")
	// ErrUnknownState is returned for a state outside the declared set.
	ErrUnknownState = errors.New("fsm: unknown state")
	// ErrDuplicateTransition is returned when a (state, event) pair is
	// configured twice.
	ErrDuplicateTransition = errors.New("fsm: duplicate transition")
	// ErrIllegalTarget is returned when a transition or entry action moves
	// to an undeclared state or outside its declared targets.
	ErrIllegalTarget = errors.New("fsm: illegal target state")
	// ErrChainOverflow is matched by every *ChainError.
	ErrChainOverflow = errors.New("fsm: transition chain overflow")
)

// ChainErrorCode categorizes chain errors.
type ChainErrorCode string

const (
	// CodeChainOverflow indicates the entry-action chain exceeded the
	// configured maximum depth, usually because of a cycle.
	CodeChainOverflow ChainErrorCode = "CHAIN_OVERFLOW"
)

// ChainError reports a runaway chain of entry-triggered transitions.
type ChainError struct {
	Code    ChainErrorCode
	Machine string
	Limit   int
	// Path lists the states entered, in order, including the one that
	// broke the limit.
	Path []string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("%s: machine %q exceeded max chain depth %d (path: %s)",
		e.Code, e.Machine, e.Limit, strings.Join(e.Path, " -> "))
}

// Is matches ErrChainOverflow.
func (e *ChainError) Is(target error) bool {
	return target == ErrChainOverflow
}

// TransitionError wraps a failure raised by a transition function or entry
// action.
type TransitionError struct {
	Machine string
	State   string
	// Event is the event type for transitions, empty for entry actions.
	Event string
	Err   error
}

func (e *TransitionError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("fsm %s: entry action of %s failed: %v", e.Machine, e.State, e.Err)
	}
	return fmt.Sprintf("fsm %s: transition %s on %s failed: %v", e.Machine, e.State, e.Event, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}
