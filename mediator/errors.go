package mediator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnregisteredHandler is returned when no handler exists for a
	// request type. It is a configuration error and is never retried.
	ErrUnregisteredHandler = errors.New("mediator: no handler registered")
	// ErrDuplicateHandler is returned when a second handler is registered
	// for the same request type.
	ErrDuplicateHandler = errors.New("mediator: handler already registered")
	// ErrResponseType is returned when Send asks for a response type the
	// registered handler does not produce.
	ErrResponseType = errors.New("mediator: response type mismatch")
	// ErrSealed is returned when registering after Seal.
	ErrSealed = errors.New("mediator: registry is sealed")
	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("mediator: handler panicked")
)

// SubscriberFailure names one subscriber that failed during Publish.
type SubscriberFailure struct {
	Subscriber string
	Err        error
}

// PublishError aggregates subscriber failures of a single Publish. It is
// only returned when at least one subscriber failed.
type PublishError struct {
	EventType string
	MessageID string
	Attempted int
	Failures  []SubscriberFailure
}

func (e *PublishError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "mediator: publish %s: %d of %d subscriber(s) failed", e.EventType, len(e.Failures), e.Attempted)
	for i, f := range e.Failures {
		if i == 0 {
			sb.WriteString(": ")
		} else {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%s: %v", f.Subscriber, f.Err)
	}
	return sb.String()
}

// Unwrap exposes every subscriber error to errors.Is and errors.As.
func (e *PublishError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Subscribers returns the names of the failed subscribers.
func (e *PublishError) Subscribers() []string {
	names := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		names[i] = f.Subscriber
	}
	return names
}
