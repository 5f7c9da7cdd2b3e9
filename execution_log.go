package catga

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// ExecutionEventType defines the steps recorded while a transaction runs.
type ExecutionEventType int

const (
	EventAttemptStarted ExecutionEventType = iota
	EventAttemptSucceeded
	EventAttemptFailed
	EventBackoff
	EventCompensationStarted
	EventCompensationFinished
	EventCompensationFailed
)

// String returns the string representation of the ExecutionEventType.
func (t ExecutionEventType) String() string {
	switch t {
	case EventAttemptStarted:
		return "attempt_started"
	case EventAttemptSucceeded:
		return "attempt_succeeded"
	case EventAttemptFailed:
		return "attempt_failed"
	case EventBackoff:
		return "backoff"
	case EventCompensationStarted:
		return "compensation_started"
	case EventCompensationFinished:
		return "compensation_finished"
	case EventCompensationFailed:
		return "compensation_failed"
	default:
		return fmt.Sprintf("Unknown ExecutionEventType: %d", int(t))
	}
}

// ExecutionEvent is an entry in the execution log.
type ExecutionEvent struct {
	Type    ExecutionEventType
	Attempt int
	At      time.Time
	// Delay is set for EventBackoff.
	Delay time.Duration
	// Err is set for failure events.
	Err error
}

// String implements the fmt.Stringer interface for ExecutionEvent.
func (e ExecutionEvent) String() string {
	s := fmt.Sprintf("A%02d %s", e.Attempt, e.Type)
	if e.Type == EventBackoff {
		s += " " + e.Delay.String()
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// ExecutionStatus is the status of a transaction invocation.
type ExecutionStatus int

const (
	StatusNotStarted ExecutionStatus = iota
	StatusRunning
	StatusSucceeded
	StatusAttemptFailed
	StatusCompensating
	StatusCompensated
	StatusPoisoned
)

// nextStatus returns the new status after recording the given event.
func (s ExecutionStatus) nextStatus(t ExecutionEventType) (ExecutionStatus, error) {
	switch s {
	case StatusNotStarted:
		if t == EventAttemptStarted {
			return StatusRunning, nil
		}
	case StatusRunning:
		switch t {
		case EventAttemptSucceeded:
			return StatusSucceeded, nil
		case EventAttemptFailed:
			return StatusAttemptFailed, nil
		}
	case StatusAttemptFailed:
		switch t {
		case EventBackoff:
			return StatusAttemptFailed, nil
		case EventAttemptStarted:
			return StatusRunning, nil
		case EventCompensationStarted:
			return StatusCompensating, nil
		}
	case StatusCompensating:
		switch t {
		case EventCompensationFinished:
			return StatusCompensated, nil
		case EventCompensationFailed:
			return StatusPoisoned, nil
		}
	}

	return s, fmt.Errorf("illegal event %s for status %s", t, s)
}

// String returns the string representation of the ExecutionStatus.
func (s ExecutionStatus) String() string {
	switch s {
	case StatusNotStarted:
		return "NotStarted"
	case StatusRunning:
		return "Running"
	case StatusSucceeded:
		return "Succeeded"
	case StatusAttemptFailed:
		return "AttemptFailed"
	case StatusCompensating:
		return "Compensating"
	case StatusCompensated:
		return "Compensated"
	case StatusPoisoned:
		return "Poisoned"
	default:
		return fmt.Sprintf("Unknown ExecutionStatus: %d", int(s))
	}
}

// ExecutionLog records the steps of one transaction invocation.
type ExecutionLog struct {
	sync.Mutex
	transaction string
	key         string
	status      ExecutionStatus
	events      []ExecutionEvent
}

// NewExecutionLog creates an empty ExecutionLog.
func NewExecutionLog(transaction, key string) *ExecutionLog {
	return &ExecutionLog{
		transaction: transaction,
		key:         key,
	}
}

// Record appends an event, rejecting transitions the executor never makes.
func (l *ExecutionLog) Record(evt ExecutionEvent) error {
	l.Lock()
	defer l.Unlock()

	next, err := l.status.nextStatus(evt.Type)
	if err != nil {
		return fmt.Errorf("transaction %s key %s: %w", l.transaction, l.key, err)
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	l.status = next
	l.events = append(l.events, evt)
	return nil
}

// Transaction returns the transaction name.
func (l *ExecutionLog) Transaction() string { return l.transaction }

// Key returns the idempotency key.
func (l *ExecutionLog) Key() string { return l.key }

// Status returns the current status.
func (l *ExecutionLog) Status() ExecutionStatus {
	l.Lock()
	defer l.Unlock()

	return l.status
}

// Events returns a copy of the recorded events.
func (l *ExecutionLog) Events() []ExecutionEvent {
	l.Lock()
	defer l.Unlock()

	return append([]ExecutionEvent(nil), l.events...)
}

// Attempts returns how many forward attempts started.
func (l *ExecutionLog) Attempts() int {
	return l.count(EventAttemptStarted)
}

// Compensations returns how many compensating actions started.
func (l *ExecutionLog) Compensations() int {
	return l.count(EventCompensationStarted)
}

// Delays returns the recorded backoff delays in order.
func (l *ExecutionLog) Delays() []time.Duration {
	l.Lock()
	defer l.Unlock()

	var out []time.Duration
	for _, e := range l.events {
		if e.Type == EventBackoff {
			out = append(out, e.Delay)
		}
	}
	return out
}

func (l *ExecutionLog) count(t ExecutionEventType) int {
	l.Lock()
	defer l.Unlock()

	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// String implements the fmt.Stringer interface for ExecutionLog.
func (l *ExecutionLog) String() string {
	l.Lock()
	defer l.Unlock()

	var sb strings.Builder
	sb.WriteString("EXECUTION LOG:\n")
	fmt.Fprintf(&sb, "transaction: %s\n", l.transaction)
	fmt.Fprintf(&sb, "key:         %s\n", l.key)
	fmt.Fprintf(&sb, "status:      %s\n", l.status)
	fmt.Fprintf(&sb, "events (%d total):\n\n", len(l.events))
	for i, e := range l.events {
		fmt.Fprintf(&sb, "%03d %s\n", i+1, e)
	}
	return sb.String()
}
