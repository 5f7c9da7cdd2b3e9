package fsm

import (
	"context"
	"time"
)

// Scheduled is a pending delayed Fire.
type Scheduled struct {
	timer  *time.Timer
	cancel context.CancelFunc
}

// Stop cancels the delayed Fire. It reports whether the call prevented the
// event from being applied at all; a Fire already waiting for the machine
// or running its chain is aborted and rolled back.
func (s *Scheduled) Stop() bool {
	stopped := s.timer.Stop()
	s.cancel()
	return stopped
}

// FireAfter applies evt after delay without blocking the caller. done, if
// not nil, receives the outcome, including context.Canceled when Stop
// aborted it mid-flight.
func (m *Machine[S, D]) FireAfter(delay time.Duration, evt any, done func(Result[S], error)) *Scheduled {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduled{cancel: cancel}
	s.timer = time.AfterFunc(delay, func() {
		defer cancel()
		res, err := m.Fire(ctx, evt)
		if done != nil {
			done(res, err)
		}
	})
	return s
}
