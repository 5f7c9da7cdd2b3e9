// Package catga is an in-process runtime for saga-style transactions.
//
// A transaction pairs a forward action with a compensating action. The
// Executor runs it at most once per idempotency key: concurrent duplicates
// wait for the first invocation (or are rejected, see InFlightPolicy) and
// later duplicates receive the cached outcome until it expires. Transient
// failures are retried with exponential backoff; a permanent failure or
// exhausted retries trigger the compensating action exactly once. If the
// compensation fails too, the invocation is poisoned and reported with
// ErrCompensationFailed.
//
// Overview
//
//  1. Load a Config (LoadConfig reads CATGA_* variables) and create a
//     Runtime with NewRuntime.
//  2. Register request handlers and event subscribers with RegisterHandler
//     and RegisterSubscriber, and transactions with RegisterTransaction.
//  3. Seal the runtime and Start the background sweep.
//  4. Dispatch with Send, Publish and ExecuteTransaction. Model long-lived
//     workflows as state machines built with NewStateMachine.
//
// Example:
//
//	rt, err := catga.NewRuntime(catga.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	pay := catga.NewTransaction("pay", chargeCard, refundCard)
//	if err := catga.RegisterTransaction(rt, pay); err != nil {
//		return err
//	}
//	rt.Seal()
//	rt.Start(ctx)
//	defer rt.Close()
//
//	receipt, err := catga.ExecuteTransaction[Pay, Receipt](ctx, rt, Pay{OrderID: "order-42"}, "order-42")
//
// The subpackages can be used on their own: idempotency is the sharded
// outcome store, mediator the typed dispatcher, and fsm the state machine
// engine.
package catga
