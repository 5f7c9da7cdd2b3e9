// Package fsm is a generic finite-state-machine engine for long-lived
// entity lifecycles driven by messages.
//
// A Definition is built once with a Builder: a closed set of states, one
// initial state, a transition table keyed by (state, event type) and an
// entry-action table keyed by state. Definitions are immutable and shared;
// each Machine owns its current state and data exclusively and applies
// events one at a time in arrival order.
//
//	b := fsm.NewBuilder[OrderState, Order]("order", New, New, PaymentPending, Paid)
//	fsm.Transit(b, New, PaymentPending, func(ctx context.Context, o *Order, e OrderPlaced) error {
//		o.Amount = e.Amount
//		return nil
//	})
//	def, err := b.Build()
//	m := def.New(Order{})
//	res, err := m.Fire(ctx, OrderPlaced{Amount: 100})
//
// Events with no transition from the current state are not errors: Fire
// reports them with Result.Handled == false and leaves the machine alone.
// Entry actions may chain further transitions; chains longer than the
// configured depth fail with a *ChainError and the machine is restored to
// its state before the call.
package fsm
