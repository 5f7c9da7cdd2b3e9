package catga

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/fortressi/catga/message"
	"github.com/puzpuzpuz/xsync/v3"
)

// TransactionRegistry maps request types to their transaction.
//
// Transactions are identified by the type name of their request, so the
// untyped Executor.Execute can recover the transaction from a value whose
// static type has been erased.
type TransactionRegistry struct {
	txs    *xsync.MapOf[string, runner]
	sealed atomic.Bool
}

// NewTransactionRegistry creates an empty TransactionRegistry.
func NewTransactionRegistry() *TransactionRegistry {
	return &TransactionRegistry{
		txs: xsync.NewMapOf[string, runner](),
	}
}

// Register adds tx to r under its request type.
func Register[Req, Resp any](r *TransactionRegistry, tx *Transaction[Req, Resp]) error {
	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	if tx == nil || tx.executeFn == nil {
		return fmt.Errorf("%w: forward action is required", ErrInvalidTransaction)
	}
	key := tx.requestType()
	if _, loaded := r.txs.LoadOrStore(key, tx); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, key)
	}
	return nil
}

// Seal rejects further registrations.
func (r *TransactionRegistry) Seal() {
	r.sealed.Store(true)
}

// Has reports whether requestType has a transaction.
func (r *TransactionRegistry) Has(requestType string) bool {
	_, ok := r.txs.Load(requestType)
	return ok
}

// Names returns the registered transaction names, sorted.
func (r *TransactionRegistry) Names() []string {
	names := make([]string, 0, r.txs.Size())
	r.txs.Range(func(_ string, tx runner) bool {
		names = append(names, tx.Name())
		return true
	})
	sort.Strings(names)
	return names
}

func (r *TransactionRegistry) lookup(requestType string) (runner, error) {
	tx, ok := r.txs.Load(requestType)
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrUnregisteredTransaction, requestType)
	}
	return tx, nil
}

func lookupFor[Req any](r *TransactionRegistry) (runner, error) {
	return r.lookup(message.TypeOf[Req]())
}
