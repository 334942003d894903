package transaction

import (
	"sync"
	"sync/atomic"

	"recstore/pkg/dberror"
	"recstore/pkg/primitives"
)

// TransactionRegistry manages all live transaction contexts and hands out
// transaction ids.
type TransactionRegistry struct {
	contexts map[primitives.TransactionID]*TransactionContext
	mutex    sync.RWMutex
	lastID   atomic.Uint64
}

// NewTransactionRegistry creates a new transaction registry
func NewTransactionRegistry() *TransactionRegistry {
	return &TransactionRegistry{
		contexts: make(map[primitives.TransactionID]*TransactionContext),
	}
}

// Seed makes every id handed out from now on greater than seen. Recovery
// calls it with the highest id found in the log.
func (tr *TransactionRegistry) Seed(seen primitives.TransactionID) {
	for {
		cur := tr.lastID.Load()
		if cur >= uint64(seen) || tr.lastID.CompareAndSwap(cur, uint64(seen)) {
			return
		}
	}
}

// LastID returns the most recently assigned id.
func (tr *TransactionRegistry) LastID() primitives.TransactionID {
	return primitives.TransactionID(tr.lastID.Load())
}

// Begin creates a new transaction context and registers it
func (tr *TransactionRegistry) Begin() *TransactionContext {
	tid := primitives.TransactionID(tr.lastID.Add(1))
	ctx := NewTransactionContext(tid)

	tr.mutex.Lock()
	tr.contexts[tid] = ctx
	tr.mutex.Unlock()

	return ctx
}

// Get retrieves a transaction context by ID. An id that was never issued
// or whose transaction has ended fails with InvalidTransactionState.
func (tr *TransactionRegistry) Get(tid primitives.TransactionID, operation string) (*TransactionContext, error) {
	tr.mutex.RLock()
	defer tr.mutex.RUnlock()

	ctx, exists := tr.contexts[tid]
	if !exists {
		return nil, dberror.InvalidTransactionState(tid, nil, operation)
	}
	return ctx, nil
}

// Remove removes a transaction context from the registry
func (tr *TransactionRegistry) Remove(tid primitives.TransactionID) {
	tr.mutex.Lock()
	defer tr.mutex.Unlock()
	delete(tr.contexts, tid)
}

// GetAll returns every registered context.
func (tr *TransactionRegistry) GetAll() []*TransactionContext {
	tr.mutex.RLock()
	defer tr.mutex.RUnlock()

	all := make([]*TransactionContext, 0, len(tr.contexts))
	for _, ctx := range tr.contexts {
		all = append(all, ctx)
	}
	return all
}

// Count returns the number of registered transactions
func (tr *TransactionRegistry) Count() int {
	tr.mutex.RLock()
	defer tr.mutex.RUnlock()
	return len(tr.contexts)
}

// OldestFirstLSN returns the smallest first LSN of any registered
// transaction that has logged, or InvalidLSN.
func (tr *TransactionRegistry) OldestFirstLSN() primitives.LSN {
	tr.mutex.RLock()
	defer tr.mutex.RUnlock()

	oldest := primitives.InvalidLSN
	for _, ctx := range tr.contexts {
		first := ctx.GetFirstLSN()
		if first != primitives.InvalidLSN && (oldest == primitives.InvalidLSN || first < oldest) {
			oldest = first
		}
	}
	return oldest
}
