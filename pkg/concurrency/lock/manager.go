package lock

import (
	"sync"
	"time"

	"recstore/pkg/dberror"
	"recstore/pkg/logging"
	"recstore/pkg/metrics"
	"recstore/pkg/primitives"
)

// DefaultTimeout bounds a lock wait when none is configured.
const DefaultTimeout = 2 * time.Second

type LockManager struct {
	mutex     sync.Mutex
	lockTable *LockTable
	waitQueue *WaitQueue
	depGraph  *DependencyGraph

	timeout time.Duration
	metrics *metrics.Collector
}

// NewLockManager creates a lock manager whose waits give up after timeout.
func NewLockManager(timeout time.Duration, m *metrics.Collector) *LockManager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &LockManager{
		lockTable: NewLockTable(),
		waitQueue: NewWaitQueue(),
		depGraph:  NewDependencyGraph(),
		timeout:   timeout,
		metrics:   m,
	}
}

// LockPage acquires a shared or exclusive lock on page for tid, blocking
// until it is granted.
//
// Returns:
//   - error: Deadlock if waiting would close a cycle in the wait-for graph,
//     LockTimeout if the lock is not granted within the configured timeout
func (lm *LockManager) LockPage(tid primitives.TransactionID, page primitives.PageNumber, exclusive bool) error {
	lockType := SharedLock
	if exclusive {
		lockType = ExclusiveLock
	}

	deadline := time.Now().Add(lm.timeout)
	var req *LockRequest
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		lm.mutex.Lock()

		if lm.tryGrant(tid, page, lockType) {
			if req != nil {
				lm.abandonWait(tid, page)
				lm.metrics.LockWait("granted")
			}
			lm.mutex.Unlock()
			return nil
		}

		if req == nil {
			req = lm.waitQueue.Add(page, NewLockRequest(tid, lockType))
		}
		lm.updateDependencies(tid, page, lockType)

		if lm.depGraph.HasCycle() {
			lm.abandonWait(tid, page)
			lm.mutex.Unlock()
			lm.metrics.LockWait("deadlock")
			logging.WithLock(tid, page).Info("deadlock detected", "mode", lockType)
			return dberror.Deadlock(tid, page)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			lm.abandonWait(tid, page)
			lm.mutex.Unlock()
			lm.metrics.LockWait("timeout")
			return dberror.LockTimeout(tid, page)
		}
		lm.mutex.Unlock()

		if timer == nil {
			timer = time.NewTimer(remaining)
		} else {
			timer.Reset(remaining)
		}
		select {
		case <-req.Wake:
		case <-timer.C:
		}
	}
}

// TryLockPage grants the lock only if that needs no waiting.
func (lm *LockManager) TryLockPage(tid primitives.TransactionID, page primitives.PageNumber, exclusive bool) bool {
	lockType := SharedLock
	if exclusive {
		lockType = ExclusiveLock
	}
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	return lm.tryGrant(tid, page, lockType)
}

// tryGrant requires lm.mutex. A transaction upgrading its own lock does
// not queue behind others, which would otherwise deadlock on it.
func (lm *LockManager) tryGrant(tid primitives.TransactionID, page primitives.PageNumber, lockType LockType) bool {
	if lm.lockTable.HasSufficientLock(tid, page, lockType) {
		return true
	}
	if !lm.lockTable.Compatible(tid, page, lockType) {
		return false
	}
	_, upgrading := lm.lockTable.PagesOf(tid)[page]
	if !upgrading && lm.waitQueue.AheadOf(tid, page, lockType) {
		return false
	}
	lm.lockTable.AddLock(tid, page, lockType)
	return true
}

// updateDependencies rebuilds tid's wait-for edges: the conflicting holders
// and the conflicting requests queued ahead of it.
func (lm *LockManager) updateDependencies(tid primitives.TransactionID, page primitives.PageNumber, lockType LockType) {
	lm.depGraph.ClearWaits(tid)
	for _, holder := range lm.lockTable.Holders(tid, page, lockType) {
		lm.depGraph.AddEdge(tid, holder)
	}
	for _, r := range lm.waitQueue.GetRequests(page) {
		if r.TID == tid {
			break
		}
		if lockType == ExclusiveLock || r.LockType == ExclusiveLock {
			lm.depGraph.AddEdge(tid, r.TID)
		}
	}
}

// abandonWait removes tid's request. Requests queued behind it may now be
// grantable, so they are woken.
func (lm *LockManager) abandonWait(tid primitives.TransactionID, page primitives.PageNumber) {
	lm.waitQueue.Remove(tid, page)
	lm.depGraph.ClearWaits(tid)
	lm.wakeWaiters(page)
}

func (lm *LockManager) wakeWaiters(page primitives.PageNumber) {
	for _, r := range lm.waitQueue.GetRequests(page) {
		r.wake()
	}
}

// UnlockAllPages releases every lock tid holds. Called once, at commit or
// abort.
func (lm *LockManager) UnlockAllPages(tid primitives.TransactionID) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	pages := lm.lockTable.ReleaseAllLocks(tid)
	lm.waitQueue.RemoveTransaction(tid)
	lm.depGraph.RemoveTransaction(tid)
	for _, page := range pages {
		lm.wakeWaiters(page)
	}
}

func (lm *LockManager) IsPageLocked(page primitives.PageNumber) bool {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	return lm.lockTable.IsPageLocked(page)
}

// HoldsLock returns the mode tid holds on page.
func (lm *LockManager) HoldsLock(tid primitives.TransactionID, page primitives.PageNumber) (LockType, bool) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	lt, ok := lm.lockTable.PagesOf(tid)[page]
	return lt, ok
}

// LockedPages returns the pages tid holds locks on.
func (lm *LockManager) LockedPages(tid primitives.TransactionID) []primitives.PageNumber {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	held := lm.lockTable.PagesOf(tid)
	pages := make([]primitives.PageNumber, 0, len(held))
	for page := range held {
		pages = append(pages, page)
	}
	return pages
}

// WaitingOn returns the page tid is blocked on, if any.
func (lm *LockManager) WaitingOn(tid primitives.TransactionID) (primitives.PageNumber, bool) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	return lm.waitQueue.WaitingOn(tid)
}
