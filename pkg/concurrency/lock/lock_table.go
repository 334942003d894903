package lock

import (
	"slices"

	"recstore/pkg/primitives"
)

// LockTable manages the mapping of pages to locks and transactions to their held locks.
type LockTable struct {
	pageLocks        map[primitives.PageNumber][]*Lock
	transactionLocks map[primitives.TransactionID]map[primitives.PageNumber]LockType
}

func NewLockTable() *LockTable {
	return &LockTable{
		pageLocks:        make(map[primitives.PageNumber][]*Lock),
		transactionLocks: make(map[primitives.TransactionID]map[primitives.PageNumber]LockType),
	}
}

// HasSufficientLock checks if the transaction already holds a sufficient lock on the page.
func (lt *LockTable) HasSufficientLock(tid primitives.TransactionID, page primitives.PageNumber, req LockType) bool {
	held, ok := lt.transactionLocks[tid][page]
	if !ok {
		return false
	}
	return held == ExclusiveLock || req == SharedLock
}

func (lt *LockTable) HasLockType(tid primitives.TransactionID, page primitives.PageNumber, lockType LockType) bool {
	held, ok := lt.transactionLocks[tid][page]
	return ok && held == lockType
}

func (lt *LockTable) GetPageLocks(page primitives.PageNumber) []*Lock {
	return lt.pageLocks[page]
}

// Compatible reports whether tid could hold lockType on page alongside the
// locks other transactions hold there.
func (lt *LockTable) Compatible(tid primitives.TransactionID, page primitives.PageNumber, lockType LockType) bool {
	return !slices.ContainsFunc(lt.pageLocks[page], func(l *Lock) bool {
		return l.TID != tid && (lockType == ExclusiveLock || l.LockType == ExclusiveLock)
	})
}

// Holders returns the other transactions whose locks conflict with lockType.
func (lt *LockTable) Holders(tid primitives.TransactionID, page primitives.PageNumber, lockType LockType) []primitives.TransactionID {
	var out []primitives.TransactionID
	for _, l := range lt.pageLocks[page] {
		if l.TID != tid && (lockType == ExclusiveLock || l.LockType == ExclusiveLock) {
			out = append(out, l.TID)
		}
	}
	return out
}

// AddLock records a grant. A shared lock already held by tid is upgraded in
// place.
func (lt *LockTable) AddLock(tid primitives.TransactionID, page primitives.PageNumber, lockType LockType) {
	if lt.transactionLocks[tid] == nil {
		lt.transactionLocks[tid] = make(map[primitives.PageNumber]LockType)
	}
	if _, held := lt.transactionLocks[tid][page]; held {
		for _, l := range lt.pageLocks[page] {
			if l.TID == tid {
				l.LockType = max(l.LockType, lockType)
			}
		}
		lt.transactionLocks[tid][page] = max(lt.transactionLocks[tid][page], lockType)
		return
	}

	lt.pageLocks[page] = append(lt.pageLocks[page], NewLock(tid, lockType))
	lt.transactionLocks[tid][page] = lockType
}

func (lt *LockTable) IsPageLocked(page primitives.PageNumber) bool {
	return len(lt.pageLocks[page]) > 0
}

// PagesOf returns the pages tid holds locks on and the modes.
func (lt *LockTable) PagesOf(tid primitives.TransactionID) map[primitives.PageNumber]LockType {
	return lt.transactionLocks[tid]
}

// ReleaseAllLocks drops every lock of tid and returns the affected pages.
func (lt *LockTable) ReleaseAllLocks(tid primitives.TransactionID) []primitives.PageNumber {
	txPages, exists := lt.transactionLocks[tid]
	if !exists {
		return nil
	}

	affected := make([]primitives.PageNumber, 0, len(txPages))
	for page := range txPages {
		affected = append(affected, page)
		remaining := slices.DeleteFunc(slices.Clone(lt.pageLocks[page]), func(l *Lock) bool {
			return l.TID == tid
		})
		updateOrDelete(lt.pageLocks, page, remaining)
	}

	delete(lt.transactionLocks, tid)
	return affected
}
