package lock

import (
	"slices"

	"recstore/pkg/primitives"
)

// WaitQueue implements a two-way mapping of pending lock requests.
//
//   - pageWaitQueue: page to the FIFO queue of requests waiting on it.
//   - transactionWaiting: transaction to the page it is blocked on. A
//     transaction runs on one goroutine, so it waits for at most one page.
type WaitQueue struct {
	pageWaitQueue      map[primitives.PageNumber][]*LockRequest
	transactionWaiting map[primitives.TransactionID]primitives.PageNumber
}

// NewWaitQueue creates and initializes a new WaitQueue instance with empty internal maps.
func NewWaitQueue() *WaitQueue {
	return &WaitQueue{
		pageWaitQueue:      make(map[primitives.PageNumber][]*LockRequest),
		transactionWaiting: make(map[primitives.TransactionID]primitives.PageNumber),
	}
}

// Add enqueues req for page unless tid is already queued there, in which
// case the existing request is returned.
func (wq *WaitQueue) Add(page primitives.PageNumber, req *LockRequest) *LockRequest {
	for _, r := range wq.pageWaitQueue[page] {
		if r.TID == req.TID {
			return r
		}
	}
	wq.pageWaitQueue[page] = append(wq.pageWaitQueue[page], req)
	wq.transactionWaiting[req.TID] = page
	return req
}

// Remove drops tid's request for page.
func (wq *WaitQueue) Remove(tid primitives.TransactionID, page primitives.PageNumber) {
	remaining := slices.DeleteFunc(slices.Clone(wq.pageWaitQueue[page]), func(r *LockRequest) bool {
		return r.TID == tid
	})
	updateOrDelete(wq.pageWaitQueue, page, remaining)
	if p, ok := wq.transactionWaiting[tid]; ok && p == page {
		delete(wq.transactionWaiting, tid)
	}
}

// RemoveTransaction drops any request of tid.
func (wq *WaitQueue) RemoveTransaction(tid primitives.TransactionID) {
	if page, ok := wq.transactionWaiting[tid]; ok {
		wq.Remove(tid, page)
	}
}

// GetRequests returns the requests waiting on page, oldest first.
func (wq *WaitQueue) GetRequests(page primitives.PageNumber) []*LockRequest {
	return wq.pageWaitQueue[page]
}

// WaitingOn returns the page tid is blocked on.
func (wq *WaitQueue) WaitingOn(tid primitives.TransactionID) (primitives.PageNumber, bool) {
	page, ok := wq.transactionWaiting[tid]
	return page, ok
}

// AheadOf reports whether a request of another transaction that conflicts
// with lockType is queued on page before tid's own. New requests go behind
// queued ones so a stream of shared lockers cannot starve a writer.
func (wq *WaitQueue) AheadOf(tid primitives.TransactionID, page primitives.PageNumber, lockType LockType) bool {
	for _, r := range wq.pageWaitQueue[page] {
		if r.TID == tid {
			return false
		}
		if lockType == ExclusiveLock || r.LockType == ExclusiveLock {
			return true
		}
	}
	return false
}
