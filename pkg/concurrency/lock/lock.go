package lock

import (
	"time"

	"recstore/pkg/primitives"
)

type LockType int

const (
	SharedLock LockType = iota
	ExclusiveLock
)

func (lt LockType) String() string {
	if lt == ExclusiveLock {
		return "X"
	}
	return "S"
}

// Lock is one granted lock on a page.
type Lock struct {
	TID       primitives.TransactionID
	LockType  LockType
	GrantTime time.Time
}

// LockRequest is a waiting transaction. Wake is signalled whenever a lock
// on the page is released so the waiter can retry.
type LockRequest struct {
	TID      primitives.TransactionID
	LockType LockType
	Wake     chan struct{}
}

func NewLock(tid primitives.TransactionID, lockType LockType) *Lock {
	return &Lock{
		TID:       tid,
		LockType:  lockType,
		GrantTime: time.Now(),
	}
}

func NewLockRequest(tid primitives.TransactionID, lockType LockType) *LockRequest {
	return &LockRequest{
		TID:      tid,
		LockType: lockType,
		Wake:     make(chan struct{}, 1),
	}
}

// wake signals the waiter without blocking.
func (r *LockRequest) wake() {
	select {
	case r.Wake <- struct{}{}:
	default:
	}
}
