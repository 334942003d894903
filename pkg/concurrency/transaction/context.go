package transaction

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"recstore/pkg/dberror"
	"recstore/pkg/log/record"
	"recstore/pkg/primitives"
)

// TransactionStatus represents the current state of a transaction
type TransactionStatus int

const (
	TxActive TransactionStatus = iota
	TxCommitting
	TxAborting
	TxCommitted
	TxAborted
)

func (ts TransactionStatus) String() string {
	switch ts {
	case TxActive:
		return "ACTIVE"
	case TxCommitting:
		return "COMMITTING"
	case TxAborting:
		return "ABORTING"
	case TxCommitted:
		return "COMMITTED"
	case TxAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// LogAppender is the part of the WAL a transaction writes through.
type LogAppender interface {
	Append(rec *record.LogRecord) (primitives.LSN, error)
}

// TransactionStats is a snapshot of one transaction's activity.
type TransactionStats struct {
	ID       primitives.TransactionID
	Status   TransactionStatus
	Duration time.Duration
	LastLSN  primitives.LSN

	RecordsRead      int
	RecordsWritten   int
	RecordsAllocated int
	RecordsFreed     int
	DirtyPages       int
}

// TransactionContext encapsulates all state for a single transaction.
type TransactionContext struct {
	ID primitives.TransactionID

	// op serializes engine calls made with this transaction.
	op sync.Mutex

	mutex     sync.RWMutex
	status    TransactionStatus
	startTime time.Time
	endTime   time.Time

	// Pages this transaction has modified
	dirtyPages map[primitives.PageNumber]bool

	// Write-Ahead Logging state
	firstLSN    primitives.LSN // BEGIN record
	lastLSN     primitives.LSN // most recent record, the head of the backward chain
	commitLSN   primitives.LSN // COMMIT record, once appended
	undoNextLSN primitives.LSN // UndoNextLSN of the newest CLR
	compensated bool           // a CLR has been logged
	begunInWAL  bool

	stats TransactionStats
}

func NewTransactionContext(tid primitives.TransactionID) *TransactionContext {
	return &TransactionContext{
		ID:         tid,
		status:     TxActive,
		startTime:  time.Now(),
		dirtyPages: make(map[primitives.PageNumber]bool),
	}
}

// Enter starts an engine call on this transaction; Exit ends it.
func (tc *TransactionContext) Enter() { tc.op.Lock() }
func (tc *TransactionContext) Exit()  { tc.op.Unlock() }

func (tc *TransactionContext) GetStatus() TransactionStatus {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()
	return tc.status
}

// RequireStatus fails with InvalidTransactionState unless the transaction
// is in one of states.
func (tc *TransactionContext) RequireStatus(operation string, states ...TransactionStatus) error {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()
	if !slices.Contains(states, tc.status) {
		return dberror.InvalidTransactionState(tc.ID, tc.status, operation)
	}
	return nil
}

// Transition moves the transaction from one state to another, failing
// with InvalidTransactionState if it is not in from.
func (tc *TransactionContext) Transition(from, to TransactionStatus, operation string) error {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()
	if tc.status != from {
		return dberror.InvalidTransactionState(tc.ID, tc.status, operation)
	}
	tc.status = to
	if to == TxCommitted || to == TxAborted {
		tc.endTime = time.Now()
	}
	return nil
}

// SetStatus updates the transaction status unconditionally.
func (tc *TransactionContext) SetStatus(status TransactionStatus) {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()
	tc.status = status
	if status == TxCommitted || status == TxAborted {
		tc.endTime = time.Now()
	}
}

// Log appends rec to the transaction's backward chain. The BEGIN record is
// written first if this is the transaction's first logged record, so a
// read-only transaction never touches the log.
//
// The chain head, the commit LSN and rollback progress change together with
// the append, so a checkpoint never sees one without the others.
func (tc *TransactionContext) Log(w LogAppender, rec *record.LogRecord) (primitives.LSN, error) {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	if !tc.begunInWAL {
		begin := record.NewLogRecord(record.BeginRecord, tc.ID, primitives.InvalidLSN)
		lsn, err := w.Append(begin)
		if err != nil {
			return primitives.InvalidLSN, err
		}
		tc.firstLSN = lsn
		tc.lastLSN = lsn
		tc.begunInWAL = true
	}

	rec.TID = tc.ID
	rec.PrevLSN = tc.lastLSN
	lsn, err := w.Append(rec)
	if err != nil {
		return primitives.InvalidLSN, err
	}
	tc.lastLSN = lsn
	switch rec.Type {
	case record.CommitRecord:
		tc.commitLSN = lsn
	case record.CLRRecord:
		tc.undoNextLSN = rec.UndoNextLSN
		tc.compensated = true
	}
	return lsn, nil
}

// HasLogged reports whether a BEGIN record was written.
func (tc *TransactionContext) HasLogged() bool {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()
	return tc.begunInWAL
}

// MarkPageDirty marks a page as dirty (modified) by this transaction
func (tc *TransactionContext) MarkPageDirty(page primitives.PageNumber) {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()
	tc.dirtyPages[page] = true
}

// GetDirtyPages returns a copy of all dirty pages
func (tc *TransactionContext) GetDirtyPages() []primitives.PageNumber {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()
	return slices.Collect(maps.Keys(tc.dirtyPages))
}

func (tc *TransactionContext) GetFirstLSN() primitives.LSN {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()
	return tc.firstLSN
}

// UndoNext returns the LSN rollback continues from: the chain head until
// the first CLR is logged, then the UndoNextLSN of the newest CLR.
func (tc *TransactionContext) UndoNext() primitives.LSN {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()
	return tc.undoNextLocked()
}

func (tc *TransactionContext) undoNextLocked() primitives.LSN {
	if tc.compensated {
		return tc.undoNextLSN
	}
	return tc.lastLSN
}

// Entry describes the transaction for a checkpoint. A transaction counts as
// committed only once its COMMIT record is in the log.
func (tc *TransactionContext) Entry() record.TxnEntry {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()

	state := record.TxnRunning
	switch tc.status {
	case TxCommitting, TxCommitted:
		if tc.commitLSN != primitives.InvalidLSN {
			state = record.TxnCommitted
		}
	case TxAborting, TxAborted:
		state = record.TxnAborting
	}
	return record.TxnEntry{TID: tc.ID, State: state, LastLSN: tc.lastLSN, UndoNextLSN: tc.undoNextLocked()}
}

func (tc *TransactionContext) RecordRead() {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()
	tc.stats.RecordsRead++
}

func (tc *TransactionContext) RecordWrite() {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()
	tc.stats.RecordsWritten++
}

func (tc *TransactionContext) RecordAlloc() {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()
	tc.stats.RecordsAllocated++
}

func (tc *TransactionContext) RecordFree() {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()
	tc.stats.RecordsFreed++
}

// GetStatistics returns a snapshot of transaction statistics
func (tc *TransactionContext) GetStatistics() TransactionStats {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()
	s := tc.stats
	s.ID = tc.ID
	s.Status = tc.status
	s.Duration = tc.durationLocked()
	s.LastLSN = tc.lastLSN
	s.DirtyPages = len(tc.dirtyPages)
	return s
}

func (tc *TransactionContext) durationLocked() time.Duration {
	endTime := tc.endTime
	if endTime.IsZero() {
		endTime = time.Now()
	}
	return endTime.Sub(tc.startTime)
}

func (tc *TransactionContext) String() string {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()

	return fmt.Sprintf("Transaction %s [Status=%s, Duration=%v, Dirty=%d, LastLSN=%d]",
		tc.ID, tc.status, tc.durationLocked(), len(tc.dirtyPages), tc.lastLSN)
}
