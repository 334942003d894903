package engine

import (
	"recstore/pkg/concurrency/transaction"
	"recstore/pkg/dberror"
	"recstore/pkg/log/record"
	"recstore/pkg/logging"
	"recstore/pkg/primitives"
)

// Begin starts a transaction. Nothing is logged until its first change.
func (e *Engine) Begin() (primitives.TransactionID, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.usable("Begin"); err != nil {
		return primitives.InvalidTransactionID, err
	}

	tc := e.txns.Begin()
	e.metrics.TxnBegun()
	logging.WithTx(tc.ID).Debug("transaction begun")
	return tc.ID, nil
}

// Commit makes tid's changes durable and releases its locks.
//
// The COMMIT record is forced before Commit returns. If the force fails the
// transaction is not durable, the error is IOFailure and the engine refuses
// further work until it is reopened.
func (e *Engine) Commit(tid primitives.TransactionID) error {
	tc, done, err := e.enter(tid, "Commit")
	if err != nil {
		return err
	}
	defer done()

	if err := tc.Transition(transaction.TxActive, transaction.TxCommitting, "Commit"); err != nil {
		return err
	}

	if tc.HasLogged() {
		lsn, err := tc.Log(e.wal, record.NewLogRecord(record.CommitRecord, tid, primitives.InvalidLSN))
		if err != nil {
			return e.check(err)
		}
		if err := e.wal.ForceTo(lsn); err != nil {
			return e.check(err)
		}
	}
	tc.SetStatus(transaction.TxCommitted)

	// The transaction is durable; a lost END only costs recovery an extra
	// record.
	var endErr error
	if tc.HasLogged() {
		_, endErr = tc.Log(e.wal, record.NewLogRecord(record.EndRecord, tid, primitives.InvalidLSN))
	}
	e.release(tc)

	e.metrics.TxnCommitted()
	logFinished(tc, "transaction committed")
	return e.check(endErr)
}

// Abort rolls back every change tid made, newest first, and releases its
// locks. Each undone change is logged as a compensation record, and Abort
// returns once the END record is durable.
//
// An Abort that fails without failing the engine, for example because
// every buffer frame is pinned, leaves tid ABORTING with its locks held.
// Calling Abort again resumes the rollback where it stopped.
func (e *Engine) Abort(tid primitives.TransactionID) error {
	tc, done, err := e.enterIn(tid, "Abort", transaction.TxActive, transaction.TxAborting)
	if err != nil {
		return err
	}
	defer done()

	if tc.GetStatus() == transaction.TxActive {
		if err := tc.Transition(transaction.TxActive, transaction.TxAborting, "Abort"); err != nil {
			return err
		}
		if tc.HasLogged() {
			if _, err := tc.Log(e.wal, record.NewLogRecord(record.AbortRecord, tid, primitives.InvalidLSN)); err != nil {
				return e.check(err)
			}
		}
	}

	undone := 0
	if tc.HasLogged() {
		appendFn := func(rec *record.LogRecord) (primitives.LSN, error) { return tc.Log(e.wal, rec) }
		if undone, err = e.rec.Rollback(tid, tc.UndoNext(), appendFn); err != nil {
			return e.check(err)
		}
		end, err := tc.Log(e.wal, record.NewLogRecord(record.EndRecord, tid, primitives.InvalidLSN))
		if err != nil {
			return e.check(err)
		}
		if err := e.wal.ForceTo(end); err != nil {
			return e.check(err)
		}
	}
	tc.SetStatus(transaction.TxAborted)

	// Rolled back allocations left free slots behind. A page that cannot
	// be read now is picked up again the next time a slot on it changes.
	var trackErr error
	for _, pageNo := range tc.GetDirtyPages() {
		if err := e.track(pageNo); err != nil {
			logging.WithTx(tid).Warn("free space not refreshed", "page", uint64(pageNo), "error", err)
			if dberror.IsFatal(err) {
				trackErr = e.check(err)
			}
		}
	}
	e.release(tc)

	e.metrics.TxnAborted()
	logFinished(tc, "transaction aborted", "undone", undone)
	return trackErr
}

// logFinished logs the end of tc with its activity counters.
func logFinished(tc *transaction.TransactionContext, msg string, args ...any) {
	s := tc.GetStatistics()
	logging.WithTx(tc.ID).Debug(msg, append(args,
		"duration", s.Duration, "last_lsn", uint64(s.LastLSN),
		"reads", s.RecordsRead, "writes", s.RecordsWritten,
		"allocs", s.RecordsAllocated, "frees", s.RecordsFreed,
		"dirty_pages", s.DirtyPages)...)
}

// release ends tid's strict two-phase locking period.
func (e *Engine) release(tc *transaction.TransactionContext) {
	e.locks.UnlockAllPages(tc.ID)
	e.alloc.Release(tc.ID)
	e.txns.Remove(tc.ID)
}

// Status returns the state of a transaction that has not yet ended.
func (e *Engine) Status(tid primitives.TransactionID) (transaction.TransactionStatus, error) {
	tc, err := e.txns.Get(tid, "Status")
	if err != nil {
		return 0, err
	}
	return tc.GetStatus(), nil
}
