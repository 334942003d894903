// Package recovery restores a consistent store after a crash and rolls back
// aborted transactions.
//
// Restart runs three passes over the log:
//
//   - Analysis scans forward from the last complete checkpoint and rebuilds
//     the transaction table and the dirty page table.
//   - Redo repeats history from the smallest recLSN, skipping every record a
//     page already reflects (record LSN <= pageLSN).
//   - Undo rolls back all losers together in reverse LSN order, logging a
//     compensation record (CLR) for each undone update and an END record
//     for each finished loser.
//
// CLRs make restart idempotent: a crash in the middle of undo leaves CLRs
// whose UndoNextLSN tells the next restart where to resume.
//
// Live aborts use Rollback, which walks the same backward chain and writes
// the same CLRs.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"recstore/pkg/dberror"
	"recstore/pkg/log/record"
	"recstore/pkg/log/wal"
	"recstore/pkg/logging"
	"recstore/pkg/memory"
	"recstore/pkg/metrics"
	"recstore/pkg/operation"
	"recstore/pkg/primitives"
)

// AppendFunc appends rec on behalf of one transaction, linking it into that
// transaction's backward chain.
type AppendFunc func(rec *record.LogRecord) (primitives.LSN, error)

// Manager runs restart recovery and rollback against one log and buffer pool.
type Manager struct {
	wal     *wal.WAL
	pool    *memory.BufferPool
	ops     *operation.Registry
	metrics *metrics.Collector
	log     *slog.Logger
}

// NewManager creates a recovery manager.
func NewManager(w *wal.WAL, pool *memory.BufferPool, ops *operation.Registry, m *metrics.Collector) *Manager {
	return &Manager{
		wal:     w,
		pool:    pool,
		ops:     ops,
		metrics: m,
		log:     logging.WithComponent("recovery"),
	}
}

// Result summarizes a restart.
type Result struct {
	// MaxTID is the highest transaction id found in the log. New
	// transactions must be numbered above it.
	MaxTID primitives.TransactionID

	Scanned  int
	Redone   int
	Undone   int
	Losers   int
	Finished int
	Elapsed  time.Duration
}

// Recover brings the page file up to date with the log and rolls back every
// transaction that did not commit. It must run before any new transaction
// begins.
//
// Returns:
//   - Result: what the passes did
//   - error: LogCorruption if the log cannot be interpreted, IOFailure if a
//     read or write fails
func (m *Manager) Recover() (Result, error) {
	start := time.Now()

	a, err := m.Analyze()
	if err != nil {
		return Result{}, err
	}
	res := Result{MaxTID: a.MaxTID, Scanned: a.Scanned}

	if res.Redone, err = m.Redo(a); err != nil {
		return res, err
	}
	if res.Losers, res.Undone, res.Finished, err = m.Undo(a); err != nil {
		return res, err
	}

	res.Elapsed = time.Since(start)
	m.log.Info("recovery complete",
		"scanned", res.Scanned, "redone", res.Redone, "undone", res.Undone,
		"losers", res.Losers, "finished", res.Finished, "max_tid", uint64(res.MaxTID),
		"elapsed", res.Elapsed)
	return res, nil
}

// Rollback undoes tid's updates newest first, starting at from, until the
// begin record. Each undone update is logged as a CLR through appendFn
// before its page changes; the CLR's UndoNextLSN is where rollback resumes
// if it stops early.
//
// Rollback resumes correctly from a chain that already holds CLRs: the
// backward chain jumps over compensated work.
func (m *Manager) Rollback(tid primitives.TransactionID, from primitives.LSN, appendFn AppendFunc) (int, error) {
	undone := 0
	for rec, err := range m.wal.BackwardChain(tid, from) {
		if err != nil {
			return undone, err
		}
		if rec.Type != record.UpdateRecord {
			continue
		}
		if _, err := m.compensate(rec, appendFn); err != nil {
			return undone, err
		}
		undone++
	}
	return undone, nil
}

// compensate logs the CLR for rec and applies its undo under the page latch.
func (m *Manager) compensate(rec *record.LogRecord, appendFn AppendFunc) (primitives.LSN, error) {
	if _, err := m.ops.Lookup(rec.Op); err != nil {
		return primitives.InvalidLSN, err
	}
	f, err := m.pool.Pin(rec.RecordID.Page)
	if err != nil {
		return primitives.InvalidLSN, err
	}
	defer m.pool.Unpin(f)

	f.Lock()
	defer f.Unlock()

	// The page is dirty before the CLR exists; a checkpoint begun after the
	// append must list it.
	f.MarkDirty(m.wal.NextLSN())
	clrLSN, err := appendFn(record.NewCLR(rec, primitives.InvalidLSN))
	if err != nil {
		return primitives.InvalidLSN, err
	}

	p := f.Page()
	if err := m.ops.Undo(p, rec); err != nil {
		if errors.Is(err, dberror.ErrUnknownOperation) {
			return primitives.InvalidLSN, err
		}
		return primitives.InvalidLSN, dberror.LogCorruption(rec.LSN, fmt.Sprintf("undo of %s failed: %v", m.ops.Name(rec.Op), err))
	}
	p.SetLSN(clrLSN)

	logging.WithTx(rec.TID).Debug("compensated", "lsn", uint64(rec.LSN), "clr", uint64(clrLSN), "op", m.ops.Name(rec.Op))
	return clrLSN, nil
}
