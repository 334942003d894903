package recovery

import (
	"fmt"

	"recstore/pkg/dberror"
	"recstore/pkg/log/record"
	"recstore/pkg/primitives"
)

// TxnInfo is one row of the transaction table rebuilt by analysis.
type TxnInfo struct {
	TID   primitives.TransactionID
	State record.TxnState

	// LastLSN heads the transaction's backward chain. New CLRs link to it.
	LastLSN primitives.LSN
	// UndoNextLSN is where undo continues.
	UndoNextLSN primitives.LSN
}

// Analysis is the state of the store at the moment of the crash, as far as
// the log tells it.
type Analysis struct {
	// CheckpointLSN is the begin record analysis started from, or InvalidLSN
	// when it scanned the whole log.
	CheckpointLSN primitives.LSN

	Transactions map[primitives.TransactionID]*TxnInfo
	DirtyPages   map[primitives.PageNumber]primitives.LSN

	MaxTID  primitives.TransactionID
	Scanned int
}

// RedoLSN returns the smallest recLSN in the dirty page table, or InvalidLSN
// when no page needs redo.
func (a *Analysis) RedoLSN() primitives.LSN {
	redo := primitives.InvalidLSN
	for _, lsn := range a.DirtyPages {
		if redo == primitives.InvalidLSN || lsn < redo {
			redo = lsn
		}
	}
	return redo
}

// Losers returns the transactions that must be rolled back.
func (a *Analysis) Losers() []*TxnInfo {
	var losers []*TxnInfo
	for _, t := range a.Transactions {
		if t.State != record.TxnCommitted {
			losers = append(losers, t)
		}
	}
	return losers
}

// Analyze rebuilds the transaction and dirty page tables.
//
// With a checkpoint, the tables start from the checkpoint's snapshot and
// every record from the checkpoint's begin record onward is applied on top.
// A record older than what the snapshot already knows about its transaction
// is ignored, since the checkpoint is fuzzy and may have been taken after it.
func (m *Manager) Analyze() (*Analysis, error) {
	a := &Analysis{
		Transactions: make(map[primitives.TransactionID]*TxnInfo),
		DirtyPages:   make(map[primitives.PageNumber]primitives.LSN),
	}

	from := m.wal.StartLSN()
	if cp := m.wal.CheckpointLSN(); cp != primitives.InvalidLSN {
		snapshot, err := m.findCheckpoint(cp)
		if err != nil {
			return nil, err
		}
		a.load(snapshot)
		a.CheckpointLSN = cp
		from = cp
	}

	s := m.wal.Scan(from)
	for s.Next() {
		a.apply(s.Record())
		a.Scanned++
	}
	if err := s.Err(); err != nil {
		return nil, err
	}

	m.metrics.Recovered("analysis", a.Scanned)
	m.log.Info("analysis complete",
		"checkpoint_lsn", uint64(a.CheckpointLSN), "scanned", a.Scanned,
		"transactions", len(a.Transactions), "dirty_pages", len(a.DirtyPages),
		"redo_lsn", uint64(a.RedoLSN()))
	return a, nil
}

// findCheckpoint returns the snapshot of the checkpoint that began at cp.
func (m *Manager) findCheckpoint(cp primitives.LSN) (*record.Checkpoint, error) {
	begin, err := m.wal.ReadAt(cp)
	if err != nil {
		return nil, err
	}
	if begin.Type != record.CheckpointBegin {
		return nil, dberror.LogCorruption(cp, fmt.Sprintf("checkpoint points at a %s record", begin.Type))
	}

	s := m.wal.Scan(cp)
	for s.Next() {
		rec := s.Record()
		if rec.Type == record.CheckpointEnd && rec.Checkpoint != nil && rec.Checkpoint.BeginLSN == cp {
			return rec.Checkpoint, nil
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return nil, dberror.LogCorruption(cp, "checkpoint has no end record")
}

func (a *Analysis) load(cp *record.Checkpoint) {
	a.seeTID(cp.NextTID)
	for _, e := range cp.Transactions {
		a.Transactions[e.TID] = &TxnInfo{
			TID:         e.TID,
			State:       e.State,
			LastLSN:     e.LastLSN,
			UndoNextLSN: e.UndoNextLSN,
		}
		a.seeTID(e.TID)
	}
	for _, d := range cp.DirtyPages {
		a.DirtyPages[d.Page] = d.RecLSN
	}
}

func (a *Analysis) seeTID(tid primitives.TransactionID) {
	if tid > a.MaxTID {
		a.MaxTID = tid
	}
}

func (a *Analysis) apply(rec *record.LogRecord) {
	if rec.Type.IsRedoable() {
		if _, ok := a.DirtyPages[rec.RecordID.Page]; !ok {
			a.DirtyPages[rec.RecordID.Page] = rec.LSN
		}
	}

	if rec.TID == primitives.InvalidTransactionID {
		return
	}
	a.seeTID(rec.TID)

	if rec.Type == record.EndRecord {
		delete(a.Transactions, rec.TID)
		return
	}

	t, ok := a.Transactions[rec.TID]
	if !ok {
		t = &TxnInfo{TID: rec.TID, State: record.TxnRunning}
		a.Transactions[rec.TID] = t
	}
	if rec.LSN < t.LastLSN {
		return
	}

	t.LastLSN = rec.LSN
	switch rec.Type {
	case record.CommitRecord:
		t.State = record.TxnCommitted
		t.UndoNextLSN = rec.LSN
	case record.AbortRecord:
		t.State = record.TxnAborting
		t.UndoNextLSN = rec.LSN
	case record.CLRRecord:
		t.State = record.TxnAborting
		t.UndoNextLSN = rec.UndoNextLSN
	default:
		t.UndoNextLSN = rec.LSN
	}
}
