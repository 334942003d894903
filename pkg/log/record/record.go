package record

import (
	"fmt"
	"time"

	"recstore/pkg/primitives"
)

type LSN = primitives.LSN

// LogRecordType represents different types of log records
type LogRecordType uint8

const (
	BeginRecord LogRecordType = iota + 1
	CommitRecord
	AbortRecord
	EndRecord

	// UpdateRecord carries an operation kind, its target record and the
	// data needed to redo and undo it.
	UpdateRecord

	// CLRRecord compensates one UpdateRecord during rollback. Redoing a CLR
	// re-applies the undo of the record it compensates; CLRs themselves are
	// never undone.
	CLRRecord

	CheckpointBegin
	CheckpointEnd
)

func (t LogRecordType) String() string {
	switch t {
	case BeginRecord:
		return "BEGIN"
	case CommitRecord:
		return "COMMIT"
	case AbortRecord:
		return "ABORT"
	case EndRecord:
		return "END"
	case UpdateRecord:
		return "UPDATE"
	case CLRRecord:
		return "CLR"
	case CheckpointBegin:
		return "CHECKPOINT_BEGIN"
	case CheckpointEnd:
		return "CHECKPOINT_END"
	}
	return fmt.Sprintf("LogRecordType(%d)", uint8(t))
}

// IsRedoable reports whether recovery replays records of this type.
func (t LogRecordType) IsRedoable() bool {
	return t == UpdateRecord || t == CLRRecord
}

// LogRecord represents a single entry in the WAL.
type LogRecord struct {
	LSN     LSN
	Type    LogRecordType
	TID     primitives.TransactionID
	PrevLSN LSN

	// Update and CLR records
	Op          primitives.OpKind
	RecordID    primitives.RecordID
	BeforeImage []byte // undo information
	AfterImage  []byte // operation arguments

	// UndoNextLSN is set on CLRs: the next record of the transaction that
	// still needs undoing.
	UndoNextLSN LSN

	// Checkpoint is set on CheckpointEnd records.
	Checkpoint *Checkpoint

	Timestamp time.Time
}

// TxnState is the state of a transaction as recorded in a checkpoint.
type TxnState uint8

const (
	TxnRunning TxnState = iota
	TxnCommitted
	TxnAborting
)

func (s TxnState) String() string {
	switch s {
	case TxnRunning:
		return "running"
	case TxnCommitted:
		return "committed"
	case TxnAborting:
		return "aborting"
	}
	return fmt.Sprintf("TxnState(%d)", uint8(s))
}

// TxnEntry is one row of the transaction table.
type TxnEntry struct {
	TID         primitives.TransactionID
	State       TxnState
	LastLSN     LSN
	UndoNextLSN LSN
}

// DirtyPageEntry is one row of the dirty page table. RecLSN is the first
// record that may have dirtied the page since it was last written.
type DirtyPageEntry struct {
	Page   primitives.PageNumber
	RecLSN LSN
}

// Checkpoint is the payload of a CheckpointEnd record.
type Checkpoint struct {
	BeginLSN     LSN
	NextTID      primitives.TransactionID
	Transactions []TxnEntry
	DirtyPages   []DirtyPageEntry
}

// NewLogRecord creates a record of a control type (begin, commit, abort, end).
func NewLogRecord(logType LogRecordType, tid primitives.TransactionID, prevLSN LSN) *LogRecord {
	return &LogRecord{
		Type:      logType,
		TID:       tid,
		PrevLSN:   prevLSN,
		Timestamp: time.Now(),
	}
}

// NewUpdateRecord creates an update record.
func NewUpdateRecord(tid primitives.TransactionID, prevLSN LSN, op primitives.OpKind, rid primitives.RecordID, before, after []byte) *LogRecord {
	return &LogRecord{
		Type:        UpdateRecord,
		TID:         tid,
		PrevLSN:     prevLSN,
		Op:          op,
		RecordID:    rid,
		BeforeImage: before,
		AfterImage:  after,
		Timestamp:   time.Now(),
	}
}

// NewCLR creates the compensation record for undone. The CLR repeats the
// operation and images of undone so that redo can re-apply the undo, and
// points UndoNextLSN past undone.
func NewCLR(undone *LogRecord, prevLSN LSN) *LogRecord {
	return &LogRecord{
		Type:        CLRRecord,
		TID:         undone.TID,
		PrevLSN:     prevLSN,
		Op:          undone.Op,
		RecordID:    undone.RecordID,
		BeforeImage: undone.BeforeImage,
		AfterImage:  undone.AfterImage,
		UndoNextLSN: undone.PrevLSN,
		Timestamp:   time.Now(),
	}
}

// NewCheckpointEnd creates the record closing a fuzzy checkpoint.
func NewCheckpointEnd(cp *Checkpoint) *LogRecord {
	return &LogRecord{
		Type:       CheckpointEnd,
		Checkpoint: cp,
		Timestamp:  time.Now(),
	}
}

// NextUndo returns the LSN rollback moves to after handling r.
func (r *LogRecord) NextUndo() LSN {
	if r.Type == CLRRecord {
		return r.UndoNextLSN
	}
	return r.PrevLSN
}

func (r *LogRecord) String() string {
	switch r.Type {
	case UpdateRecord, CLRRecord:
		s := fmt.Sprintf("%d %s %s prev=%d op=%d rid=%s before=%d after=%d",
			r.LSN, r.Type, r.TID, r.PrevLSN, r.Op, r.RecordID, len(r.BeforeImage), len(r.AfterImage))
		if r.Type == CLRRecord {
			s += fmt.Sprintf(" undoNext=%d", r.UndoNextLSN)
		}
		return s
	case CheckpointEnd:
		if r.Checkpoint == nil {
			return fmt.Sprintf("%d %s", r.LSN, r.Type)
		}
		return fmt.Sprintf("%d %s begin=%d txns=%d dirty=%d", r.LSN, r.Type,
			r.Checkpoint.BeginLSN, len(r.Checkpoint.Transactions), len(r.Checkpoint.DirtyPages))
	}
	return fmt.Sprintf("%d %s %s prev=%d", r.LSN, r.Type, r.TID, r.PrevLSN)
}
