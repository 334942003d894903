package recovery

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"recstore/pkg/dberror"
	"recstore/pkg/log/record"
	"recstore/pkg/log/wal"
	"recstore/pkg/memory"
	"recstore/pkg/operation"
	"recstore/pkg/primitives"
	"recstore/pkg/storage/disk"
	"recstore/pkg/storage/page"
)

const testPageSize = 512

// store is a WAL, page file and buffer pool opened on one directory.
type store struct {
	dir  string
	w    *wal.WAL
	pf   *page.PageFile
	pool *memory.BufferPool
	ops  *operation.Registry
	mgr  *Manager
}

func openStore(t *testing.T, dir string) *store {
	t.Helper()
	w, err := wal.Open(disk.OS{}, filepath.Join(dir, "log"), wal.Options{})
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	pf, err := page.Open(disk.OS{}, filepath.Join(dir, "pages"), testPageSize, w.LogID())
	if err != nil {
		t.Fatalf("page.Open: %v", err)
	}
	s := &store{dir: dir, w: w, pf: pf, ops: operation.NewRegistry()}
	s.pool = memory.NewBufferPool(pf, 8, w, nil)
	s.mgr = NewManager(w, s.pool, s.ops, nil)
	return s
}

// crash drops everything that is not durable.
func (s *store) crash() {
	s.pool.Discard()
	_ = s.w.Abandon()
	_ = s.pf.Close()
}

type txn struct {
	id   primitives.TransactionID
	last primitives.LSN
}

func (s *store) log(t *testing.T, tx *txn, rec *record.LogRecord) primitives.LSN {
	t.Helper()
	rec.TID = tx.id
	rec.PrevLSN = tx.last
	lsn, err := s.w.Append(rec)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	tx.last = lsn
	return lsn
}

func (s *store) begin(t *testing.T, id primitives.TransactionID) *txn {
	tx := &txn{id: id}
	s.log(t, tx, record.NewLogRecord(record.BeginRecord, id, primitives.InvalidLSN))
	return tx
}

// update logs and applies one operation the way the engine does.
func (s *store) update(t *testing.T, tx *txn, kind operation.Kind, rid primitives.RecordID, args []byte) {
	t.Helper()
	f, err := s.pool.Pin(rid.Page)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	defer s.pool.Unpin(f)
	f.Lock()
	defer f.Unlock()

	p := f.Page()
	op, err := s.ops.Lookup(kind)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	var before []byte
	if op.Capture != nil {
		cur, _ := p.Record(rid.Slot)
		before = op.Capture(cur, args)
	}
	rec := record.NewUpdateRecord(0, 0, kind, rid, before, args)
	lsn := s.log(t, tx, rec)
	if err := s.ops.Redo(p, rec); err != nil {
		t.Fatalf("apply %s: %v", op.Name, err)
	}
	p.SetLSN(lsn)
	f.MarkDirty(lsn)
}

func (s *store) commit(t *testing.T, tx *txn) {
	t.Helper()
	lsn := s.log(t, tx, record.NewLogRecord(record.CommitRecord, tx.id, 0))
	if err := s.w.ForceTo(lsn); err != nil {
		t.Fatalf("ForceTo: %v", err)
	}
	s.log(t, tx, record.NewLogRecord(record.EndRecord, tx.id, 0))
}

func (s *store) read(t *testing.T, rid primitives.RecordID) ([]byte, bool) {
	t.Helper()
	f, err := s.pool.Pin(rid.Page)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	defer s.pool.Unpin(f)
	f.RLock()
	defer f.RUnlock()
	if !f.Page().IsLive(rid.Slot, rid.Size) {
		return nil, false
	}
	b, _ := f.Page().Record(rid.Slot)
	return append([]byte(nil), b...), true
}

var rootRID = primitives.RecordID{Page: 1, Slot: 0, Size: 4}

func TestRecoverRedoesCommittedWork(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	t1 := s.begin(t, 1)
	s.update(t, t1, operation.Alloc, rootRID, nil)
	s.update(t, t1, operation.Set, rootRID, []byte{0, 0, 0, 42})
	s.commit(t, t1)
	s.crash()

	s = openStore(t, dir)
	defer s.crash()
	res, err := s.mgr.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.MaxTID != 1 || res.Redone != 2 || res.Losers != 0 {
		t.Errorf("Recover() = %+v, want MaxTID 1, 2 redone, no losers", res)
	}
	if got, ok := s.read(t, rootRID); !ok || !bytes.Equal(got, []byte{0, 0, 0, 42}) {
		t.Errorf("record after recovery = %v, %v; want 42", got, ok)
	}
}

func TestRecoverUndoesStolenPages(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	t1 := s.begin(t, 1)
	s.update(t, t1, operation.Alloc, rootRID, nil)
	s.update(t, t1, operation.Set, rootRID, []byte{0, 0, 0, 7})
	s.commit(t, t1)

	other := primitives.RecordID{Page: 1, Slot: 1, Size: 8}
	t2 := s.begin(t, 2)
	s.update(t, t2, operation.Set, rootRID, []byte{0, 0, 0, 99})
	s.update(t, t2, operation.Alloc, other, nil)

	// The loser's changes reach the page file before the crash.
	if err := s.pool.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	s.crash()

	s = openStore(t, dir)
	if got, _ := s.read(t, rootRID); !bytes.Equal(got, []byte{0, 0, 0, 99}) {
		t.Fatalf("page file does not hold the stolen write: %v", got)
	}
	s.pool.Discard()

	res, err := s.mgr.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.Losers != 1 || res.Undone != 2 || res.MaxTID != 2 {
		t.Errorf("Recover() = %+v, want one loser with 2 undone updates", res)
	}
	if got, _ := s.read(t, rootRID); !bytes.Equal(got, []byte{0, 0, 0, 7}) {
		t.Errorf("record after undo = %v, want 7", got)
	}
	if _, live := s.read(t, other); live {
		t.Errorf("loser's allocation survived recovery")
	}

	// The loser is finished: its chain ends in CLRs and an END record.
	var types []record.LogRecordType
	for rec, err := range s.w.BackwardChain(2, s.w.LastLSN()) {
		if err != nil {
			t.Fatalf("BackwardChain: %v", err)
		}
		types = append(types, rec.Type)
	}
	if len(types) == 0 || types[0] != record.EndRecord {
		t.Errorf("loser chain = %v, want it to end with END", types)
	}
	s.crash()
}

func TestRecoveryIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	t1 := s.begin(t, 1)
	s.update(t, t1, operation.Alloc, rootRID, nil)
	s.update(t, t1, operation.Set, rootRID, []byte{1, 1, 1, 1})
	s.commit(t, t1)

	t2 := s.begin(t, 2)
	s.update(t, t2, operation.Set, rootRID, []byte{2, 2, 2, 2})
	s.update(t, t2, operation.Increment, rootRID, operation.DeltaArgs(5))
	if err := s.w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	s.crash()

	// First restart dies after compensating only the newest update.
	s = openStore(t, dir)
	a, err := s.mgr.Analyze()
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if _, err := s.mgr.Redo(a); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	boom := errors.New("crash")
	calls := 0
	loser := a.Transactions[2]
	_, err = s.mgr.Rollback(2, loser.UndoNextLSN, func(rec *record.LogRecord) (primitives.LSN, error) {
		calls++
		if calls > 1 {
			return primitives.InvalidLSN, boom
		}
		return s.mgr.chainAppender(loser)(rec)
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Rollback = %v, want the injected crash", err)
	}
	if err := s.w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	s.crash()

	for round := 0; round < 2; round++ {
		s = openStore(t, dir)
		res, err := s.mgr.Recover()
		if err != nil {
			t.Fatalf("round %d Recover: %v", round, err)
		}
		if round == 0 && res.Undone != 1 {
			t.Errorf("second restart undid %d updates, want only the remaining one", res.Undone)
		}
		if round == 1 && (res.Undone != 0 || res.Losers != 0) {
			t.Errorf("third restart found work: %+v", res)
		}
		if got, _ := s.read(t, rootRID); !bytes.Equal(got, []byte{1, 1, 1, 1}) {
			t.Errorf("round %d: record = %v, want the committed value", round, got)
		}
		s.crash()
	}
}

func TestRollbackLive(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.crash()

	t1 := s.begin(t, 1)
	s.update(t, t1, operation.Alloc, rootRID, nil)
	s.update(t, t1, operation.Set, rootRID, []byte{0, 0, 0, 10})
	s.commit(t, t1)

	t2 := s.begin(t, 2)
	s.update(t, t2, operation.Decrement, rootRID, operation.DeltaArgs(3))
	s.update(t, t2, operation.SetRange, rootRID, operation.SetRangeArgs(1, []byte{9, 9}))
	s.update(t, t2, operation.Dealloc, rootRID, nil)
	s.log(t, t2, record.NewLogRecord(record.AbortRecord, 2, 0))

	var clrs int
	undone, err := s.mgr.Rollback(2, t2.last, func(rec *record.LogRecord) (primitives.LSN, error) {
		clrs++
		return s.log(t, t2, rec), nil
	})
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if undone != 3 || clrs != 3 {
		t.Fatalf("undid %d updates with %d CLRs, want 3", undone, clrs)
	}

	got, ok := s.read(t, rootRID)
	if !ok || operation.Counter(got) != 10 {
		t.Errorf("record after rollback = %v, %v; want 10", got, ok)
	}

	// A second rollback of the same chain finds nothing left to undo.
	again, err := s.mgr.Rollback(2, t2.last, func(*record.LogRecord) (primitives.LSN, error) {
		t.Error("compensated work undone twice")
		return primitives.InvalidLSN, errors.New("unexpected append")
	})
	if err != nil || again != 0 {
		t.Errorf("second Rollback = %d, %v", again, err)
	}
}

func TestAnalysisStartsAtCheckpoint(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	t1 := s.begin(t, 1)
	s.update(t, t1, operation.Alloc, rootRID, nil)
	s.commit(t, t1)

	t5 := s.begin(t, 5)
	s.update(t, t5, operation.Set, rootRID, []byte{5, 5, 5, 5})

	cp := &txn{}
	beginLSN := s.log(t, cp, record.NewLogRecord(record.CheckpointBegin, 0, 0))
	snapshot := &record.Checkpoint{
		BeginLSN:     beginLSN,
		NextTID:      7,
		Transactions: []record.TxnEntry{{TID: 5, State: record.TxnRunning, LastLSN: t5.last, UndoNextLSN: t5.last}},
		DirtyPages:   s.pool.DirtyPages(),
	}
	endLSN := s.log(t, &txn{}, record.NewCheckpointEnd(snapshot))
	if err := s.w.ForceTo(endLSN); err != nil {
		t.Fatalf("ForceTo: %v", err)
	}
	if err := s.w.SetCheckpoint(beginLSN); err != nil {
		t.Fatalf("SetCheckpoint: %v", err)
	}
	if err := s.w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	s.crash()

	s = openStore(t, dir)
	defer s.crash()
	a, err := s.mgr.Analyze()
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if a.CheckpointLSN != beginLSN || a.Scanned != 2 {
		t.Errorf("analysis started at %d and scanned %d records, want %d and 2", a.CheckpointLSN, a.Scanned, beginLSN)
	}
	if a.MaxTID != 7 {
		t.Errorf("MaxTID = %d, want the checkpoint's 7", a.MaxTID)
	}
	losers := a.Losers()
	if len(losers) != 1 || losers[0].TID != 5 {
		t.Fatalf("losers = %v, want T5", losers)
	}
	if a.RedoLSN() == primitives.InvalidLSN || a.RedoLSN() >= beginLSN {
		t.Errorf("RedoLSN() = %d, want a point before the checkpoint", a.RedoLSN())
	}

	res, err := s.mgr.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.Undone != 1 {
		t.Errorf("undone = %d, want T5's update", res.Undone)
	}
	if got, _ := s.read(t, rootRID); !bytes.Equal(got, []byte{0, 0, 0, 0}) {
		t.Errorf("record = %v, want zeros after undoing T5", got)
	}
}

func TestAnalysisKeepsNewerSnapshot(t *testing.T) {
	a := &Analysis{
		Transactions: map[primitives.TransactionID]*TxnInfo{
			3: {TID: 3, State: record.TxnAborting, LastLSN: 500, UndoNextLSN: 100},
		},
		DirtyPages: map[primitives.PageNumber]primitives.LSN{},
	}

	// An update older than the snapshot must not move the undo point.
	old := record.NewUpdateRecord(3, 0, operation.Set, rootRID, nil, nil)
	old.LSN = 400
	a.apply(old)
	if got := a.Transactions[3]; got.UndoNextLSN != 100 || got.State != record.TxnAborting {
		t.Errorf("old record changed the snapshot: %+v", got)
	}
	if a.DirtyPages[1] != 400 {
		t.Errorf("page 1 recLSN = %d, want 400", a.DirtyPages[1])
	}

	end := record.NewLogRecord(record.EndRecord, 3, 500)
	end.LSN = 600
	a.apply(end)
	if _, ok := a.Transactions[3]; ok {
		t.Error("END did not remove the transaction")
	}
}

func TestCorruptCheckpointPointer(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	t1 := s.begin(t, 1)
	lsn := s.log(t, t1, record.NewLogRecord(record.CommitRecord, 1, 0))
	if err := s.w.ForceTo(lsn); err != nil {
		t.Fatalf("ForceTo: %v", err)
	}
	if err := s.w.SetCheckpoint(lsn); err != nil {
		t.Fatalf("SetCheckpoint: %v", err)
	}
	defer s.crash()

	if _, err := s.mgr.Analyze(); !errors.Is(err, dberror.ErrLogCorruption) {
		t.Errorf("Analyze = %v, want LogCorruption for a checkpoint on a COMMIT record", err)
	}
}
