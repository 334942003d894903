package engine

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/NebulousLabs/fastrand"

	"recstore/pkg/concurrency/transaction"
	"recstore/pkg/log/record"
	"recstore/pkg/operation"
	"recstore/pkg/primitives"
)

func TestCheckpointShortensRecovery(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)

	var rids []primitives.RecordID
	for range 20 {
		tid := mustBegin(t, e)
		rid := mustAlloc(t, e, tid, 32)
		mustSet(t, e, tid, rid, fastrand.Bytes(32))
		mustCommit(t, e, tid)
		rids = append(rids, rid)
	}
	if err := e.pool.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	begin, err := e.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if got := e.wal.CheckpointLSN(); got != begin {
		t.Fatalf("log header checkpoint = %d, want %d", got, begin)
	}

	tid := mustBegin(t, e)
	want := fastrand.Bytes(32)
	mustSet(t, e, tid, rids[0], want)
	mustCommit(t, e, tid)
	if err := e.Crash(); err != nil {
		t.Fatalf("Crash: %v", err)
	}

	e = openEngine(t, dir)
	r := e.Stats().Recovery
	// The checkpoint pair plus BEGIN, UPDATE and COMMIT. The END was never
	// forced.
	if r.Scanned != 5 {
		t.Fatalf("recovery scanned %d records, want 5", r.Scanned)
	}
	if r.Redone != 1 {
		t.Fatalf("recovery redid %d records, want 1", r.Redone)
	}
	if got := readCommitted(t, e, rids[0]); !bytes.Equal(got, want) {
		t.Fatalf("%s = %x, want %x", rids[0], got, want)
	}
}

func TestCheckpointListsRunningTransactions(t *testing.T) {
	e := openEngine(t, t.TempDir())

	running := mustBegin(t, e)
	rid := mustAlloc(t, e, running, 8)
	idle := mustBegin(t, e)

	begin, err := e.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	var cp *record.Checkpoint
	for rec, err := range e.wal.Records(begin) {
		if err != nil {
			t.Fatalf("Records: %v", err)
		}
		if rec.Type == record.CheckpointEnd {
			cp = rec.Checkpoint
			break
		}
	}
	if cp == nil {
		t.Fatal("no checkpoint end record")
	}
	if len(cp.Transactions) != 1 || cp.Transactions[0].TID != running {
		t.Fatalf("checkpoint transactions = %+v, want only %s", cp.Transactions, running)
	}
	if cp.Transactions[0].State != record.TxnRunning {
		t.Fatalf("state = %s", cp.Transactions[0].State)
	}
	var dirty bool
	for _, dp := range cp.DirtyPages {
		dirty = dirty || dp.Page == rid.Page
	}
	if !dirty {
		t.Fatalf("page %d missing from dirty pages %+v", rid.Page, cp.DirtyPages)
	}
	if cp.NextTID <= idle {
		t.Fatalf("NextTID = %s, want above %s", cp.NextTID, idle)
	}
}

func TestCheckpointDuringCommit(t *testing.T) {
	tests := []struct {
		name      string
		logCommit bool
		survives  bool
	}{
		{"before the commit record", false, false},
		{"after the commit record", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			e := openEngine(t, dir)

			tid := mustBegin(t, e)
			rid := mustAlloc(t, e, tid, 4)
			mustSet(t, e, tid, rid, counter(7))

			tc, err := e.txns.Get(tid, "Commit")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if err := tc.Transition(transaction.TxActive, transaction.TxCommitting, "Commit"); err != nil {
				t.Fatalf("Transition: %v", err)
			}
			if tt.logCommit {
				if _, err := tc.Log(e.wal, record.NewLogRecord(record.CommitRecord, tid, primitives.InvalidLSN)); err != nil {
					t.Fatalf("Log COMMIT: %v", err)
				}
			}
			if _, err := e.Checkpoint(); err != nil {
				t.Fatalf("Checkpoint: %v", err)
			}
			if err := e.Crash(); err != nil {
				t.Fatalf("Crash: %v", err)
			}

			e = openEngine(t, dir)
			r := e.Stats().Recovery
			if got := exists(t, e, rid); got != tt.survives {
				t.Fatalf("%s exists = %v after recovery %+v, want %v", rid, got, r, tt.survives)
			}
			if !tt.survives && r.Losers != 1 {
				t.Errorf("recovery found %d losers, want 1", r.Losers)
			}
		})
	}
}

// A checkpoint taken right after a CLR must resume undo below the update
// that CLR compensated.
func TestCheckpointDuringRollback(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)

	setup := mustBegin(t, e)
	rid := mustAlloc(t, e, setup, operation.CounterSize)
	mustCommit(t, e, setup)

	tid := mustBegin(t, e)
	for _, d := range []int32{1, 10, 100} {
		if err := e.Increment(tid, rid, d); err != nil {
			t.Fatalf("Increment(%d): %v", d, err)
		}
	}

	tc, _ := e.txns.Get(tid, "Abort")
	if err := tc.Transition(transaction.TxActive, transaction.TxAborting, "Abort"); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := tc.Log(e.wal, record.NewLogRecord(record.AbortRecord, tid, primitives.InvalidLSN)); err != nil {
		t.Fatalf("Log ABORT: %v", err)
	}

	// Undo +100 and +10, checkpoint straight after the second CLR, then
	// stop before +1 is undone.
	stop := errors.New("stopped")
	clrs := 0
	_, err := e.rec.Rollback(tid, tc.UndoNext(), func(rec *record.LogRecord) (primitives.LSN, error) {
		if clrs == 2 {
			return primitives.InvalidLSN, stop
		}
		lsn, err := tc.Log(e.wal, rec)
		if err != nil {
			return lsn, err
		}
		clrs++
		if clrs == 2 {
			if _, err := e.checkpoint(); err != nil {
				t.Errorf("checkpoint: %v", err)
			}
		}
		return lsn, nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("Rollback = %v, want it stopped", err)
	}
	if err := e.Crash(); err != nil {
		t.Fatalf("Crash: %v", err)
	}

	e = openEngine(t, dir)
	if r := e.Stats().Recovery; r.Losers != 1 || r.Undone != 1 {
		t.Errorf("recovery = %+v, want one loser with one update left to undo", r)
	}
	if got := operation.Counter(readCommitted(t, e, rid)); got != 0 {
		t.Fatalf("counter after recovery = %d, want 0", got)
	}
}

func TestTruncateLog(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)

	want := make(map[primitives.RecordID][]byte)
	for range 30 {
		tid := mustBegin(t, e)
		rid := mustAlloc(t, e, tid, 64)
		b := fastrand.Bytes(64)
		mustSet(t, e, tid, rid, b)
		mustCommit(t, e, tid)
		want[rid] = b
	}

	// A running transaction pins the log from its first record on.
	running := mustBegin(t, e)
	pinned := mustAlloc(t, e, running, 64)
	first := e.txns.OldestFirstLSN()

	start, err := e.TruncateLog()
	if err != nil {
		t.Fatalf("TruncateLog: %v", err)
	}
	if start <= primitives.FirstLSN || start > first {
		t.Fatalf("log starts at %d, want in (%d, %d]", start, primitives.FirstLSN, first)
	}
	if err := e.Abort(running); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	start, err = e.TruncateLog()
	if err != nil {
		t.Fatalf("second TruncateLog: %v", err)
	}
	if start <= first {
		t.Fatalf("log still starts at %d after the transaction ended", start)
	}

	if err := e.Crash(); err != nil {
		t.Fatalf("Crash: %v", err)
	}
	e = openEngine(t, dir)
	for rid, b := range want {
		if got := readCommitted(t, e, rid); !bytes.Equal(got, b) {
			t.Fatalf("%s = %x, want %x", rid, got, b)
		}
	}
	if exists(t, e, pinned) {
		t.Fatalf("aborted record %s exists", pinned)
	}
}

func TestBackgroundCheckpoints(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.CheckpointInterval = 10 * time.Millisecond
	e := openConfig(t, cfg)

	initial := e.wal.CheckpointLSN()
	tid := mustBegin(t, e)
	mustAlloc(t, e, tid, 16)
	mustCommit(t, e, tid)

	deadline := time.Now().Add(2 * time.Second)
	for e.wal.CheckpointLSN() == initial {
		if time.Now().After(deadline) {
			t.Fatal("no background checkpoint was taken")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
