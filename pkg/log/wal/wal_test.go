package wal

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/NebulousLabs/fastrand"

	"recstore/pkg/dberror"
	"recstore/pkg/log/record"
	"recstore/pkg/primitives"
	"recstore/pkg/storage/disk"
)

func openTestWAL(t *testing.T, fs disk.FileSystem, path string) *WAL {
	t.Helper()
	w, err := Open(fs, path, Options{BufferSize: 1 << 20})
	if err != nil {
		t.Fatalf("Open(%s) failed: %v", path, err)
	}
	return w
}

func appendUpdate(t *testing.T, w *WAL, tid primitives.TransactionID, prev primitives.LSN, payload []byte) primitives.LSN {
	t.Helper()
	rid := primitives.RecordID{Page: 1, Slot: 0, Size: uint32(len(payload))}
	lsn, err := w.Append(record.NewUpdateRecord(tid, prev, 1, rid, make([]byte, len(payload)), payload))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return lsn
}

func readAll(t *testing.T, w *WAL) []*record.LogRecord {
	t.Helper()
	var out []*record.LogRecord
	for rec, err := range w.Records(primitives.InvalidLSN) {
		if err != nil {
			t.Fatalf("Records: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func TestAppendAssignsIncreasingLSNs(t *testing.T) {
	w := openTestWAL(t, disk.OS{}, filepath.Join(t.TempDir(), "log"))
	defer w.Close()

	if w.NextLSN() != primitives.FirstLSN {
		t.Fatalf("fresh log NextLSN() = %d, want 1", w.NextLSN())
	}

	var prev primitives.LSN
	for i := 0; i < 10; i++ {
		lsn := appendUpdate(t, w, 1, prev, fastrand.Bytes(1+fastrand.Intn(64)))
		if lsn <= prev {
			t.Fatalf("LSN %d not greater than previous %d", lsn, prev)
		}
		prev = lsn
	}

	rec, err := w.ReadAt(prev)
	if err != nil {
		t.Fatalf("ReadAt from buffer: %v", err)
	}
	if rec.LSN != prev || rec.Type != record.UpdateRecord {
		t.Errorf("ReadAt(%d) = %s", prev, rec)
	}

	if err := w.ForceTo(prev); err != nil {
		t.Fatalf("ForceTo: %v", err)
	}
	if w.DurableLSN() <= prev {
		t.Errorf("DurableLSN() = %d, want > %d", w.DurableLSN(), prev)
	}

	rec, err = w.ReadAt(prev)
	if err != nil || rec.LSN != prev {
		t.Fatalf("ReadAt from file = %v, %v", rec, err)
	}
}

func TestForcedRecordsSurviveCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	w := openTestWAL(t, disk.OS{}, path)

	begin, _ := w.Append(record.NewLogRecord(record.BeginRecord, 1, primitives.InvalidLSN))
	upd := appendUpdate(t, w, 1, begin, []byte{0, 0, 0, 42})
	commit, _ := w.Append(record.NewLogRecord(record.CommitRecord, 1, upd))
	if err := w.ForceTo(commit); err != nil {
		t.Fatalf("ForceTo: %v", err)
	}

	// Never forced: lost in the crash.
	_, _ = w.Append(record.NewLogRecord(record.BeginRecord, 2, primitives.InvalidLSN))
	if err := w.Abandon(); err != nil {
		t.Fatalf("Abandon: %v", err)
	}

	w = openTestWAL(t, disk.OS{}, path)
	defer w.Close()

	recs := readAll(t, w)
	if len(recs) != 3 {
		t.Fatalf("recovered %d records, want 3", len(recs))
	}
	if recs[2].Type != record.CommitRecord || recs[2].LSN != commit {
		t.Errorf("last record = %s, want commit at %d", recs[2], commit)
	}
	if w.LastLSN() != commit {
		t.Errorf("LastLSN() = %d, want %d", w.LastLSN(), commit)
	}
}

func TestTornTailIsDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	w := openTestWAL(t, disk.OS{}, path)
	var last primitives.LSN
	for i := 0; i < 3; i++ {
		last = appendUpdate(t, w, 1, last, []byte("payload"))
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, _ := os.Stat(path)
	goodSize := info.Size()

	// Half of a fourth frame.
	rec := record.NewUpdateRecord(1, last, 1, primitives.RecordID{Page: 1, Size: 7}, nil, []byte("payload"))
	rec.LSN = primitives.FirstLSN + primitives.LSN(goodSize-HeaderSize)
	frame, _ := rec.Encode()
	f, _ := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	_, _ = f.Write(frame[:len(frame)/2])
	_ = f.Close()

	w = openTestWAL(t, disk.OS{}, path)
	defer w.Close()

	if n := len(readAll(t, w)); n != 3 {
		t.Fatalf("records after torn tail = %d, want 3", n)
	}
	info, _ = os.Stat(path)
	if info.Size() != goodSize {
		t.Errorf("file size = %d, want torn tail cut back to %d", info.Size(), goodSize)
	}

	next := appendUpdate(t, w, 2, primitives.InvalidLSN, []byte("after"))
	if next != rec.LSN {
		t.Errorf("first LSN after cut = %d, want %d", next, rec.LSN)
	}
}

func TestCorruptionInsideLogIsReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	w := openTestWAL(t, disk.OS{}, path)
	first := appendUpdate(t, w, 1, primitives.InvalidLSN, []byte("first record"))
	appendUpdate(t, w, 1, first, []byte("second record"))
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Flip the last byte of the first frame's body.
	f, _ := os.OpenFile(path, os.O_RDWR, 0o600)
	hdr := make([]byte, record.FrameHeaderSize)
	_, _ = f.ReadAt(hdr, HeaderSize)
	h, _ := record.ParseFrameHeader(hdr)
	pos := int64(HeaderSize + h.FrameSize() - 1)
	b := make([]byte, 1)
	_, _ = f.ReadAt(b, pos)
	b[0] ^= 0xff
	_, _ = f.WriteAt(b, pos)
	_ = f.Close()

	_, err := Open(disk.OS{}, path, Options{})
	if !errors.Is(err, dberror.ErrLogCorruption) {
		t.Fatalf("Open() = %v, want LogCorruption", err)
	}
}

func TestDamagedFrameHeaderIsReported(t *testing.T) {
	tests := []struct {
		name   string
		damage func(hdr []byte)
	}{
		{"huge length", func(hdr []byte) { binary.BigEndian.PutUint32(hdr[0:4], 0xFFFFFFF0) }},
		{"zero length", func(hdr []byte) { binary.BigEndian.PutUint32(hdr[0:4], 0) }},
		{"wrong lsn", func(hdr []byte) { hdr[11] ^= 0x01 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "log")
			w := openTestWAL(t, disk.OS{}, path)
			var lsns []primitives.LSN
			for i := 0; i < 5; i++ {
				lsns = append(lsns, appendUpdate(t, w, 1, primitives.InvalidLSN, fastrand.Bytes(32)))
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			before, _ := os.Stat(path)

			// Damage the second frame; three good frames follow it.
			off := int64(HeaderSize) + int64(lsns[1]-primitives.FirstLSN)
			f, _ := os.OpenFile(path, os.O_RDWR, 0o600)
			hdr := make([]byte, record.FrameHeaderSize)
			_, _ = f.ReadAt(hdr, off)
			tt.damage(hdr)
			_, _ = f.WriteAt(hdr, off)
			_ = f.Close()

			if _, err := Open(disk.OS{}, path, Options{}); !errors.Is(err, dberror.ErrLogCorruption) {
				t.Fatalf("Open() = %v, want LogCorruption", err)
			}
			after, _ := os.Stat(path)
			if after.Size() != before.Size() {
				t.Errorf("log size %d -> %d; a damaged log must not be cut back", before.Size(), after.Size())
			}

			r, err := NewLogReader(disk.OS{}, path)
			if err != nil {
				t.Fatalf("NewLogReader: %v", err)
			}
			defer r.Close()
			recs, err := r.ReadAll()
			if !errors.Is(err, dberror.ErrLogCorruption) || len(recs) != 1 {
				t.Errorf("ReadAll = %d records, %v; want 1 and LogCorruption", len(recs), err)
			}
		})
	}
}

func TestBackwardChainSkipsCompensatedWork(t *testing.T) {
	w := openTestWAL(t, disk.OS{}, filepath.Join(t.TempDir(), "log"))
	defer w.Close()

	begin, _ := w.Append(record.NewLogRecord(record.BeginRecord, 7, primitives.InvalidLSN))
	// Another transaction interleaves.
	_, _ = w.Append(record.NewLogRecord(record.BeginRecord, 8, primitives.InvalidLSN))
	u1 := appendUpdate(t, w, 7, begin, []byte{1})
	u2 := appendUpdate(t, w, 7, u1, []byte{2})
	abort, _ := w.Append(record.NewLogRecord(record.AbortRecord, 7, u2))

	u2rec, _ := w.ReadAt(u2)
	clr, _ := w.Append(record.NewCLR(u2rec, abort))

	var got []primitives.LSN
	for rec, err := range w.BackwardChain(7, clr) {
		if err != nil {
			t.Fatalf("BackwardChain: %v", err)
		}
		got = append(got, rec.LSN)
	}

	want := []primitives.LSN{clr, u1, begin}
	if len(got) != len(want) {
		t.Fatalf("chain = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chain[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	for _, err := range w.BackwardChain(8, u1) {
		if !errors.Is(err, dberror.ErrLogCorruption) {
			t.Errorf("chain through a foreign record = %v, want LogCorruption", err)
		}
	}
}

func TestScannerSeekRestarts(t *testing.T) {
	w := openTestWAL(t, disk.OS{}, filepath.Join(t.TempDir(), "log"))
	defer w.Close()

	var lsns []primitives.LSN
	for i := 0; i < 5; i++ {
		lsns = append(lsns, appendUpdate(t, w, 1, primitives.InvalidLSN, []byte{byte(i)}))
		if i == 2 {
			if err := w.Flush(); err != nil {
				t.Fatalf("Flush: %v", err)
			}
		}
	}

	s := w.Scan(lsns[3])
	count := 0
	for s.Next() {
		count++
	}
	if s.Err() != nil || count != 2 {
		t.Fatalf("scan from lsns[3] saw %d records, err %v", count, s.Err())
	}

	s.Seek(lsns[1])
	if !s.Next() || s.Record().LSN != lsns[1] {
		t.Fatalf("Seek(lsns[1]) did not restart at %d", lsns[1])
	}
	if s.Position() != lsns[2] {
		t.Errorf("Position() = %d, want %d", s.Position(), lsns[2])
	}
}

func TestTruncatePrefixKeepsLSNs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	w := openTestWAL(t, disk.OS{}, path)

	var lsns []primitives.LSN
	for i := 0; i < 6; i++ {
		lsns = append(lsns, appendUpdate(t, w, 1, primitives.InvalidLSN, []byte{byte(i), byte(i)}))
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := w.SetCheckpoint(lsns[4]); err != nil {
		t.Fatalf("SetCheckpoint: %v", err)
	}

	if err := w.TruncatePrefix(lsns[3]); err != nil {
		t.Fatalf("TruncatePrefix: %v", err)
	}
	if w.StartLSN() != lsns[3] {
		t.Errorf("StartLSN() = %d, want %d", w.StartLSN(), lsns[3])
	}
	if _, err := w.ReadAt(lsns[1]); !errors.Is(err, dberror.ErrLogCorruption) {
		t.Errorf("ReadAt truncated record = %v, want LogCorruption", err)
	}

	after := appendUpdate(t, w, 2, primitives.InvalidLSN, []byte("new"))
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w = openTestWAL(t, disk.OS{}, path)
	defer w.Close()

	recs := readAll(t, w)
	if len(recs) != 4 {
		t.Fatalf("records after truncation = %d, want 4", len(recs))
	}
	if recs[0].LSN != lsns[3] || recs[3].LSN != after {
		t.Errorf("LSNs moved: first %d last %d", recs[0].LSN, recs[3].LSN)
	}
	if w.CheckpointLSN() != lsns[4] {
		t.Errorf("CheckpointLSN() = %d, want %d", w.CheckpointLSN(), lsns[4])
	}

	if err := w.TruncatePrefix(lsns[3] + 1); !errors.Is(err, dberror.ErrInvalidArgument) {
		t.Errorf("truncating inside a record = %v, want InvalidArgument", err)
	}
}

func TestSetCheckpointRequiresDurability(t *testing.T) {
	w := openTestWAL(t, disk.OS{}, filepath.Join(t.TempDir(), "log"))
	defer w.Close()

	lsn, _ := w.Append(record.NewLogRecord(record.CheckpointBegin, 0, primitives.InvalidLSN))
	if err := w.SetCheckpoint(lsn); !errors.Is(err, dberror.ErrInvalidArgument) {
		t.Fatalf("SetCheckpoint before force = %v, want InvalidArgument", err)
	}
	if err := w.ForceTo(lsn); err != nil {
		t.Fatalf("ForceTo: %v", err)
	}
	if err := w.SetCheckpoint(lsn); err != nil {
		t.Fatalf("SetCheckpoint: %v", err)
	}
}

func TestForceFailureFailsLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	fs := disk.NewFaultyFileSystem(disk.OS{})
	w := openTestWAL(t, fs, path)

	durable := appendUpdate(t, w, 1, primitives.InvalidLSN, []byte("durable"))
	if err := w.ForceTo(durable); err != nil {
		t.Fatalf("ForceTo: %v", err)
	}

	lost, _ := w.Append(record.NewLogRecord(record.CommitRecord, 1, durable))
	fs.Arm(0)
	if err := w.ForceTo(lost); !errors.Is(err, dberror.ErrIOFailure) {
		t.Fatalf("ForceTo on dead disk = %v, want IOFailure", err)
	}
	if _, err := w.Append(record.NewLogRecord(record.BeginRecord, 2, 0)); !errors.Is(err, dberror.ErrIOFailure) {
		t.Fatalf("Append after failure = %v, want IOFailure", err)
	}
	if !errors.Is(w.Err(), dberror.ErrIOFailure) {
		t.Fatalf("Err() = %v", w.Err())
	}
	_ = w.Abandon()

	fs.Disarm()
	w = openTestWAL(t, fs, path)
	defer w.Close()

	recs := readAll(t, w)
	if len(recs) != 1 || recs[0].LSN != durable {
		t.Fatalf("after failed force the log holds %d records, want only the durable one", len(recs))
	}
}

func TestConcurrentAppendAndForce(t *testing.T) {
	w, err := Open(disk.OS{}, filepath.Join(t.TempDir(), "log"), Options{BufferSize: 4096})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[primitives.LSN]bool)

	for g := 0; g < writers; g++ {
		wg.Add(1)
		go func(tid primitives.TransactionID) {
			defer wg.Done()
			prev := primitives.InvalidLSN
			for i := 0; i < perWriter; i++ {
				rid := primitives.RecordID{Page: 1, Size: 16}
				lsn, err := w.Append(record.NewUpdateRecord(tid, prev, 1, rid, nil, fastrand.Bytes(16)))
				if err != nil {
					t.Errorf("Append: %v", err)
					return
				}
				if i%10 == 9 {
					if err := w.ForceTo(lsn); err != nil {
						t.Errorf("ForceTo: %v", err)
						return
					}
				}
				mu.Lock()
				seen[lsn] = true
				mu.Unlock()
				prev = lsn
			}
		}(primitives.TransactionID(g + 1))
	}
	wg.Wait()

	if len(seen) != writers*perWriter {
		t.Fatalf("%d distinct LSNs, want %d", len(seen), writers*perWriter)
	}

	perTxn := make(map[primitives.TransactionID]int)
	for rec, err := range w.Records(primitives.InvalidLSN) {
		if err != nil {
			t.Fatalf("Records: %v", err)
		}
		perTxn[rec.TID]++
	}
	for tid, n := range perTxn {
		if n != perWriter {
			t.Errorf("%s has %d records, want %d", tid, n, perWriter)
		}
	}
}

func TestLogReaderMatchesWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	w := openTestWAL(t, disk.OS{}, path)
	for i := 0; i < 4; i++ {
		appendUpdate(t, w, 1, primitives.InvalidLSN, []byte{byte(i)})
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lr, err := NewLogReader(disk.OS{}, path)
	if err != nil {
		t.Fatalf("NewLogReader: %v", err)
	}
	defer lr.Close()

	recs, err := lr.ReadAll()
	if err != nil || len(recs) != 4 {
		t.Fatalf("ReadAll() = %d records, %v", len(recs), err)
	}
	lr.Reset()
	first, err := lr.ReadNext()
	if err != nil || first.LSN != primitives.FirstLSN {
		t.Fatalf("ReadNext after Reset = %v, %v", first, err)
	}
}
