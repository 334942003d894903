package record

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"recstore/pkg/primitives"
)

func TestEncodeDecodeUpdate(t *testing.T) {
	rid := primitives.RecordID{Page: 3, Slot: 9, Size: 4}
	rec := NewUpdateRecord(7, 100, 1, rid, []byte{0, 0, 0, 0}, []byte{0, 0, 0, 42})
	rec.LSN = 250

	frame, err := rec.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.LSN != 250 || got.Type != UpdateRecord || got.TID != 7 || got.PrevLSN != 100 {
		t.Errorf("header fields = %+v", got)
	}
	if got.Op != 1 || got.RecordID != rid {
		t.Errorf("op/rid = %d %v, want 1 %v", got.Op, got.RecordID, rid)
	}
	if !bytes.Equal(got.BeforeImage, rec.BeforeImage) || !bytes.Equal(got.AfterImage, rec.AfterImage) {
		t.Errorf("images differ: %v %v", got.BeforeImage, got.AfterImage)
	}
	if !got.Timestamp.Equal(rec.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, rec.Timestamp)
	}
}

func TestCLRCompensatesUpdate(t *testing.T) {
	update := NewUpdateRecord(5, 40, 2, primitives.RecordID{Page: 1, Size: 8}, []byte("old-data"), []byte("new-data"))
	update.LSN = 80

	clr := NewCLR(update, 120)
	clr.LSN = 160

	if clr.UndoNextLSN != update.PrevLSN {
		t.Errorf("UndoNextLSN = %d, want %d", clr.UndoNextLSN, update.PrevLSN)
	}
	if clr.NextUndo() != 40 || update.NextUndo() != 40 {
		t.Errorf("NextUndo: clr=%d update=%d, want 40", clr.NextUndo(), update.NextUndo())
	}

	frame, err := clr.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != CLRRecord || got.UndoNextLSN != 40 || got.PrevLSN != 120 {
		t.Errorf("decoded CLR = %s", got)
	}
	if !bytes.Equal(got.BeforeImage, []byte("old-data")) {
		t.Errorf("CLR lost the before image")
	}
}

func TestEncodeDecodeCheckpoint(t *testing.T) {
	cp := &Checkpoint{
		BeginLSN: 900,
		NextTID:  12,
		Transactions: []TxnEntry{
			{TID: 10, State: TxnRunning, LastLSN: 850, UndoNextLSN: 850},
			{TID: 11, State: TxnAborting, LastLSN: 870, UndoNextLSN: 300},
		},
		DirtyPages: []DirtyPageEntry{{Page: 1, RecLSN: 200}, {Page: 4, RecLSN: 640}},
	}
	rec := NewCheckpointEnd(cp)
	rec.LSN = 950

	frame, err := rec.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Checkpoint == nil {
		t.Fatalf("checkpoint payload missing")
	}
	if got.Checkpoint.BeginLSN != 900 || got.Checkpoint.NextTID != 12 {
		t.Errorf("checkpoint header = %+v", got.Checkpoint)
	}
	if len(got.Checkpoint.Transactions) != 2 || got.Checkpoint.Transactions[1] != cp.Transactions[1] {
		t.Errorf("transactions = %+v", got.Checkpoint.Transactions)
	}
	if len(got.Checkpoint.DirtyPages) != 2 || got.Checkpoint.DirtyPages[1] != cp.DirtyPages[1] {
		t.Errorf("dirty pages = %+v", got.Checkpoint.DirtyPages)
	}
}

func TestDecodeDetectsCorruption(t *testing.T) {
	rec := NewLogRecord(CommitRecord, 3, 77)
	rec.LSN = 99
	frame, err := rec.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(b []byte) []byte
		wantErr error
	}{
		{"flipped body bit", func(b []byte) []byte { b[len(b)-1] ^= 0x01; return b }, ErrChecksum},
		{"wrong lsn", func(b []byte) []byte { b[11] ^= 0x01; return b }, ErrChecksum},
		{"truncated", func(b []byte) []byte { return b[:len(b)-3] }, io.ErrUnexpectedEOF},
		{"short header", func(b []byte) []byte { return b[:10] }, io.ErrUnexpectedEOF},
		{"absurd length", func(b []byte) []byte { b[0] = 0xff; return b }, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.mutate(append([]byte(nil), frame...))
			_, err := Decode(b)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestFrameHeader(t *testing.T) {
	rec := NewLogRecord(BeginRecord, 1, primitives.InvalidLSN)
	rec.LSN = 1
	frame, _ := rec.Encode()

	h, err := ParseFrameHeader(frame)
	if err != nil {
		t.Fatalf("ParseFrameHeader: %v", err)
	}
	if h.FrameSize() != len(frame) {
		t.Errorf("FrameSize() = %d, want %d", h.FrameSize(), len(frame))
	}
	if h.BodyLength != baseBodySize {
		t.Errorf("BodyLength = %d, want %d", h.BodyLength, baseBodySize)
	}
}
