package heap

import (
	"bytes"
	"testing"

	"recstore/pkg/primitives"
)

const testPageSize = 512

func newTestPage() *HeapPage {
	return Wrap(make([]byte, testPageSize))
}

func TestEmptyPage(t *testing.T) {
	hp := newTestPage()

	if hp.NumSlots() != 0 {
		t.Errorf("NumSlots() = %d, want 0", hp.NumSlots())
	}
	if hp.LSN() != primitives.InvalidLSN {
		t.Errorf("LSN() = %d, want 0", hp.LSN())
	}
	if got, want := hp.FreeSpace(), testPageSize-PageHeaderSize; got != want {
		t.Errorf("FreeSpace() = %d, want %d", got, want)
	}
	if slot, ok := hp.FindSlot(4, nil); !ok || slot != 0 {
		t.Errorf("FindSlot(4) = %d, %v; want 0, true", slot, ok)
	}
}

func TestAllocWriteFree(t *testing.T) {
	hp := newTestPage()

	if err := hp.AllocAt(0, 4); err != nil {
		t.Fatalf("AllocAt: %v", err)
	}
	if !hp.IsLive(0, 4) {
		t.Fatalf("slot 0 should be live with size 4")
	}
	if hp.IsLive(0, 8) {
		t.Fatalf("IsLive must check the size")
	}

	if err := hp.Write(0, 0, []byte{0, 0, 0, 42}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rec, err := hp.Record(0)
	if err != nil || !bytes.Equal(rec, []byte{0, 0, 0, 42}) {
		t.Fatalf("Record() = %v, %v", rec, err)
	}

	if err := hp.Free(0); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := hp.Record(0); err == nil {
		t.Fatalf("Record on a free slot should fail")
	}
	if err := hp.Free(0); err == nil {
		t.Fatalf("double Free should fail")
	}

	sp := hp.Slot(0)
	if sp.State != SlotFree || sp.Length != 4 {
		t.Fatalf("freed slot = %+v, want free with length 4", sp)
	}

	// Restoring the freed record reuses the same bytes.
	if err := hp.AllocAt(0, 4); err != nil {
		t.Fatalf("realloc: %v", err)
	}
	if hp.Slot(0).Offset != sp.Offset {
		t.Fatalf("realloc moved the record")
	}
}

func TestWriteBounds(t *testing.T) {
	hp := newTestPage()
	if err := hp.AllocAt(0, 4); err != nil {
		t.Fatalf("AllocAt: %v", err)
	}

	tests := []struct {
		name    string
		offset  int
		data    []byte
		wantErr bool
	}{
		{"whole record", 0, []byte{1, 2, 3, 4}, false},
		{"tail", 2, []byte{9, 9}, false},
		{"overflow", 2, []byte{1, 2, 3}, true},
		{"negative", -1, []byte{1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := hp.Write(0, tt.offset, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Write() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFindSlotPreference(t *testing.T) {
	hp := newTestPage()
	for i := 0; i < 3; i++ {
		if err := hp.AllocAt(primitives.SlotID(i), 8); err != nil {
			t.Fatalf("AllocAt(%d): %v", i, err)
		}
	}
	if err := hp.Free(1); err != nil {
		t.Fatalf("Free: %v", err)
	}

	if slot, ok := hp.FindSlot(8, nil); !ok || slot != 1 {
		t.Errorf("FindSlot(8) = %d, %v; want freed slot 1", slot, ok)
	}
	if slot, ok := hp.FindSlot(16, nil); !ok || slot != 3 {
		t.Errorf("FindSlot(16) = %d, %v; want new slot 3", slot, ok)
	}

	reserved := func(s primitives.SlotID) bool { return s == 1 }
	if slot, ok := hp.FindSlot(8, reserved); !ok || slot != 3 {
		t.Errorf("FindSlot(8, reserved) = %d, %v; want 3", slot, ok)
	}
}

func TestAllocAtIsDeterministic(t *testing.T) {
	a, b := newTestPage(), newTestPage()
	for _, hp := range []*HeapPage{a, b} {
		_ = hp.AllocAt(0, 10)
		_ = hp.AllocAt(2, 20)
		_ = hp.Free(0)
		_ = hp.AllocAt(1, 5)
	}
	if !bytes.Equal(a.Data(), b.Data()) {
		t.Fatalf("identical operation sequences produced different pages")
	}
	if a.Slot(1).State != SlotLive || a.Slot(0).State != SlotFree {
		t.Fatalf("unexpected slot states: %+v %+v", a.Slot(0), a.Slot(1))
	}
}

func TestPageFillsUp(t *testing.T) {
	hp := newTestPage()
	size := 60
	count := 0
	for {
		slot, ok := hp.FindSlot(size, nil)
		if !ok {
			break
		}
		if err := hp.AllocAt(slot, size); err != nil {
			t.Fatalf("AllocAt(%d): %v", slot, err)
		}
		count++
	}

	want := (testPageSize - PageHeaderSize) / (size + SlotPointerSize)
	if count != want {
		t.Errorf("page held %d records, want %d", count, want)
	}
	if err := hp.AllocAt(primitives.SlotID(count), size); err == nil {
		t.Errorf("AllocAt on a full page should fail")
	}
	if err := hp.AllocAt(0, MaxRecordSize(testPageSize)+1); err == nil {
		t.Errorf("oversized record should be rejected")
	}
}

func TestLiveRecords(t *testing.T) {
	hp := newTestPage()
	_ = hp.AllocAt(0, 4)
	_ = hp.AllocAt(1, 6)
	_ = hp.AllocAt(2, 8)
	_ = hp.Free(1)

	var got []primitives.RecordID
	for rid := range LiveRecords(7, hp) {
		got = append(got, rid)
	}

	want := []primitives.RecordID{{Page: 7, Slot: 0, Size: 4}, {Page: 7, Slot: 2, Size: 8}}
	if len(got) != len(want) {
		t.Fatalf("LiveRecords() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPageLSN(t *testing.T) {
	hp := newTestPage()
	hp.SetLSN(12345)
	if hp.LSN() != 12345 {
		t.Fatalf("LSN() = %d, want 12345", hp.LSN())
	}
}
