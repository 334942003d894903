package heap

import (
	"encoding/binary"
	"fmt"

	"recstore/pkg/primitives"
)

const (
	// PageHeaderSize covers pageLSN, slot count, data start and flags.
	PageHeaderSize = 16
	// SlotPointerSize is the size of each slot pointer (2 bytes offset, 2 bytes length).
	SlotPointerSize = 4

	lsnOff       = 0
	numSlotsOff  = 8
	dataStartOff = 10

	freeBit    = 0x8000
	lengthMask = 0x7fff
)

// SlotState describes a slot directory entry.
type SlotState uint8

const (
	// SlotUnused has never held a record; it has no space of its own.
	SlotUnused SlotState = iota
	// SlotLive holds a record.
	SlotLive
	// SlotFree held a record that was deallocated. It keeps its offset and
	// length so the same record can be restored in place.
	SlotFree
)

func (s SlotState) String() string {
	switch s {
	case SlotUnused:
		return "unused"
	case SlotLive:
		return "live"
	case SlotFree:
		return "free"
	}
	return fmt.Sprintf("SlotState(%d)", uint8(s))
}

// SlotPointer locates a record inside the page.
// If Offset is 0 the slot is unused.
type SlotPointer struct {
	Offset uint16
	Length uint16
	State  SlotState
}

// HeapPage is a view over a page buffer using a slotted layout:
//
//	[pageLSN:8][numSlots:2][dataStart:2][flags:4][SlotPointer0]...[SlotPointerN][free space][...record data]
//
// The slot directory grows from the header toward the end of the page,
// record data grows from the end of the page backward. An all-zero page is a
// valid empty page. Records never move, so a RecordID stays valid for the
// life of the record.
//
// HeapPage does no locking; callers hold the frame latch.
type HeapPage struct {
	data []byte
}

// Wrap interprets data as a slotted page without copying it.
func Wrap(data []byte) *HeapPage {
	return &HeapPage{data: data}
}

// MaxRecordSize is the largest record a page of pageSize bytes can hold.
func MaxRecordSize(pageSize int) int {
	return min(pageSize-PageHeaderSize-SlotPointerSize, lengthMask)
}

// Data returns the underlying buffer.
func (hp *HeapPage) Data() []byte {
	return hp.data
}

// LSN returns the LSN of the last log record applied to this page.
func (hp *HeapPage) LSN() primitives.LSN {
	return primitives.LSN(binary.BigEndian.Uint64(hp.data[lsnOff:]))
}

func (hp *HeapPage) SetLSN(lsn primitives.LSN) {
	binary.BigEndian.PutUint64(hp.data[lsnOff:], uint64(lsn))
}

// NumSlots returns the size of the slot directory.
func (hp *HeapPage) NumSlots() int {
	return int(binary.BigEndian.Uint16(hp.data[numSlotsOff:]))
}

func (hp *HeapPage) setNumSlots(n int) {
	binary.BigEndian.PutUint16(hp.data[numSlotsOff:], uint16(n))
}

func (hp *HeapPage) dataStart() int {
	v := int(binary.BigEndian.Uint16(hp.data[dataStartOff:]))
	if v == 0 {
		return len(hp.data)
	}
	return v
}

func (hp *HeapPage) setDataStart(v int) {
	if v == len(hp.data) {
		v = 0
	}
	binary.BigEndian.PutUint16(hp.data[dataStartOff:], uint16(v))
}

func (hp *HeapPage) directoryEnd() int {
	return PageHeaderSize + hp.NumSlots()*SlotPointerSize
}

// FreeSpace returns the bytes between the slot directory and the record data.
func (hp *HeapPage) FreeSpace() int {
	return hp.dataStart() - hp.directoryEnd()
}

// Slot decodes one directory entry. Slots past the directory read as unused.
func (hp *HeapPage) Slot(slot primitives.SlotID) SlotPointer {
	if int(slot) >= hp.NumSlots() {
		return SlotPointer{State: SlotUnused}
	}
	off := PageHeaderSize + int(slot)*SlotPointerSize
	sp := SlotPointer{
		Offset: binary.BigEndian.Uint16(hp.data[off:]),
		Length: binary.BigEndian.Uint16(hp.data[off+2:]),
	}
	switch {
	case sp.Offset == 0:
		sp.State = SlotUnused
	case sp.Length&freeBit != 0:
		sp.State = SlotFree
		sp.Length &= lengthMask
	default:
		sp.State = SlotLive
	}
	return sp
}

func (hp *HeapPage) setSlot(slot primitives.SlotID, sp SlotPointer) {
	off := PageHeaderSize + int(slot)*SlotPointerSize
	length := sp.Length
	if sp.State == SlotFree {
		length |= freeBit
	}
	binary.BigEndian.PutUint16(hp.data[off:], sp.Offset)
	binary.BigEndian.PutUint16(hp.data[off+2:], length)
}

// IsLive reports whether slot holds a record of exactly size bytes.
func (hp *HeapPage) IsLive(slot primitives.SlotID, size uint32) bool {
	sp := hp.Slot(slot)
	return sp.State == SlotLive && uint32(sp.Length) == size
}

// FindSlot picks the slot a record of size bytes would be placed in,
// skipping any slot for which skip returns true.
//
// Preference order: a free slot of exactly this size, then an unused
// directory entry, then a new entry at the end of the directory.
func (hp *HeapPage) FindSlot(size int, skip func(primitives.SlotID) bool) (primitives.SlotID, bool) {
	n := hp.NumSlots()
	free := hp.FreeSpace()
	unused := -1

	for i := 0; i < n; i++ {
		slot := primitives.SlotID(i)
		if skip != nil && skip(slot) {
			continue
		}
		sp := hp.Slot(slot)
		switch sp.State {
		case SlotFree:
			if int(sp.Length) == size {
				return slot, true
			}
		case SlotUnused:
			if unused < 0 && free >= size {
				unused = i
			}
		}
	}

	if unused >= 0 {
		return primitives.SlotID(unused), true
	}
	if n < lengthMask && free >= size+SlotPointerSize {
		return primitives.SlotID(n), true
	}
	return 0, false
}

// AllocAt makes slot hold a zeroed record of size bytes. Given the same
// starting page it always produces the same result, which is what redo
// relies on.
func (hp *HeapPage) AllocAt(slot primitives.SlotID, size int) error {
	if size <= 0 || size > MaxRecordSize(len(hp.data)) {
		return fmt.Errorf("record size %d out of range", size)
	}

	sp := hp.Slot(slot)
	switch sp.State {
	case SlotLive:
		return fmt.Errorf("slot %d is live", slot)
	case SlotFree:
		if int(sp.Length) != size {
			return fmt.Errorf("slot %d holds %d free bytes, need %d", slot, sp.Length, size)
		}
		sp.State = SlotLive
		hp.setSlot(slot, sp)
		clear(hp.record(sp))
		return nil
	}

	n := hp.NumSlots()
	need := size
	if int(slot) >= n {
		need += (int(slot) + 1 - n) * SlotPointerSize
	}
	if hp.FreeSpace() < need {
		return fmt.Errorf("page has %d free bytes, need %d", hp.FreeSpace(), need)
	}

	if int(slot) >= n {
		for i := n; i <= int(slot); i++ {
			hp.setSlot(primitives.SlotID(i), SlotPointer{})
		}
		hp.setNumSlots(int(slot) + 1)
	}

	start := hp.dataStart() - size
	hp.setDataStart(start)
	sp = SlotPointer{Offset: uint16(start), Length: uint16(size), State: SlotLive}
	hp.setSlot(slot, sp)
	clear(hp.record(sp))
	return nil
}

// Free marks a live slot as free. Its bytes stay in place.
func (hp *HeapPage) Free(slot primitives.SlotID) error {
	sp := hp.Slot(slot)
	if sp.State != SlotLive {
		return fmt.Errorf("slot %d is %s", slot, sp.State)
	}
	sp.State = SlotFree
	hp.setSlot(slot, sp)
	return nil
}

func (hp *HeapPage) record(sp SlotPointer) []byte {
	return hp.data[int(sp.Offset) : int(sp.Offset)+int(sp.Length)]
}

// Record returns the live record in slot. The slice aliases the page.
func (hp *HeapPage) Record(slot primitives.SlotID) ([]byte, error) {
	sp := hp.Slot(slot)
	if sp.State != SlotLive {
		return nil, fmt.Errorf("slot %d is %s", slot, sp.State)
	}
	return hp.record(sp), nil
}

// Write copies b into the live record in slot at offset.
func (hp *HeapPage) Write(slot primitives.SlotID, offset int, b []byte) error {
	rec, err := hp.Record(slot)
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(b) > len(rec) {
		return fmt.Errorf("write [%d,%d) outside record of %d bytes", offset, offset+len(b), len(rec))
	}
	copy(rec[offset:], b)
	return nil
}
