package heap

import (
	"iter"

	"recstore/pkg/primitives"
)

// HeapPageIterator walks the slot directory of one page.
type HeapPageIterator struct {
	page    *HeapPage
	current int
}

// NewHeapPageIterator creates a new iterator for the given page
func NewHeapPageIterator(page *HeapPage) *HeapPageIterator {
	return &HeapPageIterator{page: page, current: -1}
}

// Next advances to the next live slot.
func (it *HeapPageIterator) Next() bool {
	for it.current+1 < it.page.NumSlots() {
		it.current++
		if it.page.Slot(primitives.SlotID(it.current)).State == SlotLive {
			return true
		}
	}
	return false
}

// Slot returns the current slot and its pointer.
func (it *HeapPageIterator) Slot() (primitives.SlotID, SlotPointer) {
	slot := primitives.SlotID(it.current)
	return slot, it.page.Slot(slot)
}

// Rewind resets the iterator
func (it *HeapPageIterator) Rewind() {
	it.current = -1
}

// LiveRecords yields the identifier of every live record on a page.
func LiveRecords(pageNo primitives.PageNumber, page *HeapPage) iter.Seq[primitives.RecordID] {
	return func(yield func(primitives.RecordID) bool) {
		it := NewHeapPageIterator(page)
		for it.Next() {
			slot, sp := it.Slot()
			if !yield(primitives.RecordID{Page: pageNo, Slot: slot, Size: uint32(sp.Length)}) {
				return
			}
		}
	}
}
