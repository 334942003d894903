package heap

import (
	"slices"
	"sync"

	"recstore/pkg/primitives"
)

// pageSpace is the allocator's view of one page: the bytes left between
// the slot directory and the record data, and the sizes of its free slots.
type pageSpace struct {
	free  int
	holes map[uint16]int
}

func (ps pageSpace) fits(size int) bool {
	return ps.free >= size+SlotPointerSize || ps.holes[uint16(size)] > 0
}

// Allocator tracks where new records can go and which deallocated slots
// are still reserved.
//
// The free-space map is a hint. It is refreshed from the page whenever the
// caller holds the page latch, and a page that turns out to be full is
// simply skipped, so the map never has to be exact.
//
// A slot freed by a transaction stays reserved until that transaction ends.
// Rolling back the deallocation must find the slot exactly as it was left.
type Allocator struct {
	pageSize int

	mu       sync.Mutex
	space    map[primitives.PageNumber]pageSpace
	reserved map[primitives.RecordID]primitives.TransactionID
	byTxn    map[primitives.TransactionID][]primitives.RecordID
}

// NewAllocator creates an allocator for pages of pageSize bytes.
func NewAllocator(pageSize int) *Allocator {
	return &Allocator{
		pageSize: pageSize,
		space:    make(map[primitives.PageNumber]pageSpace),
		reserved: make(map[primitives.RecordID]primitives.TransactionID),
		byTxn:    make(map[primitives.TransactionID][]primitives.RecordID),
	}
}

// MaxRecordSize returns the largest record this allocator can place.
func (a *Allocator) MaxRecordSize() int {
	return MaxRecordSize(a.pageSize)
}

// Track refreshes the free-space entry of pageNo from its contents.
func (a *Allocator) Track(pageNo primitives.PageNumber, hp *HeapPage) {
	ps := pageSpace{free: hp.FreeSpace()}
	for i := 0; i < hp.NumSlots(); i++ {
		sp := hp.Slot(primitives.SlotID(i))
		if sp.State == SlotFree {
			if ps.holes == nil {
				ps.holes = make(map[uint16]int)
			}
			ps.holes[sp.Length]++
		}
	}

	a.mu.Lock()
	a.space[pageNo] = ps
	a.mu.Unlock()
}

// Candidates returns the pages that may have room for a record of size
// bytes, lowest page number first.
func (a *Allocator) Candidates(size int) []primitives.PageNumber {
	a.mu.Lock()
	defer a.mu.Unlock()

	var pages []primitives.PageNumber
	for pageNo, ps := range a.space {
		if ps.fits(size) {
			pages = append(pages, pageNo)
		}
	}
	slices.Sort(pages)
	return pages
}

// Choose picks a slot for a record of size bytes on a page the caller
// holds exclusively, skipping reserved slots.
func (a *Allocator) Choose(pageNo primitives.PageNumber, hp *HeapPage, size int) (primitives.SlotID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return hp.FindSlot(size, func(slot primitives.SlotID) bool {
		_, taken := a.reserved[primitives.RecordID{Page: pageNo, Slot: slot}]
		return taken
	})
}

// Reserve keeps the slot of rid from being reused until tid ends.
func (a *Allocator) Reserve(tid primitives.TransactionID, rid primitives.RecordID) {
	key := primitives.RecordID{Page: rid.Page, Slot: rid.Slot}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.reserved[key]; ok {
		return
	}
	a.reserved[key] = tid
	a.byTxn[tid] = append(a.byTxn[tid], key)
}

// IsReserved reports whether the slot of rid is held by some transaction.
func (a *Allocator) IsReserved(rid primitives.RecordID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.reserved[primitives.RecordID{Page: rid.Page, Slot: rid.Slot}]
	return ok
}

// Release drops every reservation held by tid.
func (a *Allocator) Release(tid primitives.TransactionID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, key := range a.byTxn[tid] {
		delete(a.reserved, key)
	}
	delete(a.byTxn, tid)
}
