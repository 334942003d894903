package engine

import (
	"fmt"
	"slices"

	"recstore/pkg/concurrency/transaction"
	"recstore/pkg/dberror"
	"recstore/pkg/log/record"
	"recstore/pkg/memory"
	"recstore/pkg/operation"
	"recstore/pkg/primitives"
	"recstore/pkg/storage/heap"
)

// Alloc creates a zeroed record of size bytes and returns its identifier.
// The first record allocated in a fresh store is primitives.RootRecordID
// with the requested size.
//
// Parameters:
//   - tid: an active transaction
//   - size: record length in bytes, at least 1
//
// Returns:
//   - primitives.RecordID: the new record, carrying its size
//   - error: InvalidArgument for a non-positive size, RecordTooLarge when the
//     record cannot fit in an empty page
func (e *Engine) Alloc(tid primitives.TransactionID, size int) (primitives.RecordID, error) {
	tc, done, err := e.enter(tid, "Alloc")
	if err != nil {
		return primitives.NullRecordID, err
	}
	defer done()

	if size <= 0 {
		return primitives.NullRecordID, dberror.InvalidArgument("Alloc", fmt.Sprintf("size %d", size))
	}
	if limit := e.alloc.MaxRecordSize(); size > limit {
		return primitives.NullRecordID, dberror.RecordTooLarge(size, limit)
	}

	f, slot, err := e.place(tid, size)
	if err != nil {
		return primitives.NullRecordID, e.check(err)
	}
	defer e.pool.Unpin(f)
	defer f.Unlock()

	rid := primitives.RecordID{Page: f.PageNo(), Slot: slot, Size: uint32(size)}
	rec := record.NewUpdateRecord(tid, primitives.InvalidLSN, operation.Alloc, rid, nil, nil)
	if err := e.apply(tc, f, rec); err != nil {
		return primitives.NullRecordID, err
	}
	e.alloc.Track(rid.Page, f.Page())

	tc.RecordAlloc()
	e.metrics.Operation("alloc")
	return rid, nil
}

// place finds room for a record of size bytes and returns the frame, pinned
// and latched exclusively, with the chosen slot. Pages another transaction
// holds are skipped rather than waited for. When no known page has room a
// new page is added to the file.
func (e *Engine) place(tid primitives.TransactionID, size int) (*memory.Frame, primitives.SlotID, error) {
	for _, pageNo := range e.alloc.Candidates(size) {
		if !e.locks.TryLockPage(tid, pageNo, true) {
			continue
		}
		f, err := e.pool.Pin(pageNo)
		if err != nil {
			return nil, 0, err
		}
		f.Lock()
		if slot, ok := e.alloc.Choose(pageNo, f.Page(), size); ok {
			return f, slot, nil
		}
		// The map was stale.
		e.alloc.Track(pageNo, f.Page())
		f.Unlock()
		e.pool.Unpin(f)
	}

	f, err := e.pool.NewPage()
	if err != nil {
		return nil, 0, err
	}
	if !e.locks.TryLockPage(tid, f.PageNo(), true) {
		e.pool.Unpin(f)
		return nil, 0, dberror.LockTimeout(tid, f.PageNo())
	}
	f.Lock()
	slot, ok := e.alloc.Choose(f.PageNo(), f.Page(), size)
	if !ok {
		f.Unlock()
		e.pool.Unpin(f)
		return nil, 0, dberror.RecordTooLarge(size, e.alloc.MaxRecordSize())
	}
	return f, slot, nil
}

// Dealloc frees rid. The slot stays reserved until tid ends, so an abort
// can put the record back where it was.
func (e *Engine) Dealloc(tid primitives.TransactionID, rid primitives.RecordID) error {
	tc, done, err := e.enter(tid, "Dealloc")
	if err != nil {
		return err
	}
	defer done()
	return e.update(tc, rid, operation.Dealloc, nil)
}

// Read returns a copy of the bytes of rid.
//
// Returns:
//   - []byte: the record, exactly rid.Size bytes
//   - error: InvalidRecord if rid does not name a live record of that size
func (e *Engine) Read(tid primitives.TransactionID, rid primitives.RecordID) ([]byte, error) {
	tc, done, err := e.enter(tid, "Read")
	if err != nil {
		return nil, err
	}
	defer done()

	f, err := e.pinRecord(tid, rid, false)
	if err != nil {
		return nil, err
	}
	defer e.pool.Unpin(f)

	f.RLock()
	defer f.RUnlock()
	p := f.Page()
	if !p.IsLive(rid.Slot, rid.Size) {
		return nil, dberror.InvalidRecord(rid, fmt.Sprintf("slot is %s", p.Slot(rid.Slot).State))
	}
	b, err := p.Record(rid.Slot)
	if err != nil {
		return nil, dberror.InvalidRecord(rid, err.Error())
	}

	tc.RecordRead()
	return append([]byte(nil), b...), nil
}

// RecordSize returns the length of the live record in rid's slot. rid.Size
// is ignored, so a bare page and slot can be resolved to a full identifier.
func (e *Engine) RecordSize(tid primitives.TransactionID, rid primitives.RecordID) (int, error) {
	_, done, err := e.enter(tid, "RecordSize")
	if err != nil {
		return 0, err
	}
	defer done()

	f, err := e.pinRecord(tid, rid, false)
	if err != nil {
		return 0, err
	}
	defer e.pool.Unpin(f)

	f.RLock()
	defer f.RUnlock()
	sp := f.Page().Slot(rid.Slot)
	if sp.State != heap.SlotLive {
		return 0, dberror.InvalidRecord(rid, fmt.Sprintf("slot is %s", sp.State))
	}
	return int(sp.Length), nil
}

// Exists reports whether rid names a live record of its size.
func (e *Engine) Exists(tid primitives.TransactionID, rid primitives.RecordID) (bool, error) {
	_, done, err := e.enter(tid, "Exists")
	if err != nil {
		return false, err
	}
	defer done()

	f, err := e.pinRecord(tid, rid, false)
	if dberror.CodeOf(err) == dberror.CodeInvalidRecord {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer e.pool.Unpin(f)

	f.RLock()
	defer f.RUnlock()
	return f.Page().IsLive(rid.Slot, rid.Size), nil
}

// Records lists every live record in page order. Each page is share-locked
// as it is visited, so the list stays valid until tid ends.
func (e *Engine) Records(tid primitives.TransactionID) ([]primitives.RecordID, error) {
	_, done, err := e.enter(tid, "Records")
	if err != nil {
		return nil, err
	}
	defer done()

	var out []primitives.RecordID
	for pageNo := primitives.FirstDataPage; pageNo < e.pages.NumPages(); pageNo++ {
		f, err := e.pinRecord(tid, primitives.RecordID{Page: pageNo}, false)
		if err != nil {
			return nil, err
		}
		f.RLock()
		out = slices.AppendSeq(out, heap.LiveRecords(pageNo, f.Page()))
		f.RUnlock()
		e.pool.Unpin(f)
	}
	return out, nil
}

// Update applies a registered operation to rid. args are the operation's
// arguments: the new value for operation.Set, operation.SetRangeArgs for a
// range, operation.DeltaArgs for a counter.
//
// Returns:
//   - error: SizeMismatch when a set value differs in length from the
//     record, InvalidRecord for a record that is not live, UnknownOperation
//     for an unregistered kind, InvalidArgument for malformed args
func (e *Engine) Update(tid primitives.TransactionID, rid primitives.RecordID, args []byte, kind operation.Kind) error {
	tc, done, err := e.enter(tid, "Update")
	if err != nil {
		return err
	}
	defer done()

	if kind == operation.Alloc || kind == operation.Dealloc {
		return dberror.InvalidArgument("Update", "use Alloc or Dealloc")
	}
	return e.update(tc, rid, kind, args)
}

// Set overwrites the whole record.
func (e *Engine) Set(tid primitives.TransactionID, rid primitives.RecordID, value []byte) error {
	return e.Update(tid, rid, value, operation.Set)
}

// SetRange overwrites len(b) bytes of the record starting at offset.
func (e *Engine) SetRange(tid primitives.TransactionID, rid primitives.RecordID, offset uint32, b []byte) error {
	return e.Update(tid, rid, operation.SetRangeArgs(offset, b), operation.SetRange)
}

// Increment adds delta to a 4-byte counter record. Rollback subtracts it
// again instead of restoring the old value.
func (e *Engine) Increment(tid primitives.TransactionID, rid primitives.RecordID, delta int32) error {
	return e.Update(tid, rid, operation.DeltaArgs(delta), operation.Increment)
}

// Decrement subtracts delta from a 4-byte counter record.
func (e *Engine) Decrement(tid primitives.TransactionID, rid primitives.RecordID, delta int32) error {
	return e.Update(tid, rid, operation.DeltaArgs(delta), operation.Decrement)
}

// update validates, logs and applies one operation on an existing record.
func (e *Engine) update(tc *transaction.TransactionContext, rid primitives.RecordID, kind operation.Kind, args []byte) error {
	op, err := e.ops.Lookup(kind)
	if err != nil {
		return err
	}
	if op.Validate != nil {
		if err := op.Validate(rid, args); err != nil {
			return err
		}
	}

	f, err := e.pinRecord(tc.ID, rid, true)
	if err != nil {
		return err
	}
	defer e.pool.Unpin(f)

	f.Lock()
	defer f.Unlock()
	p := f.Page()
	if !p.IsLive(rid.Slot, rid.Size) {
		return dberror.InvalidRecord(rid, fmt.Sprintf("slot is %s", p.Slot(rid.Slot).State))
	}

	var before []byte
	if op.Capture != nil {
		cur, err := p.Record(rid.Slot)
		if err != nil {
			return dberror.InvalidRecord(rid, err.Error())
		}
		before = op.Capture(cur, args)
	}

	rec := record.NewUpdateRecord(tc.ID, primitives.InvalidLSN, op.Kind, rid, before, args)
	if err := e.apply(tc, f, rec); err != nil {
		return err
	}

	if op.Kind == operation.Dealloc {
		e.alloc.Reserve(tc.ID, rid)
		e.alloc.Track(rid.Page, p)
		tc.RecordFree()
	} else {
		tc.RecordWrite()
	}
	e.metrics.Operation(op.Name)
	return nil
}

// pinRecord locks rid's page for tid and pins it. It fails with
// InvalidRecord when the page does not exist.
func (e *Engine) pinRecord(tid primitives.TransactionID, rid primitives.RecordID, exclusive bool) (*memory.Frame, error) {
	if rid.IsNull() || rid.Page >= e.pages.NumPages() {
		return nil, dberror.InvalidRecord(rid, "no such page")
	}
	if err := e.locks.LockPage(tid, rid.Page, exclusive); err != nil {
		return nil, err
	}
	f, err := e.pool.Pin(rid.Page)
	if err != nil {
		return nil, e.check(err)
	}
	return f, nil
}

// apply logs rec for tc and then performs it on the latched frame f.
func (e *Engine) apply(tc *transaction.TransactionContext, f *memory.Frame, rec *record.LogRecord) error {
	// Dirty before the record exists, so a checkpoint that starts after
	// the append cannot miss the page.
	f.MarkDirty(e.wal.NextLSN())
	lsn, err := tc.Log(e.wal, rec)
	if err != nil {
		return e.check(err)
	}

	p := f.Page()
	if err := e.ops.Redo(p, rec); err != nil {
		return e.check(dberror.LogCorruption(lsn, fmt.Sprintf("logged %s on %s could not be applied: %v", e.ops.Name(rec.Op), rec.RecordID, err)))
	}
	p.SetLSN(lsn)
	tc.MarkPageDirty(f.PageNo())
	return nil
}
