package operation

import (
	"encoding/binary"
	"fmt"

	"recstore/pkg/dberror"
	"recstore/pkg/log/record"
	"recstore/pkg/primitives"
	"recstore/pkg/storage/heap"
)

// CounterSize is the record size increment and decrement work on: one
// big-endian int32.
const CounterSize = 4

func builtins() []Operation {
	return []Operation{
		{
			Kind:     Set,
			Name:     "set",
			Validate: validateSet,
			Capture:  captureAll,
			Redo:     func(p *heap.HeapPage, rec *record.LogRecord) error { return p.Write(rec.RecordID.Slot, 0, rec.AfterImage) },
			Undo:     func(p *heap.HeapPage, rec *record.LogRecord) error { return p.Write(rec.RecordID.Slot, 0, rec.BeforeImage) },
		},
		{
			Kind:     SetRange,
			Name:     "setRange",
			Validate: validateSetRange,
			Capture:  captureRange,
			Redo:     redoSetRange,
			Undo:     undoSetRange,
		},
		{
			Kind:     Increment,
			Name:     "increment",
			Validate: validateCounter,
			Redo:     addDelta(1),
			Undo:     addDelta(-1),
		},
		{
			Kind:     Decrement,
			Name:     "decrement",
			Validate: validateCounter,
			Redo:     addDelta(-1),
			Undo:     addDelta(1),
		},
		{
			Kind: Alloc,
			Name: "alloc",
			Redo: func(p *heap.HeapPage, rec *record.LogRecord) error {
				return p.AllocAt(rec.RecordID.Slot, int(rec.RecordID.Size))
			},
			Undo: func(p *heap.HeapPage, rec *record.LogRecord) error { return p.Free(rec.RecordID.Slot) },
		},
		{
			Kind:    Dealloc,
			Name:    "dealloc",
			Capture: captureAll,
			Redo:    func(p *heap.HeapPage, rec *record.LogRecord) error { return p.Free(rec.RecordID.Slot) },
			Undo: func(p *heap.HeapPage, rec *record.LogRecord) error {
				if err := p.AllocAt(rec.RecordID.Slot, int(rec.RecordID.Size)); err != nil {
					return err
				}
				return p.Write(rec.RecordID.Slot, 0, rec.BeforeImage)
			},
		},
		{
			Kind: NoOp,
			Name: "noop",
			Redo: func(*heap.HeapPage, *record.LogRecord) error { return nil },
			Undo: func(*heap.HeapPage, *record.LogRecord) error { return nil },
		},
	}
}

func captureAll(current, _ []byte) []byte {
	return append([]byte(nil), current...)
}

func validateSet(rid primitives.RecordID, args []byte) error {
	if uint32(len(args)) != rid.Size {
		return dberror.SizeMismatch(rid, len(args))
	}
	return nil
}

// SetRangeArgs encodes the arguments of a setRange: [offset:4][bytes].
func SetRangeArgs(offset uint32, b []byte) []byte {
	args := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(args, offset)
	copy(args[4:], b)
	return args
}

func splitRange(args []byte) (int, []byte, error) {
	if len(args) < 4 {
		return 0, nil, fmt.Errorf("setRange arguments of %d bytes lack an offset", len(args))
	}
	return int(binary.BigEndian.Uint32(args)), args[4:], nil
}

func validateSetRange(rid primitives.RecordID, args []byte) error {
	off, b, err := splitRange(args)
	if err != nil {
		return dberror.InvalidArgument("setRange", err.Error())
	}
	if uint64(off)+uint64(len(b)) > uint64(rid.Size) {
		return dberror.InvalidArgument("setRange", fmt.Sprintf("range [%d,%d) outside record of %d bytes", off, off+len(b), rid.Size))
	}
	return nil
}

func captureRange(current, args []byte) []byte {
	off, b, err := splitRange(args)
	if err != nil {
		return nil
	}
	return append([]byte(nil), current[off:off+len(b)]...)
}

func redoSetRange(p *heap.HeapPage, rec *record.LogRecord) error {
	off, b, err := splitRange(rec.AfterImage)
	if err != nil {
		return err
	}
	return p.Write(rec.RecordID.Slot, off, b)
}

func undoSetRange(p *heap.HeapPage, rec *record.LogRecord) error {
	off, _, err := splitRange(rec.AfterImage)
	if err != nil {
		return err
	}
	return p.Write(rec.RecordID.Slot, off, rec.BeforeImage)
}

// DeltaArgs encodes the argument of an increment or decrement.
func DeltaArgs(delta int32) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(delta))
}

func validateCounter(rid primitives.RecordID, args []byte) error {
	if rid.Size != CounterSize {
		return dberror.InvalidArgument("counter", fmt.Sprintf("record %s is not a %d-byte counter", rid, CounterSize))
	}
	if len(args) != 4 {
		return dberror.InvalidArgument("counter", fmt.Sprintf("delta must be 4 bytes, got %d", len(args)))
	}
	return nil
}

// addDelta returns an Apply adding sign*delta to the counter, wrapping on
// overflow.
func addDelta(sign int32) Apply {
	return func(p *heap.HeapPage, rec *record.LogRecord) error {
		if len(rec.AfterImage) != 4 {
			return fmt.Errorf("counter delta of %d bytes", len(rec.AfterImage))
		}
		cur, err := p.Record(rec.RecordID.Slot)
		if err != nil {
			return err
		}
		if len(cur) != CounterSize {
			return fmt.Errorf("counter record of %d bytes", len(cur))
		}
		delta := int32(binary.BigEndian.Uint32(rec.AfterImage))
		v := int32(binary.BigEndian.Uint32(cur)) + sign*delta
		binary.BigEndian.PutUint32(cur, uint32(v))
		return nil
	}
}

// Counter decodes a counter record.
func Counter(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b))
}
