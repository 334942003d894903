package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/blake2b"

	"recstore/pkg/primitives"
)

const (
	// ChecksumSize is the size of the blake2b hash stored in each frame.
	ChecksumSize = 16

	// FrameHeaderSize precedes every record body on disk:
	//
	//	[Length:4][LSN:8][Checksum:16]
	FrameHeaderSize = 4 + 8 + ChecksumSize

	// MaxBodySize bounds the length field so a corrupted header is never
	// trusted for a huge allocation.
	MaxBodySize = 16 << 20

	// baseBodySize is [Type:1][TID:8][PrevLSN:8][Timestamp:8].
	baseBodySize = 25
)

var (
	// ErrChecksum means a frame's bytes do not match its checksum.
	ErrChecksum = errors.New("record checksum mismatch")

	// ErrMalformed means a frame passed its checksum but could not be decoded.
	ErrMalformed = errors.New("malformed log record")
)

// Checksum is a 128-bit blake2b hash.
type Checksum [ChecksumSize]byte

func checksum(lsn LSN, body []byte) (sum Checksum) {
	h, _ := blake2b.New(ChecksumSize, nil)
	var lsnBuf [8]byte
	binary.BigEndian.PutUint64(lsnBuf[:], uint64(lsn))
	h.Write(lsnBuf[:])
	h.Write(body)
	copy(sum[:], h.Sum(nil))
	return sum
}

// FrameHeader is the decoded prefix of a frame.
type FrameHeader struct {
	BodyLength int
	LSN        LSN
	Checksum   Checksum
}

// FrameSize is the number of log bytes the frame occupies.
func (h FrameHeader) FrameSize() int {
	return FrameHeaderSize + h.BodyLength
}

// ParseFrameHeader decodes the first FrameHeaderSize bytes of b.
func ParseFrameHeader(b []byte) (FrameHeader, error) {
	if len(b) < FrameHeaderSize {
		return FrameHeader{}, io.ErrUnexpectedEOF
	}
	h := FrameHeader{
		BodyLength: int(binary.BigEndian.Uint32(b[0:4])),
		LSN:        LSN(binary.BigEndian.Uint64(b[4:12])),
	}
	copy(h.Checksum[:], b[12:FrameHeaderSize])
	if h.BodyLength < baseBodySize || h.BodyLength > MaxBodySize {
		return h, fmt.Errorf("%w: body length %d", ErrMalformed, h.BodyLength)
	}
	return h, nil
}

// Encode serializes the record, including its LSN, into a checksummed frame.
//
// Binary format structure of the body (big-endian):
//
//	[Type:1][TID:8][PrevLSN:8][Timestamp:8][Type-specific data]
//
// Type-specific data:
//   - UpdateRecord: [Op:1][Page:8][Slot:2][Size:4] + BeforeImage + AfterImage
//   - CLRRecord: as UpdateRecord, with [UndoNextLSN:8] after Size
//   - CheckpointEnd: [BeginLSN:8][NextTID:8][N:4]{TxnEntry}[M:4]{DirtyPageEntry}
//   - other types: no additional data
//
// Images are written as [length:4][data].
func (r *LogRecord) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(make([]byte, FrameHeaderSize))

	writes := []any{
		byte(r.Type),
		uint64(r.TID),
		uint64(r.PrevLSN),
		r.Timestamp.UnixNano(),
	}
	for _, v := range writes {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, fmt.Errorf("failed to write base field: %w", err)
		}
	}

	switch r.Type {
	case UpdateRecord, CLRRecord:
		if err := r.serializeUpdate(&buf); err != nil {
			return nil, err
		}
	case CheckpointEnd:
		if err := r.serializeCheckpoint(&buf); err != nil {
			return nil, err
		}
	}

	frame := buf.Bytes()
	body := frame[FrameHeaderSize:]
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("record body of %d bytes exceeds %d", len(body), MaxBodySize)
	}

	binary.BigEndian.PutUint32(frame[0:4], uint32(len(body)))
	binary.BigEndian.PutUint64(frame[4:12], uint64(r.LSN))
	sum := checksum(r.LSN, body)
	copy(frame[12:FrameHeaderSize], sum[:])
	return frame, nil
}

func (r *LogRecord) serializeUpdate(buf *bytes.Buffer) error {
	writes := []any{
		byte(r.Op),
		uint64(r.RecordID.Page),
		uint16(r.RecordID.Slot),
		r.RecordID.Size,
	}
	if r.Type == CLRRecord {
		writes = append(writes, uint64(r.UndoNextLSN))
	}
	for _, v := range writes {
		if err := binary.Write(buf, binary.BigEndian, v); err != nil {
			return fmt.Errorf("failed to write update field: %w", err)
		}
	}
	if err := serializeImage(buf, r.BeforeImage); err != nil {
		return err
	}
	return serializeImage(buf, r.AfterImage)
}

func (r *LogRecord) serializeCheckpoint(buf *bytes.Buffer) error {
	cp := r.Checkpoint
	if cp == nil {
		cp = &Checkpoint{}
	}

	writes := []any{
		uint64(cp.BeginLSN),
		uint64(cp.NextTID),
		uint32(len(cp.Transactions)),
	}
	for _, tx := range cp.Transactions {
		writes = append(writes, uint64(tx.TID), byte(tx.State), uint64(tx.LastLSN), uint64(tx.UndoNextLSN))
	}
	writes = append(writes, uint32(len(cp.DirtyPages)))
	for _, dp := range cp.DirtyPages {
		writes = append(writes, uint64(dp.Page), uint64(dp.RecLSN))
	}

	for _, v := range writes {
		if err := binary.Write(buf, binary.BigEndian, v); err != nil {
			return fmt.Errorf("failed to write checkpoint field: %w", err)
		}
	}
	return nil
}

// serializeImage writes [length:4][data].
func serializeImage(buf *bytes.Buffer, image []byte) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(len(image))); err != nil {
		return fmt.Errorf("failed to write image length: %w", err)
	}
	buf.Write(image)
	return nil
}

// Decode verifies and deserializes a full frame as produced by Encode.
func Decode(frame []byte) (*LogRecord, error) {
	h, err := ParseFrameHeader(frame)
	if err != nil {
		return nil, err
	}
	if len(frame) < h.FrameSize() {
		return nil, io.ErrUnexpectedEOF
	}

	body := frame[FrameHeaderSize:h.FrameSize()]
	if checksum(h.LSN, body) != h.Checksum {
		return nil, ErrChecksum
	}

	rec, err := decodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	rec.LSN = h.LSN
	return rec, nil
}

func decodeBody(body []byte) (*LogRecord, error) {
	r := bytes.NewReader(body)
	rec := &LogRecord{}

	var (
		typ     byte
		tid     uint64
		prevLSN uint64
		ts      int64
	)
	for _, v := range []any{&typ, &tid, &prevLSN, &ts} {
		if err := binary.Read(r, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}
	rec.Type = LogRecordType(typ)
	rec.TID = primitives.TransactionID(tid)
	rec.PrevLSN = LSN(prevLSN)
	rec.Timestamp = time.Unix(0, ts)

	switch rec.Type {
	case BeginRecord, CommitRecord, AbortRecord, EndRecord, CheckpointBegin:
	case UpdateRecord, CLRRecord:
		if err := rec.deserializeUpdate(r); err != nil {
			return nil, err
		}
	case CheckpointEnd:
		if err := rec.deserializeCheckpoint(r); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown record type %d", typ)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.Len())
	}
	return rec, nil
}

func (rec *LogRecord) deserializeUpdate(r *bytes.Reader) error {
	var (
		op   byte
		page uint64
		slot uint16
		size uint32
	)
	for _, v := range []any{&op, &page, &slot, &size} {
		if err := binary.Read(r, binary.BigEndian, v); err != nil {
			return err
		}
	}
	rec.Op = primitives.OpKind(op)
	rec.RecordID = primitives.RecordID{Page: primitives.PageNumber(page), Slot: primitives.SlotID(slot), Size: size}

	if rec.Type == CLRRecord {
		var undoNext uint64
		if err := binary.Read(r, binary.BigEndian, &undoNext); err != nil {
			return err
		}
		rec.UndoNextLSN = LSN(undoNext)
	}

	var err error
	if rec.BeforeImage, err = deserializeImage(r); err != nil {
		return err
	}
	rec.AfterImage, err = deserializeImage(r)
	return err
}

func (rec *LogRecord) deserializeCheckpoint(r *bytes.Reader) error {
	var (
		beginLSN, nextTID uint64
		n                 uint32
	)
	for _, v := range []any{&beginLSN, &nextTID, &n} {
		if err := binary.Read(r, binary.BigEndian, v); err != nil {
			return err
		}
	}
	if int(n)*25 > r.Len() {
		return fmt.Errorf("checkpoint claims %d transactions", n)
	}

	cp := &Checkpoint{BeginLSN: LSN(beginLSN), NextTID: primitives.TransactionID(nextTID)}
	for i := uint32(0); i < n; i++ {
		var (
			tid, last, undoNext uint64
			state               byte
		)
		for _, v := range []any{&tid, &state, &last, &undoNext} {
			if err := binary.Read(r, binary.BigEndian, v); err != nil {
				return err
			}
		}
		cp.Transactions = append(cp.Transactions, TxnEntry{
			TID:         primitives.TransactionID(tid),
			State:       TxnState(state),
			LastLSN:     LSN(last),
			UndoNextLSN: LSN(undoNext),
		})
	}

	var m uint32
	if err := binary.Read(r, binary.BigEndian, &m); err != nil {
		return err
	}
	if int(m)*16 > r.Len() {
		return fmt.Errorf("checkpoint claims %d dirty pages", m)
	}
	for i := uint32(0); i < m; i++ {
		var page, recLSN uint64
		if err := binary.Read(r, binary.BigEndian, &page); err != nil {
			return err
		}
		if err := binary.Read(r, binary.BigEndian, &recLSN); err != nil {
			return err
		}
		cp.DirtyPages = append(cp.DirtyPages, DirtyPageEntry{Page: primitives.PageNumber(page), RecLSN: LSN(recLSN)})
	}

	rec.Checkpoint = cp
	return nil
}

func deserializeImage(r *bytes.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if int(length) > r.Len() {
		return nil, fmt.Errorf("image length %d exceeds remaining %d bytes", length, r.Len())
	}
	if length == 0 {
		return nil, nil
	}
	image := make([]byte, length)
	if _, err := io.ReadFull(r, image); err != nil {
		return nil, err
	}
	return image, nil
}
