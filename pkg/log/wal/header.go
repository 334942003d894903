package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"recstore/pkg/dberror"
	"recstore/pkg/primitives"
)

const (
	logMagic   = "RSWL"
	logVersion = 1

	// HeaderSize is the fixed prefix of the log file:
	//
	//	[magic:4][version:4][baseLSN:8][checkpointLSN:8][logID:16][checksum:16][pad:8]
	HeaderSize = 64

	hdrSumOff = 40
)

// Header describes the log file.
type Header struct {
	// BaseLSN is the LSN of the first byte after the header. It is 1 for a
	// fresh log and moves forward when the prefix is truncated.
	BaseLSN primitives.LSN
	// CheckpointLSN is the CheckpointBegin record of the last complete
	// checkpoint, or InvalidLSN.
	CheckpointLSN primitives.LSN
	LogID         uuid.UUID
}

func (h Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], logMagic)
	binary.BigEndian.PutUint32(buf[4:8], logVersion)
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.BaseLSN))
	binary.BigEndian.PutUint64(buf[16:24], uint64(h.CheckpointLSN))
	copy(buf[24:40], h.LogID[:])
	sum := blake2b.Sum256(buf[:hdrSumOff])
	copy(buf[hdrSumOff:hdrSumOff+16], sum[:16])
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, dberror.LogCorruption(primitives.InvalidLSN, "short log header")
	}
	if string(buf[0:4]) != logMagic {
		return Header{}, dberror.InvalidConfig("not a recstore log file")
	}
	sum := blake2b.Sum256(buf[:hdrSumOff])
	if string(sum[:16]) != string(buf[hdrSumOff:hdrSumOff+16]) {
		return Header{}, dberror.LogCorruption(primitives.InvalidLSN, "log header checksum mismatch")
	}
	if v := binary.BigEndian.Uint32(buf[4:8]); v != logVersion {
		return Header{}, dberror.InvalidConfig(fmt.Sprintf("unsupported log version %d", v))
	}

	h := Header{
		BaseLSN:       primitives.LSN(binary.BigEndian.Uint64(buf[8:16])),
		CheckpointLSN: primitives.LSN(binary.BigEndian.Uint64(buf[16:24])),
	}
	copy(h.LogID[:], buf[24:40])
	if h.BaseLSN == primitives.InvalidLSN {
		return Header{}, dberror.LogCorruption(primitives.InvalidLSN, "log header has no base LSN")
	}
	return h, nil
}
