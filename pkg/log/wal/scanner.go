package wal

import (
	"errors"
	"fmt"
	"io"
	"iter"

	"recstore/pkg/dberror"
	"recstore/pkg/log/record"
	"recstore/pkg/primitives"
)

// ReadAt returns the record at lsn, wherever it currently lives: the append
// buffer, a flush in progress or the file. Live aborts and recovery read the
// log through this one path.
func (w *WAL) ReadAt(lsn primitives.LSN) (*record.LogRecord, error) {
	rec, _, err := w.read(lsn)
	if errors.Is(err, io.EOF) {
		return nil, dberror.InvalidArgument("ReadAt", fmt.Sprintf("no record at %d", lsn))
	}
	return rec, err
}

// read returns the record at lsn and the LSN that follows it, or io.EOF when
// lsn is the end of the log.
func (w *WAL) read(lsn primitives.LSN) (*record.LogRecord, primitives.LSN, error) {
	w.fileMu.RLock()
	defer w.fileMu.RUnlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, 0, dberror.EngineClosed("ReadAt")
	}
	if lsn < w.header.BaseLSN {
		w.mu.Unlock()
		return nil, 0, dberror.LogCorruption(lsn, fmt.Sprintf("precedes log start %d", w.header.BaseLSN))
	}
	if lsn >= w.writer.nextLSN {
		w.mu.Unlock()
		return nil, 0, io.EOF
	}

	var mem []byte
	var memLSN primitives.LSN
	switch {
	case lsn >= w.writer.bufferLSN:
		mem, memLSN = w.writer.buffer, w.writer.bufferLSN
	case w.writer.pending != nil && lsn >= w.writer.pendingLSN:
		mem, memLSN = w.writer.pending, w.writer.pendingLSN
	}
	if mem != nil {
		rec, n, err := readFrame(byteReaderAt(mem), int64(lsn-memLSN), int64(len(mem)), lsn)
		w.mu.Unlock()
		if err != nil {
			return nil, 0, dberror.LogCorruption(lsn, "record not at a frame boundary")
		}
		return rec, nextAfter(rec, n), nil
	}

	off := w.offsetOf(lsn)
	end := w.offsetOf(w.writer.writtenLSN)
	w.mu.Unlock()

	rec, n, err := readFrame(w.file, off, end, lsn)
	if errors.Is(err, errTornTail) || errors.Is(err, io.EOF) {
		return nil, 0, dberror.LogCorruption(lsn, "incomplete record inside the written log")
	}
	if err != nil {
		return nil, 0, err
	}
	return rec, nextAfter(rec, n), nil
}

type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Scanner iterates forward over the log. It is lazy and restartable: Seek
// moves it to any record boundary.
//
//	s := w.Scan(from)
//	for s.Next() {
//	    rec := s.Record()
//	}
//	if err := s.Err(); err != nil { ... }
type Scanner struct {
	w    *WAL
	next primitives.LSN
	rec  *record.LogRecord
	err  error
}

// Scan returns a scanner positioned at from. InvalidLSN means the start of
// the log.
func (w *WAL) Scan(from primitives.LSN) *Scanner {
	s := &Scanner{w: w}
	s.Seek(from)
	return s
}

// Seek repositions the scanner.
func (s *Scanner) Seek(lsn primitives.LSN) {
	if lsn == primitives.InvalidLSN {
		lsn = s.w.StartLSN()
	}
	s.next = lsn
	s.rec = nil
	s.err = nil
}

// Next advances to the next record. It returns false at the end of the log
// or on error.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}
	rec, next, err := s.w.read(s.next)
	if errors.Is(err, io.EOF) {
		s.rec = nil
		return false
	}
	if err != nil {
		s.err = err
		s.rec = nil
		return false
	}
	s.rec = rec
	s.next = next
	return true
}

// Record returns the current record.
func (s *Scanner) Record() *record.LogRecord {
	return s.rec
}

// Position returns the LSN the next call to Next reads.
func (s *Scanner) Position() primitives.LSN {
	return s.next
}

func (s *Scanner) Err() error {
	return s.err
}

// Records yields every record from from to the current end of the log.
func (w *WAL) Records(from primitives.LSN) iter.Seq2[*record.LogRecord, error] {
	return func(yield func(*record.LogRecord, error) bool) {
		s := w.Scan(from)
		for s.Next() {
			if !yield(s.Record(), nil) {
				return
			}
		}
		if err := s.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// BackwardChain yields tid's records newest first, starting at from. It
// follows PrevLSN, except that a CLR jumps to its UndoNextLSN so work that
// was already compensated is skipped. The sequence ends after the begin
// record or when the chain reaches InvalidLSN.
func (w *WAL) BackwardChain(tid primitives.TransactionID, from primitives.LSN) iter.Seq2[*record.LogRecord, error] {
	return func(yield func(*record.LogRecord, error) bool) {
		for lsn := from; lsn != primitives.InvalidLSN; {
			rec, err := w.ReadAt(lsn)
			if err != nil {
				yield(nil, err)
				return
			}
			if rec.TID != tid {
				yield(nil, dberror.LogCorruption(lsn, fmt.Sprintf("chain of %s reached a record of %s", tid, rec.TID)))
				return
			}
			if rec.NextUndo() >= lsn {
				yield(nil, dberror.LogCorruption(lsn, "backward chain does not move backward"))
				return
			}
			if !yield(rec, nil) {
				return
			}
			if rec.Type == record.BeginRecord {
				return
			}
			lsn = rec.NextUndo()
		}
	}
}
