package wal

import (
	"time"

	"recstore/pkg/dberror"
	"recstore/pkg/log/record"
	"recstore/pkg/primitives"
)

// LogWriter is the append-side state of the WAL. It is guarded by WAL.mu.
//
// Appended frames collect in buffer. A flush swaps buffer out as pending,
// drops the append lock, then writes and syncs pending; appenders keep
// filling a fresh buffer meanwhile.
type LogWriter struct {
	buffer     []byte         // frames starting at bufferLSN
	bufferLSN  primitives.LSN // LSN of buffer[0]
	bufferSize int            // flush threshold

	pending    []byte         // frames being written by the current flush
	pendingLSN primitives.LSN // LSN of pending[0]

	nextLSN    primitives.LSN // next LSN to assign
	lastLSN    primitives.LSN // LSN of the last appended record
	writtenLSN primitives.LSN // end of the bytes handed to the file
	durableLSN primitives.LSN // end of the bytes known synced

	failed error
}

func (lw *LogWriter) reset(end primitives.LSN) {
	lw.buffer = make([]byte, 0, lw.bufferSize)
	lw.bufferLSN = end
	lw.pending = nil
	lw.nextLSN = end
	lw.writtenLSN = end
	lw.durableLSN = end
}

// Append assigns the next LSN to rec, serializes it and buffers it. It never
// waits for an fsync; when the buffer passes its threshold the caller writes
// it out without syncing.
//
// Returns:
//   - primitives.LSN: the LSN assigned to rec (also stored in rec.LSN)
//   - error: IOFailure if the log has failed
func (w *WAL) Append(rec *record.LogRecord) (primitives.LSN, error) {
	w.mu.Lock()
	if err := w.usableLocked("Append"); err != nil {
		w.mu.Unlock()
		return primitives.InvalidLSN, err
	}

	lsn := w.writer.nextLSN
	rec.LSN = lsn
	frame, err := rec.Encode()
	if err != nil {
		rec.LSN = primitives.InvalidLSN
		w.mu.Unlock()
		return primitives.InvalidLSN, dberror.InvalidArgument("Append", err.Error())
	}

	w.writer.buffer = append(w.writer.buffer, frame...)
	w.writer.nextLSN += primitives.LSN(len(frame))
	w.writer.lastLSN = lsn
	full := len(w.writer.buffer) >= w.writer.bufferSize
	w.mu.Unlock()

	w.metrics.Appended(len(frame))

	if full {
		if err := w.flush(lsn, false); err != nil {
			return primitives.InvalidLSN, err
		}
	}
	return lsn, nil
}

// ForceTo makes every record with an LSN up to and including lsn durable.
//
// Concurrent callers share fsyncs: whoever flushes takes everything
// appended so far, and callers whose LSN that covered return without
// touching the disk. A failed write or sync cuts the file back to the last
// durable byte and fails the log.
func (w *WAL) ForceTo(lsn primitives.LSN) error {
	if lsn == primitives.InvalidLSN {
		return nil
	}

	w.mu.Lock()
	if err := w.usableLocked("ForceTo"); err != nil {
		w.mu.Unlock()
		return err
	}
	done := w.writer.durableLSN > lsn
	w.mu.Unlock()
	if done {
		return nil
	}
	return w.flush(lsn, true)
}

// Flush makes every appended record durable.
func (w *WAL) Flush() error {
	w.mu.Lock()
	if err := w.usableLocked("Flush"); err != nil {
		w.mu.Unlock()
		return err
	}
	last := w.writer.lastLSN
	w.mu.Unlock()
	return w.ForceTo(last)
}

// flush writes buffered frames up to at least target, syncing if asked.
func (w *WAL) flush(target primitives.LSN, sync bool) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	w.fileMu.RLock()
	defer w.fileMu.RUnlock()
	return w.flushLocked(target, sync)
}

// flushLocked requires flushMu and a shared fileMu.
func (w *WAL) flushLocked(target primitives.LSN, sync bool) error {
	w.mu.Lock()
	if err := w.usableLocked("ForceTo"); err != nil {
		w.mu.Unlock()
		return err
	}
	if sync && w.writer.durableLSN > target {
		w.mu.Unlock()
		return nil
	}
	if !sync && w.writer.writtenLSN > target {
		w.mu.Unlock()
		return nil
	}

	data := w.writer.buffer
	start := w.writer.bufferLSN
	w.writer.pending, w.writer.pendingLSN = data, start
	w.writer.buffer = make([]byte, 0, w.writer.bufferSize)
	w.writer.bufferLSN = w.writer.nextLSN
	off := w.offsetOf(start)
	w.mu.Unlock()

	began := time.Now()
	var err error
	if len(data) > 0 {
		_, err = w.file.WriteAt(data, off)
	}
	if err == nil && sync {
		err = w.file.Sync()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.writer.pending = nil

	if err != nil {
		// Nothing past durableLSN was acknowledged; drop it so a commit
		// record whose force failed can never resurface after restart.
		_ = w.file.Truncate(w.offsetOf(w.writer.durableLSN))
		return w.failLocked(dberror.IOFailure(err, "ForceTo", "WAL"))
	}

	w.writer.writtenLSN = start + primitives.LSN(len(data))
	if sync {
		w.writer.durableLSN = w.writer.writtenLSN
		w.metrics.Forced(time.Since(began))
	}
	return nil
}
