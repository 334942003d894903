package wal

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"recstore/pkg/dberror"
	"recstore/pkg/log/record"
	"recstore/pkg/logging"
	"recstore/pkg/metrics"
	"recstore/pkg/primitives"
	"recstore/pkg/storage/disk"
)

const DefaultBufferSize = 64 * 1024

// Options configures a WAL.
type Options struct {
	// BufferSize is the number of appended bytes held in memory before they
	// are written to the file (without fsync).
	BufferSize int
	Metrics    *metrics.Collector
}

// WAL manages the write-ahead log.
//
// LSNs are logical byte positions: a record's LSN is BaseLSN plus its offset
// after the file header, so LSNs stay stable across prefix truncation.
//
// Lock order: flushMu, then fileMu, then mu.
type WAL struct {
	fs   disk.FileSystem
	path string
	log  *slog.Logger

	metrics *metrics.Collector

	// fileMu is held shared while file is read or written and exclusively
	// while TruncatePrefix swaps it.
	fileMu sync.RWMutex
	file   disk.File

	// flushMu serializes writers to the file.
	flushMu sync.Mutex

	// mu is the append lock. It guards header and the LogWriter state.
	mu     sync.Mutex
	header Header
	writer LogWriter
	closed bool
}

// Open opens the log at path, creating it if needed.
//
// An existing log is scanned to find its end. A torn final write is cut off;
// any other damage is reported as LogCorruption.
func Open(fs disk.FileSystem, path string, opts Options) (*WAL, error) {
	if fs == nil {
		fs = disk.OS{}
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}

	file, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, dberror.IOFailure(err, "Open", "WAL")
	}

	w := &WAL{
		fs:      fs,
		path:    path,
		file:    file,
		log:     logging.WithComponent("wal"),
		metrics: opts.Metrics,
	}
	w.writer.bufferSize = opts.BufferSize

	if err := w.init(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAL) init() error {
	size, err := disk.Size(w.file)
	if err != nil {
		return dberror.IOFailure(err, "Open", "WAL")
	}

	// A log shorter than its header was never acknowledged to anyone:
	// the header is synced before the first record is written.
	if size < HeaderSize {
		w.header = Header{BaseLSN: primitives.FirstLSN, LogID: uuid.New()}
		if err := w.writeHeaderLocked(); err != nil {
			return err
		}
		w.writer.reset(primitives.FirstLSN)
		w.log.Info("created log", "path", w.path, "log_id", w.header.LogID)
		return nil
	}

	buf := make([]byte, HeaderSize)
	if _, err := w.file.ReadAt(buf, 0); err != nil {
		return dberror.IOFailure(err, "Open", "WAL")
	}
	if w.header, err = decodeHeader(buf); err != nil {
		return err
	}

	end, last, err := w.scanToEnd(size)
	if err != nil {
		return err
	}
	if end < size {
		w.log.Warn("discarding torn log tail", "offset", end, "bytes", size-end)
		if err := w.file.Truncate(end); err != nil {
			return dberror.IOFailure(err, "Open", "WAL")
		}
		if err := w.file.Sync(); err != nil {
			return dberror.IOFailure(err, "Open", "WAL")
		}
	}

	w.writer.reset(w.lsnOf(end))
	w.writer.lastLSN = last
	w.log.Info("opened log", "path", w.path, "log_id", w.header.LogID,
		"base_lsn", w.header.BaseLSN, "next_lsn", w.writer.nextLSN, "checkpoint_lsn", w.header.CheckpointLSN)
	return nil
}

// scanToEnd validates every frame and returns the offset after the last
// good one together with that record's LSN.
func (w *WAL) scanToEnd(size int64) (int64, primitives.LSN, error) {
	off := int64(HeaderSize)
	last := primitives.InvalidLSN
	for {
		lsn := w.lsnOf(off)
		_, n, err := readFrame(w.file, off, size, lsn)
		if errors.Is(err, errTornTail) {
			return off, last, nil
		}
		if errors.Is(err, io.EOF) {
			return off, last, nil
		}
		if err != nil {
			return 0, 0, err
		}
		last = lsn
		off += n
	}
}

func (w *WAL) offsetOf(lsn primitives.LSN) int64 {
	return HeaderSize + int64(lsn-w.header.BaseLSN)
}

func (w *WAL) lsnOf(off int64) primitives.LSN {
	return w.header.BaseLSN + primitives.LSN(off-HeaderSize)
}

func (w *WAL) writeHeaderLocked() error {
	if _, err := w.file.WriteAt(w.header.encode(), 0); err != nil {
		return dberror.IOFailure(err, "WriteHeader", "WAL")
	}
	if err := w.file.Sync(); err != nil {
		return dberror.IOFailure(err, "WriteHeader", "WAL")
	}
	return nil
}

// Path returns the log file path.
func (w *WAL) Path() string {
	return w.path
}

// LogID identifies this log. The page file records it.
func (w *WAL) LogID() uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.header.LogID
}

// StartLSN returns the LSN of the oldest record still in the log.
func (w *WAL) StartLSN() primitives.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.header.BaseLSN
}

// NextLSN returns the LSN the next appended record will receive.
func (w *WAL) NextLSN() primitives.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writer.nextLSN
}

// LastLSN returns the LSN of the most recently appended record.
func (w *WAL) LastLSN() primitives.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writer.lastLSN
}

// DurableLSN returns the end of the durable log prefix: every record with
// an LSN below it survives a crash.
func (w *WAL) DurableLSN() primitives.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writer.durableLSN
}

// CheckpointLSN returns the begin LSN of the last complete checkpoint.
func (w *WAL) CheckpointLSN() primitives.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.header.CheckpointLSN
}

// Err returns the error that failed the log, if any.
func (w *WAL) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writer.failed
}

// SetCheckpoint records lsn as the last complete checkpoint. The checkpoint
// records must already be durable.
func (w *WAL) SetCheckpoint(lsn primitives.LSN) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	w.fileMu.RLock()
	defer w.fileMu.RUnlock()
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usableLocked("SetCheckpoint"); err != nil {
		return err
	}
	if lsn >= w.writer.durableLSN {
		return dberror.InvalidArgument("SetCheckpoint", fmt.Sprintf("checkpoint %d is not durable", lsn))
	}

	prev := w.header.CheckpointLSN
	w.header.CheckpointLSN = lsn
	if err := w.writeHeaderLocked(); err != nil {
		w.header.CheckpointLSN = prev
		return w.failLocked(err)
	}
	return nil
}

func (w *WAL) usableLocked(op string) error {
	if w.closed {
		return dberror.EngineClosed(op)
	}
	return w.writer.failed
}

// failLocked moves the log into its failed state. Every later call returns
// the same error.
func (w *WAL) failLocked(err error) error {
	if w.writer.failed == nil {
		w.writer.failed = dberror.Wrap(err, dberror.CodeIOFailure, "ForceTo", "WAL")
		w.log.Error("log failed", "error", err)
	}
	return w.writer.failed
}

// Close writes and syncs buffered records, then closes the file.
func (w *WAL) Close() error {
	flushErr := w.Flush()
	if errors.Is(flushErr, dberror.ErrEngineClosed) {
		return nil
	}

	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	w.fileMu.Lock()
	defer w.fileMu.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	closeErr := w.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Abandon closes the file without writing buffered records, leaving the log
// as a crash would.
func (w *WAL) Abandon() error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	w.fileMu.Lock()
	defer w.fileMu.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

// nextAfter returns the LSN following rec, whose frame is n bytes long.
func nextAfter(rec *record.LogRecord, n int64) primitives.LSN {
	return rec.LSN + primitives.LSN(n)
}
