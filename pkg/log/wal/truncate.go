package wal

import (
	"fmt"
	"io"
	"os"

	"recstore/pkg/dberror"
	"recstore/pkg/primitives"
)

const copyChunk = 1 << 20

// TruncatePrefix drops every record before lsn, which must be a record
// boundary. The surviving records keep their LSNs.
//
// The new log is written to a temporary file and renamed over the old one,
// so a crash leaves either the old or the new log intact.
func (w *WAL) TruncatePrefix(lsn primitives.LSN) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	// Everything before lsn must be in the file before it is copied.
	w.fileMu.RLock()
	w.mu.Lock()
	last := w.writer.lastLSN
	w.mu.Unlock()
	err := w.flushLocked(last, true)
	w.fileMu.RUnlock()
	if err != nil {
		return err
	}

	w.fileMu.Lock()
	defer w.fileMu.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usableLocked("TruncatePrefix"); err != nil {
		return err
	}
	if lsn <= w.header.BaseLSN {
		return nil
	}
	if lsn > w.writer.writtenLSN {
		return dberror.InvalidArgument("TruncatePrefix", fmt.Sprintf("%d is past the written log end %d", lsn, w.writer.writtenLSN))
	}

	from := w.offsetOf(lsn)
	end := w.offsetOf(w.writer.writtenLSN)
	if lsn < w.writer.writtenLSN {
		if _, _, err := readFrame(w.file, from, end, lsn); err != nil {
			return dberror.InvalidArgument("TruncatePrefix", fmt.Sprintf("%d is not a record boundary: %v", lsn, err))
		}
	}

	newHeader := w.header
	newHeader.BaseLSN = lsn
	if newHeader.CheckpointLSN < lsn {
		newHeader.CheckpointLSN = primitives.InvalidLSN
	}

	tmpPath := w.path + ".truncate"
	tmp, err := w.fs.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return w.failLocked(dberror.IOFailure(err, "TruncatePrefix", "WAL"))
	}

	copyErr := func() error {
		if _, err := tmp.WriteAt(newHeader.encode(), 0); err != nil {
			return err
		}
		buf := make([]byte, copyChunk)
		dst := int64(HeaderSize)
		for src := from; src < end; {
			n := min(int64(len(buf)), end-src)
			if _, err := w.file.ReadAt(buf[:n], src); err != nil && err != io.EOF {
				return err
			}
			if _, err := tmp.WriteAt(buf[:n], dst); err != nil {
				return err
			}
			src += n
			dst += n
		}
		return tmp.Sync()
	}()
	if copyErr != nil {
		_ = tmp.Close()
		_ = w.fs.Remove(tmpPath)
		return w.failLocked(dberror.IOFailure(copyErr, "TruncatePrefix", "WAL"))
	}

	if err := w.fs.Rename(tmpPath, w.path); err != nil {
		_ = tmp.Close()
		_ = w.fs.Remove(tmpPath)
		return w.failLocked(dberror.IOFailure(err, "TruncatePrefix", "WAL"))
	}

	_ = w.file.Close()
	w.file = tmp
	w.header = newHeader

	w.log.Info("truncated log prefix", "base_lsn", lsn, "dropped_bytes", from-HeaderSize)
	return nil
}
