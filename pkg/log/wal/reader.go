package wal

import (
	"errors"
	"fmt"
	"io"
	"os"

	"recstore/pkg/dberror"
	"recstore/pkg/log/record"
	"recstore/pkg/primitives"
	"recstore/pkg/storage/disk"
)

// errTornTail marks the point where the log stops holding complete records:
// the remains of a write that never finished.
var errTornTail = errors.New("torn log tail")

// readFrame reads the frame at off, expecting it to carry LSN want. size is
// the number of valid bytes in r.
//
// It returns io.EOF at off == size and errTornTail only when the bytes from
// off are an unfinished write: a partial frame header, or a well-formed
// header whose frame runs past size. A malformed header or a complete frame
// that fails its checksum is LogCorruption wherever it sits.
func readFrame(r io.ReaderAt, off, size int64, want primitives.LSN) (*record.LogRecord, int64, error) {
	if off >= size {
		return nil, 0, io.EOF
	}
	remain := size - off
	if remain < record.FrameHeaderSize {
		return nil, 0, errTornTail
	}

	hdr := make([]byte, record.FrameHeaderSize)
	if _, err := r.ReadAt(hdr, off); err != nil {
		return nil, 0, dberror.IOFailure(err, "ReadFrame", "WAL")
	}

	h, err := record.ParseFrameHeader(hdr)
	if err != nil {
		return nil, 0, dberror.LogCorruption(want, err.Error())
	}
	if h.LSN != want {
		return nil, 0, dberror.LogCorruption(want, fmt.Sprintf("frame carries LSN %d", h.LSN))
	}
	frameSize := int64(h.FrameSize())
	if frameSize > remain {
		return nil, 0, errTornTail
	}

	frame := make([]byte, frameSize)
	if _, err := r.ReadAt(frame, off); err != nil {
		return nil, 0, dberror.IOFailure(err, "ReadFrame", "WAL")
	}

	rec, err := record.Decode(frame)
	if err != nil {
		return nil, 0, dberror.LogCorruption(want, err.Error())
	}
	return rec, frameSize, nil
}

// LogReader reads log records sequentially from a log file without opening
// it for writing. Diagnostic tools use it on logs of stopped engines.
type LogReader struct {
	file   disk.File
	header Header
	size   int64
	offset int64
}

// NewLogReader opens the log at logPath read-only.
func NewLogReader(fs disk.FileSystem, logPath string) (*LogReader, error) {
	file, err := fs.OpenFile(logPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	size, err := disk.Size(file)
	if err != nil {
		_ = file.Close()
		return nil, dberror.IOFailure(err, "NewLogReader", "WAL")
	}

	buf := make([]byte, HeaderSize)
	if _, err := file.ReadAt(buf, 0); err != nil {
		_ = file.Close()
		return nil, dberror.LogCorruption(primitives.InvalidLSN, "cannot read log header")
	}
	header, err := decodeHeader(buf)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	return &LogReader{file: file, header: header, size: size, offset: HeaderSize}, nil
}

// Header returns the log file header.
func (lr *LogReader) Header() Header {
	return lr.header
}

// ReadNext reads the next log record. It returns io.EOF at the end of the
// log, including when the log ends in a torn write.
func (lr *LogReader) ReadNext() (*record.LogRecord, error) {
	want := lr.header.BaseLSN + primitives.LSN(lr.offset-HeaderSize)
	rec, n, err := readFrame(lr.file, lr.offset, lr.size, want)
	if errors.Is(err, errTornTail) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	lr.offset += n
	return rec, nil
}

// ReadAll reads all log records from the current position.
func (lr *LogReader) ReadAll() ([]*record.LogRecord, error) {
	var records []*record.LogRecord

	for {
		rec, err := lr.ReadNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}

	return records, nil
}

// Reset resets the reader to the first record.
func (lr *LogReader) Reset() {
	lr.offset = HeaderSize
}

// Close closes the underlying file
func (lr *LogReader) Close() error {
	if lr.file != nil {
		err := lr.file.Close()
		lr.file = nil
		return err
	}
	return nil
}

// GetFileSize returns the total size of the log file
func (lr *LogReader) GetFileSize() int64 {
	return lr.size
}
