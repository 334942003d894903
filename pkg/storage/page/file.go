package page

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"recstore/pkg/dberror"
	"recstore/pkg/primitives"
	"recstore/pkg/storage/disk"
)

const (
	headerMagic   = "RSPG"
	formatVersion = 1

	// header layout inside page 0
	hdrMagicOff    = 0
	hdrVersionOff  = 4
	hdrPageSizeOff = 8
	hdrLogIDOff    = 12
	hdrSumOff      = 28
	hdrSize        = 44
	checksumSize   = 16
)

// Header is the content of page 0.
type Header struct {
	PageSize int
	// LogID ties the page file to the log it was written with. Opening a
	// page file against a different log is refused.
	LogID uuid.UUID
}

// PageFile is the page store: an array of fixed-size pages in one file.
//
// Writes are not synced individually; callers batch them and call Sync.
// A page past the current end of file reads as zeros, which is also a valid
// empty slotted page, and reading it extends the logical page count so the
// page is never handed out again by AllocatePage.
//
// Thread-safety: all public methods are safe for concurrent use.
type PageFile struct {
	mutex    sync.RWMutex
	file     disk.File
	path     string
	pageSize int
	numPages primitives.PageNumber
	header   Header
}

// Open opens or creates the page file at path.
//
// A new file is stamped with pageSize and logID. An existing file must carry
// the same page size, and its log ID must match logID unless logID is nil.
//
// Returns:
//   - *PageFile: the opened store with the header page accounted for
//   - error: InvalidConfig on header mismatch, IOFailure on I/O errors,
//     LogCorruption-class data errors if the header checksum is wrong
func Open(fs disk.FileSystem, path string, pageSize int, logID uuid.UUID) (*PageFile, error) {
	if path == "" {
		return nil, dberror.InvalidConfig("page file path cannot be empty")
	}
	if pageSize < hdrSize {
		return nil, dberror.InvalidConfig(fmt.Sprintf("page size %d too small", pageSize))
	}

	file, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, dberror.IOFailure(err, "Open", "PageFile")
	}

	pf := &PageFile{file: file, path: path, pageSize: pageSize}
	if err := pf.init(logID); err != nil {
		_ = file.Close()
		return nil, err
	}
	return pf, nil
}

func (pf *PageFile) init(logID uuid.UUID) error {
	size, err := disk.Size(pf.file)
	if err != nil {
		return dberror.IOFailure(err, "Open", "PageFile")
	}

	if size == 0 {
		pf.header = Header{PageSize: pf.pageSize, LogID: logID}
		if err := pf.writeHeader(); err != nil {
			return err
		}
		pf.numPages = primitives.FirstDataPage
		return nil
	}

	raw := make([]byte, hdrSize)
	if _, err := pf.file.ReadAt(raw, 0); err != nil {
		return dberror.IOFailure(err, "Open", "PageFile")
	}
	h, err := decodeHeader(raw)
	if err != nil {
		return err
	}
	if h.PageSize != pf.pageSize {
		return dberror.InvalidConfig(fmt.Sprintf("page file %s uses page size %d, configured %d", pf.path, h.PageSize, pf.pageSize))
	}
	if logID != uuid.Nil && h.LogID != logID {
		return dberror.InvalidConfig(fmt.Sprintf("page file %s belongs to log %s, not %s", pf.path, h.LogID, logID))
	}
	pf.header = h

	pf.numPages = primitives.PageNumber(size / int64(pf.pageSize))
	if size%int64(pf.pageSize) != 0 {
		pf.numPages++
	}
	return nil
}

func (pf *PageFile) writeHeader() error {
	buf := make([]byte, pf.pageSize)
	copy(buf[hdrMagicOff:], headerMagic)
	binary.BigEndian.PutUint32(buf[hdrVersionOff:], formatVersion)
	binary.BigEndian.PutUint32(buf[hdrPageSizeOff:], uint32(pf.header.PageSize))
	copy(buf[hdrLogIDOff:hdrSumOff], pf.header.LogID[:])
	sum := headerChecksum(buf[:hdrSumOff])
	copy(buf[hdrSumOff:hdrSize], sum[:])

	if _, err := pf.file.WriteAt(buf, 0); err != nil {
		return dberror.IOFailure(err, "WriteHeader", "PageFile")
	}
	if err := pf.file.Sync(); err != nil {
		return dberror.IOFailure(err, "WriteHeader", "PageFile")
	}
	return nil
}

func decodeHeader(raw []byte) (Header, error) {
	if string(raw[hdrMagicOff:hdrMagicOff+4]) != headerMagic {
		return Header{}, dberror.InvalidConfig("not a recstore page file")
	}
	sum := headerChecksum(raw[:hdrSumOff])
	if string(sum[:]) != string(raw[hdrSumOff:hdrSize]) {
		e := dberror.New(dberror.ErrCategoryData, dberror.CodeLogCorruption, "page file header checksum mismatch")
		e.Component = "PageFile"
		return Header{}, e
	}
	if v := binary.BigEndian.Uint32(raw[hdrVersionOff:]); v != formatVersion {
		return Header{}, dberror.InvalidConfig(fmt.Sprintf("unsupported page file version %d", v))
	}

	var h Header
	h.PageSize = int(binary.BigEndian.Uint32(raw[hdrPageSizeOff:]))
	copy(h.LogID[:], raw[hdrLogIDOff:hdrSumOff])
	return h, nil
}

func headerChecksum(b []byte) (sum [checksumSize]byte) {
	h, _ := blake2b.New(checksumSize, nil)
	h.Write(b)
	copy(sum[:], h.Sum(nil))
	return sum
}

// Header returns the decoded page 0.
func (pf *PageFile) Header() Header {
	pf.mutex.RLock()
	defer pf.mutex.RUnlock()
	return pf.header
}

// PageSize returns the size of every page in bytes.
func (pf *PageFile) PageSize() int {
	return pf.pageSize
}

// Path returns the file path the store was opened with.
func (pf *PageFile) Path() string {
	return pf.path
}

// NumPages returns the number of pages, header page included.
func (pf *PageFile) NumPages() primitives.PageNumber {
	pf.mutex.RLock()
	defer pf.mutex.RUnlock()
	return pf.numPages
}

// ReadPage reads one page into a fresh buffer of PageSize bytes.
//
// Parameters:
//   - pageNo: a data page number (page 0 is reserved)
//
// Returns:
//   - []byte: the page contents, zeros for a page past end of file
//   - error: IOFailure if the read fails for a reason other than EOF
func (pf *PageFile) ReadPage(pageNo primitives.PageNumber) ([]byte, error) {
	if pageNo == primitives.HeaderPageNumber {
		return nil, dberror.InvalidArgument("ReadPage", "page 0 is the file header")
	}

	pf.mutex.Lock()
	defer pf.mutex.Unlock()

	if pf.file == nil {
		return nil, dberror.EngineClosed("ReadPage")
	}

	data := make([]byte, pf.pageSize)
	if _, err := pf.file.ReadAt(data, int64(pageNo)*int64(pf.pageSize)); err != nil && !errors.Is(err, io.EOF) {
		return nil, dberror.IOFailure(err, "ReadPage", "PageFile")
	}

	if pageNo >= pf.numPages {
		pf.numPages = pageNo + 1
	}
	return data, nil
}

// WritePage writes one page. It does not sync.
//
// Returns:
//   - error: InvalidArgument for a wrong size or page 0, IOFailure if the
//     write fails
func (pf *PageFile) WritePage(pageNo primitives.PageNumber, data []byte) error {
	if pageNo == primitives.HeaderPageNumber {
		return dberror.InvalidArgument("WritePage", "page 0 is the file header")
	}
	if len(data) != pf.pageSize {
		return dberror.InvalidArgument("WritePage", fmt.Sprintf("invalid page data size: expected %d, got %d", pf.pageSize, len(data)))
	}

	pf.mutex.Lock()
	defer pf.mutex.Unlock()

	if pf.file == nil {
		return dberror.EngineClosed("WritePage")
	}

	if _, err := pf.file.WriteAt(data, int64(pageNo)*int64(pf.pageSize)); err != nil {
		return dberror.IOFailure(err, "WritePage", "PageFile")
	}
	if pageNo >= pf.numPages {
		pf.numPages = pageNo + 1
	}
	return nil
}

// AllocatePage reserves the next page number. The page is not written; it
// reads as zeros until the buffer pool flushes it.
func (pf *PageFile) AllocatePage() (primitives.PageNumber, error) {
	pf.mutex.Lock()
	defer pf.mutex.Unlock()

	if pf.file == nil {
		return 0, dberror.EngineClosed("AllocatePage")
	}

	pageNo := pf.numPages
	pf.numPages++
	return pageNo, nil
}

// Sync flushes written pages to stable storage.
func (pf *PageFile) Sync() error {
	pf.mutex.RLock()
	defer pf.mutex.RUnlock()

	if pf.file == nil {
		return dberror.EngineClosed("Sync")
	}
	if err := pf.file.Sync(); err != nil {
		return dberror.IOFailure(err, "Sync", "PageFile")
	}
	return nil
}

// Close closes the file without syncing. It is safe to call more than once.
func (pf *PageFile) Close() error {
	pf.mutex.Lock()
	defer pf.mutex.Unlock()

	if pf.file != nil {
		err := pf.file.Close()
		pf.file = nil
		return err
	}
	return nil
}
