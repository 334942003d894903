package primitives

import "fmt"

// LSN (Log Sequence Number) uniquely identifies each log record.
// It is monotonically increasing and maps to a logical byte offset in the log,
// so comparing two LSNs orders the records they name.
type LSN uint64

// TransactionID identifies a transaction. IDs are never reused within a
// log's lifetime; after restart numbering continues above the highest ID
// found during recovery.
type TransactionID uint64

// PageNumber is a page's position in the page file. Page 0 holds the file
// header, record pages start at 1.
type PageNumber uint64

// SlotID is a slot number within a slotted page.
type SlotID uint16

// Offset represents a byte offset within a page or record.
type Offset uint32

// OpKind tags an update log record with the operation that produced it.
// The operation registry maps each kind to its redo and undo functions.
type OpKind uint8

// Sentinel values for invalid/unset identifiers
const (
	// InvalidLSN is never assigned to a record. It terminates PrevLSN and
	// UndoNextLSN chains.
	InvalidLSN LSN = 0

	// FirstLSN is the LSN given to the first record of a fresh log.
	FirstLSN LSN = 1

	// InvalidTransactionID is the zero transaction. Checkpoint records use it.
	InvalidTransactionID TransactionID = 0

	// HeaderPageNumber is the page that holds the page file header.
	HeaderPageNumber PageNumber = 0

	// FirstDataPage is the first page that can hold records.
	FirstDataPage PageNumber = 1
)

func (l LSN) String() string {
	return fmt.Sprintf("LSN(%d)", uint64(l))
}

// IsValid reports whether the LSN names a real log record.
func (l LSN) IsValid() bool {
	return l != InvalidLSN
}

func (t TransactionID) String() string {
	return fmt.Sprintf("T%d", uint64(t))
}
