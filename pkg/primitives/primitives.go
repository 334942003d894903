package primitives

import "fmt"

// RecordID addresses a record for its whole life. The size is fixed when the
// record is allocated and travels with the identifier so that reads and
// updates can be checked against it.
type RecordID struct {
	Page PageNumber
	Slot SlotID
	Size uint32
}

// NullRecordID is the zero identifier. No record ever has it.
var NullRecordID = RecordID{}

// RootRecordID is where the first record ever allocated in a fresh store
// lands. Applications use it to bootstrap their own structures.
var RootRecordID = RecordID{Page: FirstDataPage, Slot: 0}

// IsNull reports whether r is the null identifier.
func (r RecordID) IsNull() bool {
	return r.Page == HeaderPageNumber
}

// SameSlot compares only the physical location and ignores the size.
func (r RecordID) SameSlot(other RecordID) bool {
	return r.Page == other.Page && r.Slot == other.Slot
}

func (r RecordID) String() string {
	return fmt.Sprintf("(%d,%d;%d)", r.Page, r.Slot, r.Size)
}
