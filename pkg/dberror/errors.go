package dberror

import (
	"fmt"

	"recstore/pkg/primitives"
)

func InvalidTransactionState(tid primitives.TransactionID, state fmt.Stringer, operation string) *DBError {
	e := New(ErrCategoryUser, CodeInvalidTransactionState, "transaction is not active")
	e.Operation = operation
	if state == nil {
		e.Detail = fmt.Sprintf("%s is unknown", tid)
	} else {
		e.Detail = fmt.Sprintf("%s is %s", tid, state)
	}
	return e
}

func InvalidRecord(rid primitives.RecordID, reason string) *DBError {
	e := New(ErrCategoryUser, CodeInvalidRecord, "record identifier does not name a live record")
	e.Detail = fmt.Sprintf("%s: %s", rid, reason)
	return e
}

func SizeMismatch(rid primitives.RecordID, got int) *DBError {
	e := New(ErrCategoryUser, CodeSizeMismatch, "value length differs from record size")
	e.Detail = fmt.Sprintf("record %s holds %d bytes, got %d", rid, rid.Size, got)
	return e
}

func RecordTooLarge(size, max int) *DBError {
	e := New(ErrCategoryUser, CodeRecordTooLarge, "record does not fit in a page")
	e.Detail = fmt.Sprintf("size %d exceeds %d", size, max)
	e.Hint = "raise page_size or split the record"
	return e
}

func UnknownOperation(kind uint8) *DBError {
	e := New(ErrCategoryUser, CodeUnknownOperation, "operation kind is not registered")
	e.Detail = fmt.Sprintf("kind %d", kind)
	return e
}

func InvalidArgument(operation, reason string) *DBError {
	e := New(ErrCategoryUser, CodeInvalidArgument, "invalid operation argument")
	e.Operation = operation
	e.Detail = reason
	return e
}

// IOFailure wraps a failed read, write or sync. It is always fatal.
func IOFailure(cause error, operation, component string) *DBError {
	if cause == nil {
		return nil
	}
	e := New(ErrCategorySystem, CodeIOFailure, "storage I/O failed")
	e.Operation = operation
	e.Component = component
	e.Cause = cause
	e.Hint = "reopen the engine to run recovery"
	return e
}

func LogCorruption(lsn primitives.LSN, reason string) *DBError {
	e := New(ErrCategoryData, CodeLogCorruption, "log record failed validation")
	e.Component = "WAL"
	e.Detail = fmt.Sprintf("%s: %s", lsn, reason)
	return e
}

func BufferPoolExhausted(capacity int) *DBError {
	e := New(ErrCategoryTransient, CodeBufferPoolExhausted, "all buffer frames are pinned")
	e.Component = "BufferPool"
	e.Detail = fmt.Sprintf("capacity %d", capacity)
	e.Hint = "raise buffer_cache_size_in_pages or finish open transactions"
	return e
}

func Deadlock(tid primitives.TransactionID, page primitives.PageNumber) *DBError {
	e := New(ErrCategoryConcurrency, CodeDeadlock, "deadlock detected")
	e.Component = "LockManager"
	e.Detail = fmt.Sprintf("%s waiting for page %d", tid, page)
	e.Hint = "abort and retry the transaction"
	return e
}

func LockTimeout(tid primitives.TransactionID, page primitives.PageNumber) *DBError {
	e := New(ErrCategoryTransient, CodeLockTimeout, "timeout waiting for lock")
	e.Component = "LockManager"
	e.Detail = fmt.Sprintf("%s waiting for page %d", tid, page)
	return e
}

func EngineClosed(operation string) *DBError {
	e := New(ErrCategoryUser, CodeEngineClosed, "engine is closed")
	e.Operation = operation
	return e
}

func InvalidConfig(reason string) *DBError {
	e := New(ErrCategorySystem, CodeInvalidConfig, "invalid configuration")
	e.Detail = reason
	return e
}
