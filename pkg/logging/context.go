package logging

import (
	"log/slog"

	"recstore/pkg/primitives"
)

// WithTx creates a logger with transaction context.
//
// Example:
//
//	log := logging.WithTx(tid)
//	log.Debug("rollback step", "lsn", lsn)
func WithTx(tid primitives.TransactionID) *slog.Logger {
	return GetLogger().With("tx_id", uint64(tid))
}

// WithPage creates a logger with page context.
// Useful for buffer pool and page file operations.
//
// Example:
//
//	log := logging.WithPage(pageNo)
//	log.Debug("page evicted", "dirty", true)
func WithPage(page primitives.PageNumber) *slog.Logger {
	return GetLogger().With("page", uint64(page))
}

// WithRecord creates a logger with record identifier context.
func WithRecord(rid primitives.RecordID) *slog.Logger {
	return GetLogger().With("page", uint64(rid.Page), "slot", uint16(rid.Slot), "size", rid.Size)
}

// WithLock creates a logger for lock manager events.
func WithLock(tid primitives.TransactionID, page primitives.PageNumber) *slog.Logger {
	return GetLogger().With("tx_id", uint64(tid), "page", uint64(page))
}

// WithComponent creates a logger with component/subsystem context.
//
// Example:
//
//	log := logging.WithComponent("recovery")
//	log.Info("analysis complete", "losers", n)
func WithComponent(component string) *slog.Logger {
	return GetLogger().With("component", component)
}

// WithError creates a logger with error context.
func WithError(err error) *slog.Logger {
	return GetLogger().With("error", err.Error())
}
