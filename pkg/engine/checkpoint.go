package engine

import (
	"time"

	"recstore/pkg/log/record"
	"recstore/pkg/logging"
	"recstore/pkg/primitives"
)

// Checkpoint writes a fuzzy checkpoint: the transaction table and dirty
// page table are captured between a begin and an end record while other
// transactions keep running. Restart analysis starts from the newest
// complete checkpoint.
//
// Returns the LSN of the checkpoint's begin record.
func (e *Engine) Checkpoint() (primitives.LSN, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.usable("Checkpoint"); err != nil {
		return primitives.InvalidLSN, err
	}

	cp, err := e.checkpoint()
	if err != nil {
		return primitives.InvalidLSN, e.check(err)
	}
	return cp.BeginLSN, nil
}

func (e *Engine) checkpoint() (*record.Checkpoint, error) {
	e.ckptMu.Lock()
	defer e.ckptMu.Unlock()

	begin, err := e.wal.Append(record.NewLogRecord(record.CheckpointBegin, primitives.InvalidTransactionID, primitives.InvalidLSN))
	if err != nil {
		return nil, err
	}

	cp := &record.Checkpoint{BeginLSN: begin, NextTID: e.txns.LastID() + 1}
	for _, tc := range e.txns.GetAll() {
		if tc.HasLogged() {
			cp.Transactions = append(cp.Transactions, tc.Entry())
		}
	}
	cp.DirtyPages = e.pool.DirtyPages()

	end, err := e.wal.Append(record.NewCheckpointEnd(cp))
	if err != nil {
		return nil, err
	}
	if err := e.wal.ForceTo(end); err != nil {
		return nil, err
	}
	if err := e.wal.SetCheckpoint(begin); err != nil {
		return nil, err
	}

	e.metrics.Checkpointed()
	e.log.Debug("checkpoint", "begin", uint64(begin), "end", uint64(end),
		"txns", len(cp.Transactions), "dirty", len(cp.DirtyPages))
	return cp, nil
}

// TruncateLog writes every dirty page, checkpoints and then drops the log
// prefix nothing can need any more: records before the checkpoint, before
// the oldest recLSN of a page still dirty and before the first record of a
// running transaction are all kept.
//
// Returns the new start of the log.
func (e *Engine) TruncateLog() (primitives.LSN, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.usable("TruncateLog"); err != nil {
		return primitives.InvalidLSN, err
	}

	if err := e.pool.FlushAll(); err != nil {
		return primitives.InvalidLSN, e.check(err)
	}
	cp, err := e.checkpoint()
	if err != nil {
		return primitives.InvalidLSN, e.check(err)
	}

	keep := cp.BeginLSN
	for _, dp := range cp.DirtyPages {
		keep = min(keep, dp.RecLSN)
	}
	if first := e.txns.OldestFirstLSN(); first != primitives.InvalidLSN {
		keep = min(keep, first)
	}

	if err := e.wal.TruncatePrefix(keep); err != nil {
		return primitives.InvalidLSN, e.check(err)
	}
	e.log.Info("log truncated", "start", uint64(e.wal.StartLSN()))
	return e.wal.StartLSN(), nil
}

// checkpointLoop takes a checkpoint every interval until the engine stops.
func (e *Engine) checkpointLoop(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if _, err := e.Checkpoint(); err != nil {
				logging.WithError(err).Warn("background checkpoint failed")
				if e.Err() != nil {
					return
				}
			}
		}
	}
}
