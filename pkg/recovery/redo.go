package recovery

import (
	"errors"
	"fmt"

	"recstore/pkg/dberror"
	"recstore/pkg/log/record"
	"recstore/pkg/primitives"
)

// Redo repeats history from the analysis' redo point. Updates and CLRs are
// reapplied, losers included, so that undo starts from the exact state of
// the crash. A record is skipped when its page is not in the dirty page
// table, when it predates the page's recLSN, or when the page already
// carries its LSN.
//
// Returns the number of records applied.
func (m *Manager) Redo(a *Analysis) (int, error) {
	from := a.RedoLSN()
	if from == primitives.InvalidLSN {
		return 0, nil
	}
	if start := m.wal.StartLSN(); from < start {
		return 0, dberror.LogCorruption(from, fmt.Sprintf("redo point precedes log start %d", start))
	}

	redone := 0
	s := m.wal.Scan(from)
	for s.Next() {
		rec := s.Record()
		if !rec.Type.IsRedoable() {
			continue
		}
		recLSN, dirty := a.DirtyPages[rec.RecordID.Page]
		if !dirty || rec.LSN < recLSN {
			continue
		}
		applied, err := m.redoRecord(rec)
		if err != nil {
			return redone, err
		}
		if applied {
			redone++
		}
	}
	if err := s.Err(); err != nil {
		return redone, err
	}

	m.metrics.Recovered("redo", redone)
	m.log.Info("redo complete", "from", uint64(from), "redone", redone)
	return redone, nil
}

func (m *Manager) redoRecord(rec *record.LogRecord) (bool, error) {
	f, err := m.pool.Pin(rec.RecordID.Page)
	if err != nil {
		return false, err
	}
	defer m.pool.Unpin(f)

	f.Lock()
	defer f.Unlock()

	p := f.Page()
	if p.LSN() >= rec.LSN {
		return false, nil
	}
	if err := m.ops.Redo(p, rec); err != nil {
		if errors.Is(err, dberror.ErrUnknownOperation) {
			return false, err
		}
		return false, dberror.LogCorruption(rec.LSN, fmt.Sprintf("redo of %s %s on %s failed: %v", rec.Type, m.ops.Name(rec.Op), rec.RecordID, err))
	}
	p.SetLSN(rec.LSN)
	f.MarkDirty(rec.LSN)
	return true, nil
}
