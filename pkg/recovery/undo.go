package recovery

import (
	"container/heap"

	"recstore/pkg/log/record"
	"recstore/pkg/primitives"
)

// loserHeap orders losers by the LSN undo must visit next, highest first.
type loserHeap []*TxnInfo

func (h loserHeap) Len() int           { return len(h) }
func (h loserHeap) Less(i, j int) bool { return h[i].UndoNextLSN > h[j].UndoNextLSN }
func (h loserHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *loserHeap) Push(x any)        { *h = append(*h, x.(*TxnInfo)) }
func (h *loserHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

// Undo rolls back every loser in a single backward sweep and finishes
// each transaction, winners without an END record included, with an END
// record. The log is forced before returning.
//
// Returns the number of losers, undone updates and END records written.
func (m *Manager) Undo(a *Analysis) (losers, undone, finished int, err error) {
	h := &loserHeap{}
	for _, t := range a.Transactions {
		if t.State == record.TxnCommitted {
			if err := m.finish(t); err != nil {
				return losers, undone, finished, err
			}
			finished++
			continue
		}
		losers++
		heap.Push(h, t)
	}

	for h.Len() > 0 {
		t := heap.Pop(h).(*TxnInfo)
		if t.UndoNextLSN == primitives.InvalidLSN {
			if err := m.finish(t); err != nil {
				return losers, undone, finished, err
			}
			finished++
			continue
		}

		rec, err := m.wal.ReadAt(t.UndoNextLSN)
		if err != nil {
			return losers, undone, finished, err
		}

		switch rec.Type {
		case record.UpdateRecord:
			if _, err := m.compensate(rec, m.chainAppender(t)); err != nil {
				return losers, undone, finished, err
			}
			undone++
			t.UndoNextLSN = rec.PrevLSN
		case record.CLRRecord:
			t.UndoNextLSN = rec.UndoNextLSN
		case record.BeginRecord:
			t.UndoNextLSN = primitives.InvalidLSN
		default:
			t.UndoNextLSN = rec.PrevLSN
		}
		heap.Push(h, t)
	}

	if err := m.wal.ForceTo(m.wal.LastLSN()); err != nil {
		return losers, undone, finished, err
	}

	m.metrics.Recovered("undo", undone)
	m.log.Info("undo complete", "losers", losers, "undone", undone, "finished", finished)
	return losers, undone, finished, nil
}

// chainAppender appends on behalf of a loser, extending its backward chain.
func (m *Manager) chainAppender(t *TxnInfo) AppendFunc {
	return func(rec *record.LogRecord) (primitives.LSN, error) {
		rec.TID = t.TID
		rec.PrevLSN = t.LastLSN
		lsn, err := m.wal.Append(rec)
		if err != nil {
			return primitives.InvalidLSN, err
		}
		t.LastLSN = lsn
		return lsn, nil
	}
}

func (m *Manager) finish(t *TxnInfo) error {
	_, err := m.chainAppender(t)(record.NewLogRecord(record.EndRecord, t.TID, t.LastLSN))
	return err
}
