// Package engine is the transactional record store: it ties the page file,
// buffer pool, write-ahead log, lock manager and recovery together behind
// one handle.
//
// All work happens inside a transaction:
//
//	eng, err := engine.Open(config.InDir(dir))
//	tid, _ := eng.Begin()
//	rid, _ := eng.Alloc(tid, 4)
//	_ = eng.Set(tid, rid, []byte{0, 0, 0, 42})
//	_ = eng.Commit(tid)
//
// Every change is logged before the page it touches can reach disk, and
// commit forces the log. Open recovers whatever state the previous process
// left behind.
package engine

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/NebulousLabs/errors"

	"recstore/pkg/concurrency/lock"
	"recstore/pkg/concurrency/transaction"
	"recstore/pkg/config"
	"recstore/pkg/dberror"
	"recstore/pkg/log/wal"
	"recstore/pkg/logging"
	"recstore/pkg/memory"
	"recstore/pkg/metrics"
	"recstore/pkg/operation"
	"recstore/pkg/primitives"
	"recstore/pkg/recovery"
	"recstore/pkg/storage/disk"
	"recstore/pkg/storage/heap"
	"recstore/pkg/storage/page"
)

// Engine is an open record store. It is safe for concurrent use; calls made
// with the same transaction id are serialized.
type Engine struct {
	cfg     config.Config
	fs      disk.FileSystem
	wal     *wal.WAL
	pages   *page.PageFile
	pool    *memory.BufferPool
	alloc   *heap.Allocator
	locks   *lock.LockManager
	txns    *transaction.TransactionRegistry
	ops     *operation.Registry
	rec     *recovery.Manager
	metrics *metrics.Collector
	log     *slog.Logger

	// ckptMu serializes checkpoints.
	ckptMu sync.Mutex

	// mu is held shared by every call and exclusively by Close.
	mu     sync.RWMutex
	closed bool

	failMu sync.Mutex
	failed error

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	recovered recovery.Result
	opened    time.Time
}

// Open opens or creates the store described by cfg and recovers it.
//
// Returns:
//   - *Engine: the open engine, ready for new transactions
//   - error: InvalidConfig for a bad configuration or mismatched files,
//     LogCorruption if the log cannot be recovered, IOFailure if the disk
//     fails
func Open(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.fs == nil {
		o.fs = disk.OS{}
	}

	ops := operation.NewRegistry()
	for _, op := range o.ops {
		if err := ops.Register(op); err != nil {
			return nil, err
		}
	}

	w, err := wal.Open(o.fs, cfg.LogFilePath, wal.Options{BufferSize: cfg.LogBufferSize, Metrics: o.metrics})
	if err != nil {
		return nil, err
	}
	pf, err := page.Open(o.fs, cfg.PageFilePath, cfg.PageSize, w.LogID())
	if err != nil {
		discard(err, w.Abandon())
		return nil, err
	}
	pool := memory.NewBufferPool(pf, cfg.BufferCacheSizeInPages, w, o.metrics)

	e := &Engine{
		cfg:     cfg,
		fs:      o.fs,
		wal:     w,
		pages:   pf,
		pool:    pool,
		alloc:   heap.NewAllocator(cfg.PageSize),
		locks:   lock.NewLockManager(cfg.LockTimeout, o.metrics),
		txns:    transaction.NewTransactionRegistry(),
		ops:     ops,
		rec:     recovery.NewManager(w, pool, ops, o.metrics),
		metrics: o.metrics,
		log:     logging.WithComponent("engine"),
		stop:    make(chan struct{}),
		opened:  time.Now(),
	}

	if err := e.start(); err != nil {
		pool.Discard()
		discard(err, errors.Compose(w.Abandon(), pf.Close()))
		return nil, err
	}

	if cfg.CheckpointInterval > 0 {
		e.wg.Add(1)
		go e.checkpointLoop(cfg.CheckpointInterval)
	}

	e.log.Info("engine opened",
		"log", cfg.LogFilePath, "pages", cfg.PageFilePath, "page_size", cfg.PageSize,
		"num_pages", uint64(pf.NumPages()), "next_lsn", uint64(w.NextLSN()))
	return e, nil
}

// discard logs a cleanup error that would otherwise hide cause.
func discard(cause, cleanup error) {
	if cleanup != nil {
		logging.WithError(cleanup).Warn("cleanup after failed open", "cause", cause)
	}
}

// start recovers the store, rebuilds the free-space map and takes a first
// checkpoint so the next restart has less log to read.
func (e *Engine) start() error {
	res, err := e.rec.Recover()
	if err != nil {
		return err
	}
	e.recovered = res
	e.txns.Seed(res.MaxTID)

	for pageNo := primitives.FirstDataPage; pageNo < e.pages.NumPages(); pageNo++ {
		if err := e.track(pageNo); err != nil {
			return err
		}
	}

	_, err = e.checkpoint()
	return err
}

// track refreshes the allocator's entry for pageNo from the page itself.
func (e *Engine) track(pageNo primitives.PageNumber) error {
	f, err := e.pool.Pin(pageNo)
	if err != nil {
		return err
	}
	defer e.pool.Unpin(f)

	f.RLock()
	e.alloc.Track(pageNo, f.Page())
	f.RUnlock()
	return nil
}

// Close checkpoints, writes every dirty page and closes both files.
// Transactions still running are left for the next Open to roll back.
//
// A failed engine is closed without writing anything so that recovery
// starts from what is already on disk.
func (e *Engine) Close() error {
	e.stopCheckpoints()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	if err := e.Err(); err != nil {
		e.log.Warn("closing failed engine without flushing", "error", err)
		e.pool.Discard()
		return errors.Compose(e.wal.Abandon(), e.pages.Close())
	}

	err := e.pool.Close()
	if err == nil {
		_, err = e.checkpoint()
	}
	err = errors.Compose(err, e.wal.Close(), e.pages.Close())
	if err != nil {
		e.log.Error("close failed", "error", err)
		return err
	}
	e.log.Info("engine closed", "uptime", time.Since(e.opened))
	return nil
}

// Crash stops the engine the way a killed process would: buffered log
// records and dirty pages are dropped and nothing is synced. The files are
// left for Open to recover.
func (e *Engine) Crash() error {
	e.stopCheckpoints()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.pool.Discard()
	return errors.Compose(e.wal.Abandon(), e.pages.Close())
}

func (e *Engine) stopCheckpoints() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// Err returns the error that failed the engine, or nil.
func (e *Engine) Err() error {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	return e.failed
}

// Ping returns nil while the engine accepts calls, otherwise the reason
// it does not.
func (e *Engine) Ping() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.usable("Ping")
}

// check marks the engine failed when err is fatal and returns err.
func (e *Engine) check(err error) error {
	if err == nil || !dberror.IsFatal(err) {
		return err
	}
	e.failMu.Lock()
	defer e.failMu.Unlock()
	if e.failed == nil {
		e.failed = err
		logging.WithError(err).Error("engine failed; reopen to recover")
	}
	return e.failed
}

// usable reports why a call cannot proceed. The caller holds mu shared.
func (e *Engine) usable(op string) error {
	if e.closed {
		return dberror.EngineClosed(op)
	}
	return e.Err()
}

// enter starts a call on behalf of tid, which must be active. The returned
// func ends it.
func (e *Engine) enter(tid primitives.TransactionID, op string) (*transaction.TransactionContext, func(), error) {
	return e.enterIn(tid, op, transaction.TxActive)
}

// enterIn is enter for a transaction in any of the given states.
func (e *Engine) enterIn(tid primitives.TransactionID, op string, states ...transaction.TransactionStatus) (*transaction.TransactionContext, func(), error) {
	e.mu.RLock()
	if err := e.usable(op); err != nil {
		e.mu.RUnlock()
		return nil, nil, err
	}
	tc, err := e.txns.Get(tid, op)
	if err != nil {
		e.mu.RUnlock()
		return nil, nil, err
	}
	tc.Enter()
	if err := tc.RequireStatus(op, states...); err != nil {
		tc.Exit()
		e.mu.RUnlock()
		return nil, nil, err
	}
	return tc, func() {
		tc.Exit()
		e.mu.RUnlock()
	}, nil
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// Operations returns the operation registry, built-ins and WithOperation
// registrations included.
func (e *Engine) Operations() *operation.Registry {
	return e.ops
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	ActiveTransactions int
	Transactions       []transaction.TransactionStats
	NumPages           primitives.PageNumber
	CacheCapacity      int
	CachedPages        int
	PinnedPages        int
	DirtyPages         int

	StartLSN      primitives.LSN
	NextLSN       primitives.LSN
	DurableLSN    primitives.LSN
	CheckpointLSN primitives.LSN

	Recovery recovery.Result
	Uptime   time.Duration
	Failed   error
}

// Stats returns current engine statistics. Transactions is ordered by id.
func (e *Engine) Stats() Stats {
	cached, pinned := e.pool.Stats()
	var txns []transaction.TransactionStats
	for _, tc := range e.txns.GetAll() {
		txns = append(txns, tc.GetStatistics())
	}
	slices.SortFunc(txns, func(a, b transaction.TransactionStats) int { return cmp.Compare(a.ID, b.ID) })
	return Stats{
		ActiveTransactions: e.txns.Count(),
		Transactions:       txns,
		NumPages:           e.pages.NumPages(),
		CacheCapacity:      e.pool.Capacity(),
		CachedPages:        cached,
		PinnedPages:        pinned,
		DirtyPages:         len(e.pool.DirtyPages()),
		StartLSN:           e.wal.StartLSN(),
		NextLSN:            e.wal.NextLSN(),
		DurableLSN:         e.wal.DurableLSN(),
		CheckpointLSN:      e.wal.CheckpointLSN(),
		Recovery:           e.recovered,
		Uptime:             time.Since(e.opened),
		Failed:             e.Err(),
	}
}

func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "txns=%d pages=%d cached=%d/%d pinned=%d dirty=%d log=[%d,%d) durable=%d checkpoint=%d",
		s.ActiveTransactions, s.NumPages, s.CachedPages, s.CacheCapacity, s.PinnedPages, s.DirtyPages,
		s.StartLSN, s.NextLSN, s.DurableLSN, s.CheckpointLSN)
	for _, t := range s.Transactions {
		fmt.Fprintf(&b, "\n%s %s age=%s reads=%d writes=%d allocs=%d frees=%d dirty=%d last=%d",
			t.ID, t.Status, t.Duration.Round(time.Millisecond), t.RecordsRead, t.RecordsWritten,
			t.RecordsAllocated, t.RecordsFreed, t.DirtyPages, t.LastLSN)
	}
	return b.String()
}
