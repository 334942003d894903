package memory

import (
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"recstore/pkg/dberror"
	"recstore/pkg/log/record"
	"recstore/pkg/logging"
	"recstore/pkg/metrics"
	"recstore/pkg/primitives"
	"recstore/pkg/storage/heap"
	"recstore/pkg/storage/page"
)

// flushParallelism bounds the concurrent page writes of FlushAll.
const flushParallelism = 8

// LogFlusher forces the log. The buffer pool calls ForceTo(pageLSN) before
// writing a page so no page reaches disk ahead of the log describing it.
type LogFlusher interface {
	ForceTo(lsn primitives.LSN) error
}

// Frame is one cached page. The latch protects the page bytes: readers hold
// it shared, writers exclusively. Pin state and dirty tracking belong to the
// pool.
type Frame struct {
	pool   *BufferPool
	pageNo primitives.PageNumber
	data   []byte
	latch  sync.RWMutex

	// guarded by pool.mu
	pinCount int
	dirty    bool
	recLSN   primitives.LSN
}

func (f *Frame) PageNo() primitives.PageNumber { return f.pageNo }

// Data returns the page bytes. Hold the latch while using them.
func (f *Frame) Data() []byte { return f.data }

// Page views the frame as a slotted page.
func (f *Frame) Page() *heap.HeapPage { return heap.Wrap(f.data) }

func (f *Frame) Lock()    { f.latch.Lock() }
func (f *Frame) Unlock()  { f.latch.Unlock() }
func (f *Frame) RLock()   { f.latch.RLock() }
func (f *Frame) RUnlock() { f.latch.RUnlock() }

// MarkDirty records that the log record at lsn changed the page. The first
// such LSN since the page was last written becomes its recLSN.
func (f *Frame) MarkDirty(lsn primitives.LSN) {
	f.pool.mu.Lock()
	defer f.pool.mu.Unlock()
	if !f.dirty {
		f.dirty = true
		f.recLSN = lsn
	}
}

// BufferPool caches a bounded number of pages with LRU replacement.
//
// The policy is steal/no-force: a dirty page of a running transaction may be
// written when its frame is needed, and commit never writes pages. Every
// page write is preceded by ForceTo(pageLSN).
//
// After a failed page write the pool refuses all further work.
type BufferPool struct {
	file    *page.PageFile
	wal     LogFlusher
	metrics *metrics.Collector
	log     *slog.Logger

	mu    sync.Mutex
	cache *lruCache

	// unsynced holds pages written since the last page file sync, with the
	// recLSN they had while dirty. They still count as dirty for
	// checkpoints until the sync lands.
	unsynced map[primitives.PageNumber]primitives.LSN
	failed   error
}

// NewBufferPool creates a pool of capacity frames over file.
func NewBufferPool(file *page.PageFile, capacity int, wal LogFlusher, m *metrics.Collector) *BufferPool {
	return &BufferPool{
		file:     file,
		wal:      wal,
		metrics:  m,
		log:      logging.WithComponent("bufferpool"),
		cache:    newLRUCache(capacity),
		unsynced: make(map[primitives.PageNumber]primitives.LSN),
	}
}

// Capacity returns the number of frames.
func (bp *BufferPool) Capacity() int {
	return bp.cache.maxSize
}

// PageSize returns the size of every frame.
func (bp *BufferPool) PageSize() int {
	return bp.file.PageSize()
}

// Pin returns the frame holding pageNo, reading it from the page file on a
// miss. The frame stays resident until the matching Unpin.
//
// Returns:
//   - *Frame: the pinned frame
//   - error: BufferPoolExhausted when every frame is pinned, IOFailure if a
//     read or an eviction write fails
func (bp *BufferPool) Pin(pageNo primitives.PageNumber) (*Frame, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if bp.failed != nil {
		return nil, bp.failed
	}

	if f, ok := bp.cache.get(pageNo); ok {
		f.pinCount++
		bp.metrics.BufferHit()
		return f, nil
	}
	bp.metrics.BufferMiss()

	if err := bp.makeRoomLocked(); err != nil {
		return nil, err
	}
	// Another caller may have loaded the page while a victim was written.
	if f, ok := bp.cache.get(pageNo); ok {
		f.pinCount++
		return f, nil
	}

	data, err := bp.file.ReadPage(pageNo)
	if err != nil {
		return nil, bp.failLocked(err)
	}
	f := &Frame{pool: bp, pageNo: pageNo, data: data, pinCount: 1}
	bp.cache.put(f)
	return f, nil
}

// NewPage allocates a fresh page and returns it pinned and zeroed.
func (bp *BufferPool) NewPage() (*Frame, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if bp.failed != nil {
		return nil, bp.failed
	}
	if err := bp.makeRoomLocked(); err != nil {
		return nil, err
	}

	pageNo, err := bp.file.AllocatePage()
	if err != nil {
		return nil, bp.failLocked(err)
	}
	f := &Frame{pool: bp, pageNo: pageNo, data: make([]byte, bp.file.PageSize()), pinCount: 1}
	bp.cache.put(f)
	logging.WithPage(pageNo).Debug("allocated page")
	return f, nil
}

// Unpin releases one pin on f.
func (bp *BufferPool) Unpin(f *Frame) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if f.pinCount > 0 {
		f.pinCount--
	}
}

// makeRoomLocked evicts least recently used unpinned frames until one is
// free. A dirty victim is pinned and written through flushFrame with bp.mu
// released, so MarkDirty on other frames never waits for the log force or
// the page write. bp.mu is held again when it returns.
func (bp *BufferPool) makeRoomLocked() error {
	for bp.cache.full() {
		if bp.failed != nil {
			return bp.failed
		}
		victim, ok := bp.cache.victim()
		if !ok {
			return dberror.BufferPoolExhausted(bp.cache.maxSize)
		}
		if !victim.dirty {
			bp.cache.remove(victim.pageNo)
			bp.metrics.Evicted()
			continue
		}

		victim.pinCount++
		bp.mu.Unlock()
		err := bp.flushFrame(victim)
		bp.mu.Lock()
		victim.pinCount--
		if err != nil {
			return err
		}
	}
	return nil
}

func (bp *BufferPool) writePage(f *Frame) error {
	if err := bp.wal.ForceTo(heap.Wrap(f.data).LSN()); err != nil {
		return err
	}
	if err := bp.file.WritePage(f.pageNo, f.data); err != nil {
		return err
	}
	bp.metrics.PageWritten()
	return nil
}

func (bp *BufferPool) cleanLocked(f *Frame) {
	if prev, ok := bp.unsynced[f.pageNo]; !ok || f.recLSN < prev {
		bp.unsynced[f.pageNo] = f.recLSN
	}
	f.dirty = false
	f.recLSN = primitives.InvalidLSN
}

// FlushPage writes pageNo if it is cached and dirty. It does not sync the
// page file.
func (bp *BufferPool) FlushPage(pageNo primitives.PageNumber) error {
	bp.mu.Lock()
	if bp.failed != nil {
		bp.mu.Unlock()
		return bp.failed
	}
	f, ok := bp.cache.peek(pageNo)
	if !ok || !f.dirty {
		bp.mu.Unlock()
		return nil
	}
	f.pinCount++
	bp.mu.Unlock()

	defer bp.Unpin(f)
	return bp.flushFrame(f)
}

// flushFrame writes a pinned frame under its shared latch, so no writer can
// change the page between the write and clearing the dirty bit.
func (bp *BufferPool) flushFrame(f *Frame) error {
	f.RLock()
	defer f.RUnlock()

	bp.mu.Lock()
	dirty := f.dirty
	bp.mu.Unlock()
	if !dirty {
		return nil
	}

	err := bp.writePage(f)

	bp.mu.Lock()
	defer bp.mu.Unlock()
	if err != nil {
		return bp.failLocked(err)
	}
	bp.cleanLocked(f)
	return nil
}

// FlushAll writes every dirty page and syncs the page file.
func (bp *BufferPool) FlushAll() error {
	bp.mu.Lock()
	if bp.failed != nil {
		bp.mu.Unlock()
		return bp.failed
	}
	var dirty []*Frame
	for _, f := range bp.cache.frames() {
		if f.dirty {
			f.pinCount++
			dirty = append(dirty, f)
		}
	}
	bp.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(flushParallelism)
	for _, f := range dirty {
		g.Go(func() error {
			defer bp.Unpin(f)
			return bp.flushFrame(f)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return bp.Sync()
}

// Sync makes every page written so far durable.
func (bp *BufferPool) Sync() error {
	bp.mu.Lock()
	if bp.failed != nil {
		bp.mu.Unlock()
		return bp.failed
	}
	written := make(map[primitives.PageNumber]primitives.LSN, len(bp.unsynced))
	for p, lsn := range bp.unsynced {
		written[p] = lsn
	}
	bp.mu.Unlock()

	err := bp.file.Sync()

	bp.mu.Lock()
	defer bp.mu.Unlock()
	if err != nil {
		return bp.failLocked(err)
	}
	for p, lsn := range written {
		if bp.unsynced[p] == lsn {
			delete(bp.unsynced, p)
		}
	}
	return nil
}

// DirtyPages returns the pages whose latest changes may not be on disk,
// with the LSN of the first record that may be missing. Pages written but
// not yet synced are included.
func (bp *BufferPool) DirtyPages() []record.DirtyPageEntry {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	recLSN := make(map[primitives.PageNumber]primitives.LSN, len(bp.unsynced))
	for p, lsn := range bp.unsynced {
		recLSN[p] = lsn
	}
	for _, f := range bp.cache.frames() {
		if !f.dirty {
			continue
		}
		if prev, ok := recLSN[f.pageNo]; !ok || f.recLSN < prev {
			recLSN[f.pageNo] = f.recLSN
		}
	}

	out := make([]record.DirtyPageEntry, 0, len(recLSN))
	for p, lsn := range recLSN {
		out = append(out, record.DirtyPageEntry{Page: p, RecLSN: lsn})
	}
	return out
}

// Stats reports the number of cached and pinned frames.
func (bp *BufferPool) Stats() (cached, pinned int) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, f := range bp.cache.frames() {
		if f.pinCount > 0 {
			pinned++
		}
	}
	return bp.cache.size(), pinned
}

// Err returns the error that failed the pool, if any.
func (bp *BufferPool) Err() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.failed
}

func (bp *BufferPool) failLocked(err error) error {
	if !dberror.IsFatal(err) {
		return err
	}
	if bp.failed == nil {
		bp.failed = err
		bp.log.Error("buffer pool failed", "error", err)
	}
	return bp.failed
}

// Close writes all dirty pages, syncs and empties the pool.
func (bp *BufferPool) Close() error {
	err := bp.FlushAll()
	bp.Discard()
	return err
}

// Discard drops every frame without writing it, as a crash would.
func (bp *BufferPool) Discard() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.cache.clear()
	clear(bp.unsynced)
}
