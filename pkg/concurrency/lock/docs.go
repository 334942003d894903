// Package lock implements strict two-phase page locking.
//
// A transaction takes a [SharedLock] to read a page and an [ExclusiveLock]
// to change it, and keeps every lock until it commits or aborts. A shared
// lock may be upgraded to exclusive when no other transaction holds the
// page; locks are never downgraded.
//
// [LockManager] is the entry point. Internally it coordinates:
//
//   - [LockTable]: which transactions hold which pages, in both directions.
//   - [WaitQueue]: FIFO queues of requests that could not be granted.
//   - [DependencyGraph]: the wait-for graph. An edge A→B means A waits on B.
//
// # Lock Acquisition Flow
//
//  1. If the transaction already holds a sufficient lock, return.
//  2. If the lock is compatible with the holders and no conflicting request
//     is queued ahead, grant it.
//  3. Otherwise queue the request and record wait-for edges. If the graph now
//     has a cycle, drop the request and fail with Deadlock.
//  4. Sleep until a lock on the page is released or the timeout passes, then
//     retry from step 1. Past the timeout the call fails with LockTimeout.
//
// Nothing here is persistent: locks are rebuilt from nothing after restart,
// since recovery finishes every in-flight transaction before new work starts.
package lock
