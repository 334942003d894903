package lock

import (
	"recstore/pkg/primitives"
)

// DependencyGraph tracks wait-for relationships between transactions for deadlock detection.
// If transaction A is waiting for a lock held by transaction B, there is an edge from A to B.
// A cycle means deadlock; the transaction whose request closed the cycle is refused.
//
// DependencyGraph is not synchronized; the LockManager mutex guards it.
type DependencyGraph struct {
	edges      map[primitives.TransactionID]map[primitives.TransactionID]bool
	cacheValid bool // Track if cycle cache is valid
	lastResult bool // Cache the last cycle detection result
}

// NewDependencyGraph creates and initializes a new dependency graph for deadlock detection.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		edges: make(map[primitives.TransactionID]map[primitives.TransactionID]bool),
	}
}

// AddEdge records that waiter is blocked by holder.
func (dg *DependencyGraph) AddEdge(waiter, holder primitives.TransactionID) {
	if dg.edges[waiter] == nil {
		dg.edges[waiter] = make(map[primitives.TransactionID]bool)
	}
	if !dg.edges[waiter][holder] {
		dg.edges[waiter][holder] = true
		dg.cacheValid = false
	}
}

// ClearWaits removes the outgoing edges of waiter, leaving edges of others
// that wait on it.
func (dg *DependencyGraph) ClearWaits(waiter primitives.TransactionID) {
	if _, ok := dg.edges[waiter]; ok {
		delete(dg.edges, waiter)
		dg.cacheValid = false
	}
}

// RemoveTransaction removes every edge touching tid.
func (dg *DependencyGraph) RemoveTransaction(tid primitives.TransactionID) {
	delete(dg.edges, tid)
	for waiter, holders := range dg.edges {
		delete(holders, tid)
		if len(holders) == 0 {
			delete(dg.edges, waiter)
		}
	}
	dg.cacheValid = false
}

// HasCycle reports whether the graph contains a cycle. The result is cached
// until the graph changes.
func (dg *DependencyGraph) HasCycle() bool {
	if dg.cacheValid {
		return dg.lastResult
	}

	visited := make(map[primitives.TransactionID]bool)
	recStack := make(map[primitives.TransactionID]bool)

	dg.lastResult = false
	for tid := range dg.edges {
		if !visited[tid] && dg.hasCycleDFS(tid, visited, recStack) {
			dg.lastResult = true
			break
		}
	}
	dg.cacheValid = true
	return dg.lastResult
}

func (dg *DependencyGraph) hasCycleDFS(tid primitives.TransactionID, visited, recStack map[primitives.TransactionID]bool) bool {
	visited[tid] = true
	recStack[tid] = true

	for neighbor := range dg.edges[tid] {
		if !visited[neighbor] {
			if dg.hasCycleDFS(neighbor, visited, recStack) {
				return true
			}
		} else if recStack[neighbor] {
			return true
		}
	}

	recStack[tid] = false
	return false
}

// GetWaitingTransactions returns every transaction with an outgoing edge.
func (dg *DependencyGraph) GetWaitingTransactions() []primitives.TransactionID {
	waiters := make([]primitives.TransactionID, 0, len(dg.edges))
	for tid := range dg.edges {
		waiters = append(waiters, tid)
	}
	return waiters
}
