package lock

import (
	"testing"

	"recstore/pkg/primitives"
)

func TestDependencyGraphCycles(t *testing.T) {
	tests := []struct {
		name  string
		edges [][2]primitives.TransactionID
		cycle bool
	}{
		{"empty", nil, false},
		{"chain", [][2]primitives.TransactionID{{1, 2}, {2, 3}}, false},
		{"two-cycle", [][2]primitives.TransactionID{{1, 2}, {2, 1}}, true},
		{"three-cycle", [][2]primitives.TransactionID{{1, 2}, {2, 3}, {3, 1}}, true},
		{"diamond", [][2]primitives.TransactionID{{1, 2}, {1, 3}, {2, 4}, {3, 4}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dg := NewDependencyGraph()
			for _, e := range tt.edges {
				dg.AddEdge(e[0], e[1])
			}
			if got := dg.HasCycle(); got != tt.cycle {
				t.Errorf("HasCycle() = %v, want %v", got, tt.cycle)
			}
		})
	}
}

func TestRemoveTransactionBreaksCycle(t *testing.T) {
	dg := NewDependencyGraph()
	dg.AddEdge(1, 2)
	dg.AddEdge(2, 3)
	dg.AddEdge(3, 1)
	if !dg.HasCycle() {
		t.Fatal("cycle not found")
	}

	dg.RemoveTransaction(2)
	if dg.HasCycle() {
		t.Fatal("cycle survived removal of a member")
	}
	if len(dg.GetWaitingTransactions()) != 1 {
		t.Errorf("waiters = %v, want only T3", dg.GetWaitingTransactions())
	}
}

func TestClearWaitsKeepsIncomingEdges(t *testing.T) {
	dg := NewDependencyGraph()
	dg.AddEdge(1, 2)
	dg.AddEdge(2, 3)

	dg.ClearWaits(2)
	waiters := dg.GetWaitingTransactions()
	if len(waiters) != 1 || waiters[0] != 1 {
		t.Errorf("waiters = %v, want [T1]", waiters)
	}
}
