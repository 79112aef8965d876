package reconcile

import (
	"context"
	"testing"
	"time"

	"microtask-settlement/internal/escrow"
	"microtask-settlement/internal/models"
	testutil "microtask-settlement/internal/testing"
	"microtask-settlement/pkg/events"
	"microtask-settlement/pkg/logging"
)

func newFixture(t *testing.T) (*Reconciler, *testutil.MockRepository, *testutil.MockEscrowClient, *testutil.MockEventStore) {
	t.Helper()
	repo := testutil.NewMockRepository()
	chain := testutil.NewMockEscrowClient()
	store := testutil.NewMockEventStore()
	logger, err := logging.NewLogger(logging.DefaultLogConfig())
	if err != nil {
		t.Fatalf("logging.NewLogger: %v", err)
	}
	return New(repo, chain, store, logger, time.Minute, 100), repo, chain, store
}

func TestSweepPassesWhenLedgerMatchesChain(t *testing.T) {
	r, repo, chain, store := newFixture(t)
	repo.Tasks[10] = &models.TaskRecord{ID: 10, Status: models.TaskCompleted, ContractTaskID: 1010}
	chain.States[1010] = &escrow.TaskState{TaskID: 1010, Status: escrow.TaskStatusCompleted}

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if types := store.Types(); len(types) != 0 {
		t.Errorf("events = %v, want none for a matching ledger", types)
	}
}

func TestSweepFlagsLedgerChainMismatch(t *testing.T) {
	r, repo, chain, store := newFixture(t)
	repo.Tasks[10] = &models.TaskRecord{ID: 10, Status: models.TaskCompleted, ContractTaskID: 1010}
	chain.States[1010] = &escrow.TaskState{TaskID: 1010, Status: escrow.TaskStatusActive}

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	types := store.Types()
	if len(types) != 1 || types[0] != events.TypeReconcileMismatch {
		t.Fatalf("events = %v, want one reconcile.mismatch", types)
	}
	ev, ok := store.Appended[0].(events.ReconcileMismatch)
	if !ok {
		t.Fatalf("event type = %T", store.Appended[0])
	}
	if ev.TaskID != 10 || ev.LedgerState != "completed" || ev.ChainState != "active" {
		t.Errorf("mismatch event = %+v", ev)
	}
}

func TestSweepSkipsUnreadableChainState(t *testing.T) {
	r, repo, chain, store := newFixture(t)
	repo.Tasks[10] = &models.TaskRecord{ID: 10, Status: models.TaskCompleted, ContractTaskID: 1010}
	repo.Tasks[11] = &models.TaskRecord{ID: 11, Status: models.TaskCompleted, ContractTaskID: 1011}
	// 1010 has no on-chain record at all; 1011 disagrees with the ledger.
	chain.States[1011] = &escrow.TaskState{TaskID: 1011, Status: escrow.TaskStatusCancelled}

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	types := store.Types()
	if len(types) != 1 || types[0] != events.TypeReconcileMismatch {
		t.Errorf("events = %v, want exactly one mismatch (unreadable task skipped)", types)
	}
}

func TestSweepIgnoresActiveTasks(t *testing.T) {
	r, repo, chain, _ := newFixture(t)
	repo.Tasks[10] = &models.TaskRecord{ID: 10, Status: models.TaskActive, ContractTaskID: 1010}

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if chain.GetTaskCalls != 0 {
		t.Errorf("chain reads = %d, want 0 for a sweep with no completed tasks", chain.GetTaskCalls)
	}
}
