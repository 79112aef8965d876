package settlement

import (
	"context"
	"testing"
	"time"

	"microtask-settlement/internal/escrow"
	"microtask-settlement/internal/models"
	"microtask-settlement/internal/notify"
	testutil "microtask-settlement/internal/testing"
	errs "microtask-settlement/pkg/errors"
	"microtask-settlement/pkg/events"
	"microtask-settlement/pkg/logging"
)

func newFixture(t *testing.T) (*Service, *testutil.MockRepository, *testutil.MockEscrowClient, *testutil.MockEventStore, *testutil.MockPublisher) {
	t.Helper()
	repo := testutil.NewMockRepository()
	chain := testutil.NewMockEscrowClient()
	store := testutil.NewMockEventStore()
	pub := testutil.NewMockPublisher()

	repo.Submissions[1] = &models.Submission{ID: 1, TaskID: 10, WorkerID: 100, VerificationStatus: models.StatusPending}
	repo.Tasks[10] = &models.TaskRecord{ID: 10, RequesterID: 7, Status: models.TaskActive, ContractTaskID: 1010, RewardAmount: "0.25", TaskType: "text"}
	repo.Users[100] = &models.User{ID: 100, Username: "worker", WalletAddress: "0xworker100"}
	chain.States[1010] = &escrow.TaskState{TaskID: 1010, Requester: "0xrequester", Reward: "0.25", Status: escrow.TaskStatusActive}

	logger, err := logging.NewLogger(logging.DefaultLogConfig())
	if err != nil {
		t.Fatalf("logging.NewLogger: %v", err)
	}
	svc := NewService(chain, repo, repo, store, pub, logger, Config{MaxAttempts: 3, RetryDelay: time.Millisecond})
	svc.sleepFn = func(time.Duration) {}
	return svc, repo, chain, store, pub
}

func TestApproveSucceedsFirstAttempt(t *testing.T) {
	svc, repo, chain, store, pub := newFixture(t)

	res, err := svc.ApproveWithRetry(context.Background(), mustSub(t, repo, 1), mustTask(t, repo, 10))
	if err != nil {
		t.Fatalf("ApproveWithRetry error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.TxHash != "0xmocktx" || res.Attempts != 1 {
		t.Errorf("result = %+v, want tx 0xmocktx after 1 attempt", res)
	}
	if chain.ApproveCalls != 1 {
		t.Errorf("approve called %d times, want 1", chain.ApproveCalls)
	}

	// Ledger side effects.
	p, _ := repo.GetPaymentCtx(context.Background(), 10, 100)
	if p == nil || p.Status != models.PaymentCompleted {
		t.Errorf("payment record = %+v, want completed", p)
	}
	task, _ := repo.GetTaskCtx(context.Background(), 10)
	if task.Status != models.TaskCompleted {
		t.Errorf("task status = %s, want completed", task.Status)
	}
	sub, _ := repo.GetSubmissionCtx(context.Background(), 1)
	if sub.PaymentTxHash == nil || *sub.PaymentTxHash != "0xmocktx" {
		t.Error("submission missing payment tx hash")
	}
	user, _ := repo.GetUserCtx(context.Background(), 100)
	if user.TotalTasksCompleted != 1 {
		t.Errorf("user tasks completed = %d, want 1", user.TotalTasksCompleted)
	}

	if types := store.Types(); len(types) != 1 || types[0] != events.TypePaymentReleased {
		t.Errorf("events = %v, want [payment.released]", types)
	}
	if types := pub.Types(); len(types) != 1 || types[0] != notify.TypePaymentReleased {
		t.Errorf("notifications = %v, want [PAYMENT_RELEASED]", types)
	}
}

func TestApproveRetriesTransientThenSucceeds(t *testing.T) {
	svc, repo, chain, _, _ := newFixture(t)
	transient := errs.NewChain("escrow.call", "node timeout", nil, false)
	chain.ApproveErr = []error{transient, transient, nil}

	res, err := svc.ApproveWithRetry(context.Background(), mustSub(t, repo, 1), mustTask(t, repo, 10))
	if err != nil {
		t.Fatalf("ApproveWithRetry error: %v", err)
	}
	if !res.Success || res.Attempts != 3 {
		t.Errorf("result = %+v, want success on attempt 3", res)
	}
	if chain.ApproveCalls != 3 {
		t.Errorf("approve called %d times, want 3", chain.ApproveCalls)
	}
}

func TestApproveExhaustsTransientFailures(t *testing.T) {
	svc, repo, chain, store, pub := newFixture(t)
	transient := errs.NewChain("escrow.call", "node timeout", nil, false)
	chain.ApproveErr = []error{transient, transient, transient}

	res, err := svc.ApproveWithRetry(context.Background(), mustSub(t, repo, 1), mustTask(t, repo, 10))
	if err != nil {
		t.Fatalf("ApproveWithRetry error: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure after exhausted retries")
	}
	if res.Attempts != 3 || res.Permanent {
		t.Errorf("result = %+v, want 3 non-permanent attempts", res)
	}
	if chain.ApproveCalls != 3 {
		t.Errorf("approve called %d times, want exactly 3", chain.ApproveCalls)
	}

	p, _ := repo.GetPaymentCtx(context.Background(), 10, 100)
	if p == nil || p.Status != models.PaymentFailed {
		t.Errorf("payment record = %+v, want failed", p)
	}
	if types := store.Types(); len(types) != 1 || types[0] != events.TypePaymentFailed {
		t.Errorf("events = %v, want [payment.failed]", types)
	}
	if nts := pub.Types(); len(nts) != 1 || nts[0] != notify.TypeSubmissionRejected {
		t.Errorf("notifications = %v, want [SUBMISSION_REJECTED]", nts)
	}
}

func TestApprovePermanentErrorShortCircuits(t *testing.T) {
	svc, repo, chain, _, _ := newFixture(t)
	chain.ApproveErr = []error{errs.NewChain("escrow.call", "execution reverted", nil, true)}

	res, err := svc.ApproveWithRetry(context.Background(), mustSub(t, repo, 1), mustTask(t, repo, 10))
	if err != nil {
		t.Fatalf("ApproveWithRetry error: %v", err)
	}
	if res.Success || !res.Permanent {
		t.Errorf("result = %+v, want permanent failure", res)
	}
	if chain.ApproveCalls != 1 {
		t.Errorf("approve called %d times, want 1 (no retry on permanent)", chain.ApproveCalls)
	}
}

func TestApproveMissingOnChainTaskIsPermanent(t *testing.T) {
	svc, repo, chain, _, _ := newFixture(t)
	delete(chain.States, 1010)

	res, err := svc.ApproveWithRetry(context.Background(), mustSub(t, repo, 1), mustTask(t, repo, 10))
	if err != nil {
		t.Fatalf("ApproveWithRetry error: %v", err)
	}
	if res.Success || !res.Permanent {
		t.Errorf("result = %+v, want permanent failure for missing task", res)
	}
	if chain.ApproveCalls != 0 {
		t.Errorf("approve called %d times, want 0 (pre-check short-circuits)", chain.ApproveCalls)
	}
}

func TestApproveRecoversAlreadySettledTask(t *testing.T) {
	svc, repo, chain, _, pub := newFixture(t)
	chain.States[1010].Status = escrow.TaskStatusCompleted
	chain.States[1010].ApprovedWorker = "0xworker100"

	res, err := svc.ApproveWithRetry(context.Background(), mustSub(t, repo, 1), mustTask(t, repo, 10))
	if err != nil {
		t.Fatalf("ApproveWithRetry error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected recovery success, got %+v", res)
	}
	if chain.ApproveCalls != 0 {
		t.Errorf("approve called %d times, want 0 for recovery", chain.ApproveCalls)
	}
	if res.TxHash != "recovered:1010" {
		t.Errorf("tx hash = %q, want sentinel recovered:1010", res.TxHash)
	}
	if types := pub.Types(); len(types) != 1 || types[0] != notify.TypePaymentReleased {
		t.Errorf("notifications = %v, want [PAYMENT_RELEASED]", types)
	}
}

func TestApproveTaskCompletedForOtherWorkerFails(t *testing.T) {
	svc, repo, chain, _, _ := newFixture(t)
	chain.States[1010].Status = escrow.TaskStatusCompleted
	chain.States[1010].ApprovedWorker = "0xsomeoneelse"

	res, err := svc.ApproveWithRetry(context.Background(), mustSub(t, repo, 1), mustTask(t, repo, 10))
	if err != nil {
		t.Fatalf("ApproveWithRetry error: %v", err)
	}
	if res.Success || !res.Permanent {
		t.Errorf("result = %+v, want permanent failure", res)
	}
}

func TestRollbackPaymentOnlyDeletesPending(t *testing.T) {
	svc, repo, _, _, _ := newFixture(t)
	ctx := context.Background()

	if _, err := repo.CreatePaymentCtx(ctx, &models.PaymentRecord{TaskID: 10, WorkerID: 100, Amount: "0.25", Status: models.PaymentPending}); err != nil {
		t.Fatalf("CreatePaymentCtx: %v", err)
	}
	if err := svc.RollbackPayment(ctx, 10, 100); err != nil {
		t.Fatalf("RollbackPayment: %v", err)
	}
	if p, _ := repo.GetPaymentCtx(ctx, 10, 100); p != nil {
		t.Errorf("pending payment survived rollback: %+v", p)
	}

	// A completed payment must survive.
	if _, err := repo.CreatePaymentCtx(ctx, &models.PaymentRecord{TaskID: 10, WorkerID: 100, Amount: "0.25", Status: models.PaymentPending}); err != nil {
		t.Fatalf("CreatePaymentCtx: %v", err)
	}
	if err := repo.CompletePaymentCtx(ctx, 10, 100, "0xdone"); err != nil {
		t.Fatalf("CompletePaymentCtx: %v", err)
	}
	if err := svc.RollbackPayment(ctx, 10, 100); err != nil {
		t.Fatalf("RollbackPayment: %v", err)
	}
	if p, _ := repo.GetPaymentCtx(ctx, 10, 100); p == nil || p.Status != models.PaymentCompleted {
		t.Error("completed payment must never be rolled back")
	}
}

func TestRejectRefundsAndCancelsTask(t *testing.T) {
	svc, repo, chain, _, _ := newFixture(t)
	ctx := context.Background()

	tx, err := svc.Reject(ctx, 10, 100)
	if err != nil {
		t.Fatalf("Reject error: %v", err)
	}
	if tx == "" {
		t.Error("expected refund tx hash")
	}
	if chain.RejectCalls != 1 {
		t.Errorf("reject called %d times, want 1", chain.RejectCalls)
	}
	task, _ := repo.GetTaskCtx(ctx, 10)
	if task.Status != models.TaskCancelled {
		t.Errorf("task status = %s, want cancelled", task.Status)
	}
}

func mustSub(t *testing.T, repo *testutil.MockRepository, id int64) *models.Submission {
	t.Helper()
	s, err := repo.GetSubmissionCtx(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSubmissionCtx: %v", err)
	}
	return s
}

func mustTask(t *testing.T, repo *testutil.MockRepository, id int64) *models.TaskRecord {
	t.Helper()
	task, err := repo.GetTaskCtx(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTaskCtx: %v", err)
	}
	return task
}
