package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"

	"microtask-settlement/internal/models"
	"microtask-settlement/internal/notify"
	"microtask-settlement/internal/queue"
	"microtask-settlement/internal/settlement"
	testutil "microtask-settlement/internal/testing"
	"microtask-settlement/pkg/events"
	"microtask-settlement/pkg/logging"
)

type fakeModerator struct {
	result *models.ModerationResult
	err    error
	calls  int
}

func (f *fakeModerator) Moderate(ctx context.Context, content, taskType string) (*models.ModerationResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeVerifier struct {
	result     *models.VerificationResult
	err        error
	textCalls  int
	imageCalls int
}

func (f *fakeVerifier) VerifyText(ctx context.Context, content, criteria string) (*models.VerificationResult, error) {
	f.textCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeVerifier) VerifyImage(ctx context.Context, imageURL, criteria string) (*models.VerificationResult, error) {
	f.imageCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeSettler struct {
	result        *settlement.Result
	err           error
	approveCalls  int
	rollbackCalls int
}

func (f *fakeSettler) ApproveWithRetry(ctx context.Context, sub *models.Submission, task *models.TaskRecord) (*settlement.Result, error) {
	f.approveCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeSettler) RollbackPayment(ctx context.Context, taskID, workerID int64) error {
	f.rollbackCalls++
	return nil
}

func cleanModeration() *models.ModerationResult {
	return &models.ModerationResult{Action: models.ActionApprove, Source: "ai"}
}

func flaggedModeration() *models.ModerationResult {
	return &models.ModerationResult{Flagged: true, Action: models.ActionFlagReview, Source: "ai", Explanation: "possible spam"}
}

func newTestWorker(t *testing.T, m Moderator, v Verifier, s Settler) (*Worker, *testutil.MockRepository, *testutil.MockEventStore, *testutil.MockPublisher) {
	t.Helper()
	repo := testutil.NewMockRepository()
	repo.Submissions[1] = &models.Submission{ID: 1, TaskID: 10, WorkerID: 100, VerificationStatus: models.StatusPending}
	repo.Tasks[10] = &models.TaskRecord{ID: 10, RequesterID: 7, Status: models.TaskActive, ContractTaskID: 1010, RewardAmount: "0.25", TaskType: "text"}

	store := testutil.NewMockEventStore()
	pub := testutil.NewMockPublisher()
	logger, err := logging.NewLogger(logging.DefaultLogConfig())
	if err != nil {
		t.Fatalf("logging.NewLogger: %v", err)
	}
	return New(repo, m, v, s, store, pub, logger), repo, store, pub
}

func verifyTask(t *testing.T, subID, taskID, workerID int64) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(models.VerificationJob{
		SubmissionID:         subID,
		TaskID:               taskID,
		WorkerID:             workerID,
		SubmissionData:       "the capital of France is Paris",
		VerificationCriteria: "answer names the correct capital",
		TaskType:             "text",
	})
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return asynq.NewTask(queue.TypeVerifySubmission, payload)
}

func TestProcessTaskApprovesAndSettles(t *testing.T) {
	mod := &fakeModerator{result: cleanModeration()}
	ver := &fakeVerifier{result: &models.VerificationResult{Approved: true, Score: 92}}
	set := &fakeSettler{result: &settlement.Result{Success: true, TxHash: "0xabc", Attempts: 1}}
	w, repo, store, pub := newTestWorker(t, mod, ver, set)

	if err := w.ProcessTask(context.Background(), verifyTask(t, 1, 10, 100)); err != nil {
		t.Fatalf("ProcessTask error: %v", err)
	}

	if mod.calls != 1 || ver.textCalls != 1 || set.approveCalls != 1 {
		t.Errorf("calls = mod %d, verify %d, settle %d; want 1 each", mod.calls, ver.textCalls, set.approveCalls)
	}
	sub, _ := repo.GetSubmissionCtx(context.Background(), 1)
	if sub.VerificationStatus != models.StatusApproved {
		t.Errorf("submission status = %s, want APPROVED", sub.VerificationStatus)
	}

	types := store.Types()
	want := []string{events.TypeModerated, events.TypeVerified, events.TypeApproved}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
	if nts := pub.Types(); len(nts) != 1 || nts[0] != notify.TypeSubmissionApproved {
		t.Errorf("notifications = %v, want [SUBMISSION_APPROVED]", nts)
	}

	stats := w.Stats()
	if stats.Processed != 1 || stats.Approved != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestProcessTaskSkipsTerminalSubmission(t *testing.T) {
	mod := &fakeModerator{result: cleanModeration()}
	ver := &fakeVerifier{result: &models.VerificationResult{Approved: true, Score: 90}}
	set := &fakeSettler{result: &settlement.Result{Success: true}}
	w, repo, _, _ := newTestWorker(t, mod, ver, set)
	repo.Submissions[1].VerificationStatus = models.StatusApproved

	if err := w.ProcessTask(context.Background(), verifyTask(t, 1, 10, 100)); err != nil {
		t.Fatalf("ProcessTask error: %v", err)
	}
	if mod.calls != 0 || ver.textCalls != 0 || set.approveCalls != 0 {
		t.Errorf("terminal submission reached pipeline: mod %d, verify %d, settle %d", mod.calls, ver.textCalls, set.approveCalls)
	}
}

func TestProcessTaskAutoRejectSkipsVerification(t *testing.T) {
	mod := &fakeModerator{result: &models.ModerationResult{
		Flagged:     true,
		Action:      models.ActionAutoReject,
		Source:      "blocklist",
		Explanation: "matched rule pharma_spam",
	}}
	ver := &fakeVerifier{result: &models.VerificationResult{Approved: true}}
	set := &fakeSettler{}
	w, repo, store, pub := newTestWorker(t, mod, ver, set)

	if err := w.ProcessTask(context.Background(), verifyTask(t, 1, 10, 100)); err != nil {
		t.Fatalf("ProcessTask error: %v", err)
	}
	if ver.textCalls != 0 {
		t.Error("auto-rejected submission must not reach the verifier")
	}
	if set.rollbackCalls != 1 {
		t.Errorf("rollback calls = %d, want 1", set.rollbackCalls)
	}
	sub, _ := repo.GetSubmissionCtx(context.Background(), 1)
	if sub.VerificationStatus != models.StatusRejected {
		t.Errorf("submission status = %s, want REJECTED", sub.VerificationStatus)
	}
	types := store.Types()
	if len(types) != 2 || types[1] != events.TypeRejected {
		t.Errorf("events = %v, want moderated then rejected", types)
	}
	if nts := pub.Types(); len(nts) != 1 || nts[0] != notify.TypeSubmissionRejected {
		t.Errorf("notifications = %v, want [SUBMISSION_REJECTED]", nts)
	}
}

func TestProcessTaskApprovalNeedsBothGates(t *testing.T) {
	tests := []struct {
		name       string
		moderation *models.ModerationResult
		verified   bool
		wantStatus models.SubmissionStatus
	}{
		{"clean and verified", cleanModeration(), true, models.StatusApproved},
		{"clean but failed verification", cleanModeration(), false, models.StatusRejected},
		{"flagged and verified", flaggedModeration(), true, models.StatusRejected},
		{"flagged and failed verification", flaggedModeration(), false, models.StatusRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mod := &fakeModerator{result: tt.moderation}
			ver := &fakeVerifier{result: &models.VerificationResult{Approved: tt.verified, Score: 80}}
			set := &fakeSettler{result: &settlement.Result{Success: true, TxHash: "0xabc"}}
			w, repo, _, _ := newTestWorker(t, mod, ver, set)

			if err := w.ProcessTask(context.Background(), verifyTask(t, 1, 10, 100)); err != nil {
				t.Fatalf("ProcessTask error: %v", err)
			}
			sub, _ := repo.GetSubmissionCtx(context.Background(), 1)
			if sub.VerificationStatus != tt.wantStatus {
				t.Errorf("status = %s, want %s", sub.VerificationStatus, tt.wantStatus)
			}
			wantSettle := 0
			if tt.wantStatus == models.StatusApproved {
				wantSettle = 1
			}
			if set.approveCalls != wantSettle {
				t.Errorf("settle calls = %d, want %d", set.approveCalls, wantSettle)
			}
		})
	}
}

func TestProcessTaskImageTaskUsesVisionPath(t *testing.T) {
	mod := &fakeModerator{result: cleanModeration()}
	ver := &fakeVerifier{result: &models.VerificationResult{Approved: true, Score: 88}}
	set := &fakeSettler{result: &settlement.Result{Success: true}}
	w, repo, _, _ := newTestWorker(t, mod, ver, set)
	repo.Tasks[10].TaskType = "image"

	if err := w.ProcessTask(context.Background(), verifyTask(t, 1, 10, 100)); err != nil {
		t.Fatalf("ProcessTask error: %v", err)
	}
	if ver.imageCalls != 1 || ver.textCalls != 0 {
		t.Errorf("verify calls = image %d, text %d; want image only", ver.imageCalls, ver.textCalls)
	}
}

func TestProcessTaskStageErrorRequeuesUntilBudgetExhausted(t *testing.T) {
	cause := errors.New("provider unavailable")
	mod := &fakeModerator{err: cause}
	w, repo, _, _ := newTestWorker(t, mod, &fakeVerifier{}, &fakeSettler{})

	// Budget remaining: error propagates so the queue redelivers.
	w.exhaustedFn = func(context.Context) bool { return false }
	if err := w.ProcessTask(context.Background(), verifyTask(t, 1, 10, 100)); err == nil {
		t.Fatal("expected error to trigger redelivery")
	}
	sub, _ := repo.GetSubmissionCtx(context.Background(), 1)
	if sub.NeedsManualReview {
		t.Error("submission parked before budget exhausted")
	}

	// Last attempt: park for a human instead of failing the job.
	w.exhaustedFn = func(context.Context) bool { return true }
	if err := w.ProcessTask(context.Background(), verifyTask(t, 1, 10, 100)); err != nil {
		t.Fatalf("ProcessTask error on exhausted budget: %v", err)
	}
	sub, _ = repo.GetSubmissionCtx(context.Background(), 1)
	if !sub.NeedsManualReview {
		t.Error("exhausted submission not parked for manual review")
	}
	if sub.LastError == nil || *sub.LastError == "" {
		t.Error("parked submission missing last error")
	}
	if w.Stats().ManualReview != 1 {
		t.Errorf("manual review count = %d, want 1", w.Stats().ManualReview)
	}
}

func TestProcessTaskSettlementFailureParksSubmission(t *testing.T) {
	mod := &fakeModerator{result: cleanModeration()}
	ver := &fakeVerifier{result: &models.VerificationResult{Approved: true, Score: 95}}
	set := &fakeSettler{result: &settlement.Result{Success: false, Attempts: 3, Permanent: true, Err: errors.New("execution reverted")}}
	w, repo, _, _ := newTestWorker(t, mod, ver, set)

	if err := w.ProcessTask(context.Background(), verifyTask(t, 1, 10, 100)); err != nil {
		t.Fatalf("ProcessTask error: %v", err)
	}
	sub, _ := repo.GetSubmissionCtx(context.Background(), 1)
	if !sub.NeedsManualReview {
		t.Error("submission with failed settlement must go to manual review")
	}
	if sub.VerificationStatus == models.StatusApproved {
		t.Error("submission must not read approved while funds are unreleased")
	}
}

func TestProcessTaskSettlementLedgerErrorRedelivers(t *testing.T) {
	mod := &fakeModerator{result: cleanModeration()}
	ver := &fakeVerifier{result: &models.VerificationResult{Approved: true, Score: 95}}
	set := &fakeSettler{err: errors.New("uow commit failed")}
	w, _, _, _ := newTestWorker(t, mod, ver, set)

	if err := w.ProcessTask(context.Background(), verifyTask(t, 1, 10, 100)); err == nil {
		t.Fatal("ledger failure after chain write must surface for redelivery")
	}
}

func TestProcessTaskBadPayloadIsFinal(t *testing.T) {
	w, _, _, _ := newTestWorker(t, &fakeModerator{}, &fakeVerifier{}, &fakeSettler{})

	err := w.ProcessTask(context.Background(), asynq.NewTask(queue.TypeVerifySubmission, []byte("{not json")))
	if err == nil {
		t.Fatal("expected error for bad payload")
	}
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("bad payload should skip retry, got %v", err)
	}
}

func TestProcessTaskMissingSubmissionIsFinal(t *testing.T) {
	mod := &fakeModerator{result: cleanModeration()}
	w, _, _, _ := newTestWorker(t, mod, &fakeVerifier{}, &fakeSettler{})

	err := w.ProcessTask(context.Background(), verifyTask(t, 7, 10, 100))
	if err == nil {
		t.Fatal("expected error for unknown submission")
	}
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("unknown submission should skip retry, got %v", err)
	}
	if mod.calls != 0 {
		t.Errorf("moderation ran %d times for a missing submission", mod.calls)
	}
}

func TestProcessTaskMissingTaskIsFinal(t *testing.T) {
	mod := &fakeModerator{result: cleanModeration()}
	w, repo, _, _ := newTestWorker(t, mod, &fakeVerifier{}, &fakeSettler{})
	delete(repo.Tasks, 10)

	err := w.ProcessTask(context.Background(), verifyTask(t, 1, 10, 100))
	if err == nil {
		t.Fatal("expected error for unknown task")
	}
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("unknown task should skip retry, got %v", err)
	}
}
