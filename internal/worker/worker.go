package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"

	"microtask-settlement/internal/models"
	"microtask-settlement/internal/notify"
	"microtask-settlement/internal/queue"
	"microtask-settlement/internal/settlement"
	errs "microtask-settlement/pkg/errors"
	"microtask-settlement/pkg/events"
	"microtask-settlement/pkg/logging"
	"microtask-settlement/pkg/metrics"
)

// Moderator screens submission content before any verification spend.
type Moderator interface {
	Moderate(ctx context.Context, content, taskType string) (*models.ModerationResult, error)
}

// Verifier judges whether a submission satisfies the task criteria.
type Verifier interface {
	VerifyText(ctx context.Context, content, criteria string) (*models.VerificationResult, error)
	VerifyImage(ctx context.Context, imageURL, criteria string) (*models.VerificationResult, error)
}

// Settler moves escrowed funds and keeps the payment ledger consistent.
type Settler interface {
	ApproveWithRetry(ctx context.Context, sub *models.Submission, task *models.TaskRecord) (*settlement.Result, error)
	RollbackPayment(ctx context.Context, taskID, workerID int64) error
}

// Repository is the slice of the domain repository the worker needs.
type Repository interface {
	GetSubmissionCtx(ctx context.Context, id int64) (*models.Submission, error)
	GetTaskCtx(ctx context.Context, id int64) (*models.TaskRecord, error)
	UpdateSubmissionOutcomeCtx(ctx context.Context, id int64, status models.SubmissionStatus, outcome *models.Outcome) error
	MarkManualReviewCtx(ctx context.Context, id int64, lastError string) error
}

// Stats is a point-in-time snapshot of the worker's counters.
type Stats struct {
	Processed    int64 `json:"processed"`
	Approved     int64 `json:"approved"`
	Rejected     int64 `json:"rejected"`
	ManualReview int64 `json:"manual_review"`
	Retried      int64 `json:"retried"`
}

// Worker consumes verification jobs and drives each submission through
// moderation, verification and settlement. Handlers are idempotent: a
// redelivered job for a submission already in a terminal state is a no-op.
type Worker struct {
	repo     Repository
	moderate Moderator
	verify   Verifier
	settle   Settler
	store    events.EventStore
	notif    settlement.Publisher
	log      *logging.ComponentLogger

	processed    atomic.Int64
	approved     atomic.Int64
	rejected     atomic.Int64
	manualReview atomic.Int64
	retried      atomic.Int64

	exhaustedFn func(context.Context) bool
}

func New(repo Repository, m Moderator, v Verifier, s Settler, store events.EventStore, notif settlement.Publisher, logger *logging.Logger) *Worker {
	return &Worker{
		repo:     repo,
		moderate: m,
		verify:   v,
		settle:   s,
		store:    store,
		notif:    notif,
		log:      logger.WithComponent("worker"),

		exhaustedFn: retryBudgetExhausted,
	}
}

// retryBudgetExhausted reports whether the queue has already burned the
// job's last redelivery. Outside an asynq handler it reports false.
func retryBudgetExhausted(ctx context.Context) bool {
	retried, okR := asynq.GetRetryCount(ctx)
	maxRetry, okM := asynq.GetMaxRetry(ctx)
	return okR && okM && retried >= maxRetry
}

// Register attaches the worker's handlers to the given mux.
func (w *Worker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TypeVerifySubmission, w.ProcessTask)
}

// ProcessTask handles one verification job. Returning an error asks the queue
// to redeliver; wrapping asynq.SkipRetry makes the failure final.
func (w *Worker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("job").Observe(time.Since(start).Seconds())
	}()

	var job models.VerificationJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return fmt.Errorf("undecodable job payload: %v: %w", err, asynq.SkipRetry)
	}

	sub, err := w.repo.GetSubmissionCtx(ctx, job.SubmissionID)
	if err != nil {
		if errors.Is(err, errs.ErrValidation) {
			w.log.Warn("job references unknown submission",
				logging.SubmissionID(job.SubmissionID))
			return fmt.Errorf("submission %d not found: %w", job.SubmissionID, asynq.SkipRetry)
		}
		return err
	}
	if sub.VerificationStatus.Terminal() {
		w.log.Debug("submission already settled, skipping",
			logging.SubmissionID(sub.ID),
			logging.String("status", string(sub.VerificationStatus)))
		return nil
	}

	task, err := w.repo.GetTaskCtx(ctx, job.TaskID)
	if err != nil {
		if errors.Is(err, errs.ErrValidation) {
			return fmt.Errorf("task %d not found: %w", job.TaskID, asynq.SkipRetry)
		}
		return err
	}

	modStart := time.Now()
	modRes, err := w.moderate.Moderate(ctx, job.SubmissionData, task.TaskType)
	metrics.StageDuration.WithLabelValues("moderation").Observe(time.Since(modStart).Seconds())
	if err != nil {
		return w.stageFailed(ctx, sub, "moderation", err)
	}
	w.appendEvent(ctx, events.SubmissionModerated{
		Base:        events.Base{Ts: time.Now(), SID: sub.ID},
		Action:      modRes.Action,
		Flagged:     modRes.Flagged,
		Source:      modRes.Source,
		Explanation: modRes.Explanation,
	})

	if modRes.Action == models.ActionAutoReject {
		outcome := &models.Outcome{Kind: models.OutcomeModeration, Moderation: modRes}
		return w.reject(ctx, sub, task, outcome, "moderation", modRes.Explanation)
	}

	verStart := time.Now()
	var verRes *models.VerificationResult
	if task.TaskType == "image" {
		verRes, err = w.verify.VerifyImage(ctx, job.SubmissionData, job.VerificationCriteria)
	} else {
		verRes, err = w.verify.VerifyText(ctx, job.SubmissionData, job.VerificationCriteria)
	}
	metrics.StageDuration.WithLabelValues("verification").Observe(time.Since(verStart).Seconds())
	if err != nil {
		return w.stageFailed(ctx, sub, "verification", err)
	}
	w.appendEvent(ctx, events.SubmissionVerified{
		Base:          events.Base{Ts: time.Now(), SID: sub.ID},
		Approved:      verRes.Approved,
		Score:         verRes.Score,
		Reasoning:     verRes.Reasoning,
		LowConfidence: verRes.LowConfidence,
	})

	outcome := &models.Outcome{Kind: models.OutcomeVerification, Verification: verRes}

	// Approval needs both gates: the verifier must pass it AND moderation
	// must not have flagged it for review.
	if !verRes.Approved || modRes.Flagged {
		stage := "verification"
		reason := verRes.Reasoning
		if verRes.Approved {
			stage = "moderation"
			reason = modRes.Explanation
			outcome = &models.Outcome{Kind: models.OutcomeModeration, Moderation: modRes}
		}
		return w.reject(ctx, sub, task, outcome, stage, reason)
	}

	return w.approve(ctx, sub, task, outcome)
}

func (w *Worker) approve(ctx context.Context, sub *models.Submission, task *models.TaskRecord, outcome *models.Outcome) error {
	setStart := time.Now()
	result, err := w.settle.ApproveWithRetry(ctx, sub, task)
	metrics.StageDuration.WithLabelValues("settlement").Observe(time.Since(setStart).Seconds())
	if err != nil {
		// Ledger inconsistency or transient infrastructure failure: the
		// queue redelivers and the settlement pre-check recovers.
		return err
	}
	if !result.Success {
		reason := "settlement failed"
		if result.Err != nil {
			reason = result.Err.Error()
		}
		if err := w.repo.MarkManualReviewCtx(ctx, sub.ID, reason); err != nil {
			return err
		}
		w.processed.Add(1)
		w.manualReview.Add(1)
		metrics.JobsProcessed.WithLabelValues("manual_review").Inc()
		return nil
	}

	if err := w.repo.UpdateSubmissionOutcomeCtx(ctx, sub.ID, models.StatusApproved, outcome); err != nil {
		return err
	}
	w.appendEvent(ctx, events.SubmissionApproved{
		Base:     events.Base{Ts: time.Now(), SID: sub.ID},
		TaskID:   task.ID,
		WorkerID: sub.WorkerID,
	})

	n := notify.New(notify.TypeSubmissionApproved, task.ID)
	n.SubmissionID = sub.ID
	n.WorkerID = sub.WorkerID
	n.TxHash = result.TxHash
	w.notif.Publish(n)

	w.processed.Add(1)
	w.approved.Add(1)
	metrics.JobsProcessed.WithLabelValues("approved").Inc()
	w.log.Info("submission approved and settled",
		logging.SubmissionID(sub.ID),
		logging.TaskID(task.ID),
		logging.String("tx_hash", result.TxHash),
		logging.Int("attempts", result.Attempts))
	return nil
}

func (w *Worker) reject(ctx context.Context, sub *models.Submission, task *models.TaskRecord, outcome *models.Outcome, stage, reason string) error {
	if err := w.repo.UpdateSubmissionOutcomeCtx(ctx, sub.ID, models.StatusRejected, outcome); err != nil {
		return err
	}
	// Drop any pending ledger row; escrowed funds stay with the requester.
	if err := w.settle.RollbackPayment(ctx, task.ID, sub.WorkerID); err != nil {
		w.log.Error("failed to roll back pending payment", err,
			logging.TaskID(task.ID),
			logging.SubmissionID(sub.ID))
	}
	w.appendEvent(ctx, events.SubmissionRejected{
		Base:     events.Base{Ts: time.Now(), SID: sub.ID},
		TaskID:   task.ID,
		WorkerID: sub.WorkerID,
		Stage:    stage,
		Reason:   reason,
	})

	n := notify.New(notify.TypeSubmissionRejected, task.ID)
	n.SubmissionID = sub.ID
	n.WorkerID = sub.WorkerID
	n.Result = reason
	w.notif.Publish(n)

	w.processed.Add(1)
	w.rejected.Add(1)
	metrics.JobsProcessed.WithLabelValues("rejected").Inc()
	w.log.Info("submission rejected",
		logging.SubmissionID(sub.ID),
		logging.TaskID(task.ID),
		logging.String("stage", stage))
	return nil
}

// stageFailed decides between redelivery and parking the submission for a
// human. Rate-limit and provider errors are usually transient, so the job
// goes back to the queue until its retry budget runs out.
func (w *Worker) stageFailed(ctx context.Context, sub *models.Submission, stage string, cause error) error {
	if w.exhaustedFn(ctx) {
		w.log.Warn("retries exhausted, parking submission for manual review",
			logging.SubmissionID(sub.ID),
			logging.String("stage", stage),
			logging.String("error", cause.Error()))
		if err := w.repo.MarkManualReviewCtx(ctx, sub.ID, cause.Error()); err != nil {
			return err
		}
		w.processed.Add(1)
		w.manualReview.Add(1)
		metrics.JobsProcessed.WithLabelValues("manual_review").Inc()
		return nil
	}

	w.retried.Add(1)
	metrics.JobsProcessed.WithLabelValues("retried").Inc()
	return fmt.Errorf("%s stage failed for submission %d: %w", stage, sub.ID, cause)
}

func (w *Worker) appendEvent(ctx context.Context, ev events.Event) {
	if w.store == nil {
		return
	}
	if err := w.store.Append(ctx, ev); err != nil {
		w.log.Warn("failed to append pipeline event",
			logging.String("type", ev.Type()),
			logging.String("error", err.Error()))
	}
}

// Stats reports the worker's counters since startup.
func (w *Worker) Stats() Stats {
	return Stats{
		Processed:    w.processed.Load(),
		Approved:     w.approved.Load(),
		Rejected:     w.rejected.Load(),
		ManualReview: w.manualReview.Load(),
		Retried:      w.retried.Load(),
	}
}
