package settlement

import (
	"context"
	"fmt"
	"time"

	"microtask-settlement/internal/domain"
	"microtask-settlement/internal/escrow"
	"microtask-settlement/internal/models"
	"microtask-settlement/internal/notify"
	errs "microtask-settlement/pkg/errors"
	"microtask-settlement/pkg/events"
	"microtask-settlement/pkg/logging"
	"microtask-settlement/pkg/metrics"
)

// Publisher is the notification surface the service needs.
type Publisher interface {
	Publish(n notify.Notification)
}

// Result reports how a settlement attempt sequence ended.
type Result struct {
	Success   bool
	TxHash    string
	Attempts  int
	Permanent bool
	Err       error
}

// Config holds retry tuning for escrow calls.
type Config struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// Service releases escrowed rewards and keeps the off-chain ledger
// consistent with what happened on chain. The chain write is the point of no
// return: once a release transaction lands, the ledger update must follow,
// never the other way around.
type Service struct {
	chain   escrow.Client
	repo    domain.Repository
	uowf    domain.UnitOfWorkFactory
	store   events.EventStore
	notif   Publisher
	log     *logging.ComponentLogger
	cfg     Config
	sleepFn func(time.Duration)
}

func NewService(chain escrow.Client, repo domain.Repository, uowf domain.UnitOfWorkFactory, store events.EventStore, notif Publisher, logger *logging.Logger, cfg Config) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Service{
		chain:   chain,
		repo:    repo,
		uowf:    uowf,
		store:   store,
		notif:   notif,
		log:     logger.WithComponent("settlement"),
		cfg:     cfg,
		sleepFn: time.Sleep,
	}
}

// ApproveWithRetry releases payment for an approved submission. Transient
// chain failures are retried with a flat delay; permanent ones short-circuit.
// The returned Result is conclusive either way; the error return is reserved
// for ledger failures that need the queue to redeliver the job.
func (s *Service) ApproveWithRetry(ctx context.Context, sub *models.Submission, task *models.TaskRecord) (*Result, error) {
	worker, err := s.repo.GetUserCtx(ctx, sub.WorkerID)
	if err != nil {
		return nil, err
	}

	// Pre-check chain state. A missing task can never settle, and a task
	// already completed for this worker means a previous run crashed
	// between the chain write and the ledger write.
	state, err := s.chain.GetTask(ctx, task.ContractTaskID)
	if err != nil {
		if errs.IsPermanentChain(err) {
			return s.settleFailed(ctx, sub, task, 0, true, err)
		}
		return nil, err
	}
	if state.Status == escrow.TaskStatusCompleted {
		if state.ApprovedWorker == worker.WalletAddress {
			s.log.Warn("task already settled on chain, recovering ledger",
				logging.TaskID(task.ID),
				logging.SubmissionID(sub.ID))
			tx := fmt.Sprintf("recovered:%d", task.ContractTaskID)
			if err := s.commitLedger(ctx, sub, task, tx, 0); err != nil {
				return nil, err
			}
			return &Result{Success: true, TxHash: tx, Attempts: 0}, nil
		}
		cause := errs.NewChain("settlement.ApproveWithRetry",
			fmt.Sprintf("task %d already completed for another worker", task.ContractTaskID), nil, true)
		return s.settleFailed(ctx, sub, task, 0, true, cause)
	}

	if err := s.ensurePendingPayment(ctx, sub, task); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		metrics.SettlementAttempts.Inc()
		txHash, err := s.chain.ApproveSubmission(ctx, task.ContractTaskID, worker.WalletAddress)
		if err == nil {
			if err := s.commitLedger(ctx, sub, task, txHash, attempt); err != nil {
				// The chain write landed. Failing here must surface so the
				// queue retries and the recovery path above fixes the ledger.
				return nil, err
			}
			return &Result{Success: true, TxHash: txHash, Attempts: attempt}, nil
		}

		lastErr = err
		if errs.IsPermanentChain(err) {
			metrics.SettlementFailures.WithLabelValues("permanent").Inc()
			return s.settleFailed(ctx, sub, task, attempt, true, err)
		}
		metrics.SettlementFailures.WithLabelValues("transient").Inc()
		s.log.Warn("escrow release attempt failed",
			logging.TaskID(task.ID),
			logging.Int("attempt", attempt),
			logging.String("error", err.Error()))
		if attempt < s.cfg.MaxAttempts {
			s.sleepFn(s.cfg.RetryDelay)
		}
	}

	metrics.SettlementFailures.WithLabelValues("exhausted").Inc()
	return s.settleFailed(ctx, sub, task, s.cfg.MaxAttempts, false, lastErr)
}

// ensurePendingPayment creates the ledger row unless one already exists.
func (s *Service) ensurePendingPayment(ctx context.Context, sub *models.Submission, task *models.TaskRecord) error {
	existing, err := s.repo.GetPaymentCtx(ctx, task.ID, sub.WorkerID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	_, err = s.repo.CreatePaymentCtx(ctx, &models.PaymentRecord{
		TaskID:   task.ID,
		WorkerID: sub.WorkerID,
		Amount:   task.RewardAmount,
		Status:   models.PaymentPending,
	})
	return err
}

// commitLedger applies all post-release updates in one transaction: payment
// completed, tx hash on the submission, task closed, worker credited.
func (s *Service) commitLedger(ctx context.Context, sub *models.Submission, task *models.TaskRecord, txHash string, attempts int) error {
	if err := s.ensurePendingPayment(ctx, sub, task); err != nil {
		return err
	}

	uow, err := s.uowf.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	if err := uow.CompletePaymentCtx(ctx, task.ID, sub.WorkerID, txHash); err != nil {
		return err
	}
	if err := uow.SetSubmissionTxHashCtx(ctx, sub.ID, txHash); err != nil {
		return err
	}
	if err := uow.UpdateTaskStatusCtx(ctx, task.ID, models.TaskCompleted); err != nil {
		return err
	}
	if err := uow.AddEarningsCtx(ctx, sub.WorkerID, task.RewardAmount); err != nil {
		return err
	}
	if err := uow.Commit(); err != nil {
		return err
	}

	metrics.PaymentsReleased.Inc()
	s.log.Info("payment released",
		logging.TaskID(task.ID),
		logging.SubmissionID(sub.ID),
		logging.String("tx_hash", txHash),
		logging.String("amount", task.RewardAmount))

	s.appendEvent(ctx, events.PaymentReleased{
		Base:     events.Base{Ts: time.Now(), SID: sub.ID},
		TaskID:   task.ID,
		WorkerID: sub.WorkerID,
		Amount:   task.RewardAmount,
		TxHash:   txHash,
		Attempts: attempts,
	})

	n := notify.New(notify.TypePaymentReleased, task.ID)
	n.SubmissionID = sub.ID
	n.WorkerID = sub.WorkerID
	n.Amount = task.RewardAmount
	n.TxHash = txHash
	s.notif.Publish(n)
	return nil
}

// settleFailed marks the ledger row failed, flags the submission for a human
// and reports the conclusive failure.
func (s *Service) settleFailed(ctx context.Context, sub *models.Submission, task *models.TaskRecord, attempts int, permanent bool, cause error) (*Result, error) {
	if err := s.repo.FailPaymentCtx(ctx, task.ID, sub.WorkerID); err != nil {
		s.log.Error("failed to mark payment failed", err, logging.TaskID(task.ID))
	}

	reason := "unknown settlement failure"
	if cause != nil {
		reason = cause.Error()
	}
	s.log.Error("settlement failed", cause,
		logging.TaskID(task.ID),
		logging.SubmissionID(sub.ID),
		logging.Int("attempts", attempts),
		logging.Bool("permanent", permanent))

	s.appendEvent(ctx, events.PaymentFailed{
		Base:      events.Base{Ts: time.Now(), SID: sub.ID},
		TaskID:    task.ID,
		WorkerID:  sub.WorkerID,
		Attempts:  attempts,
		Permanent: permanent,
		Reason:    reason,
	})

	n := notify.New(notify.TypeSubmissionRejected, task.ID)
	n.SubmissionID = sub.ID
	n.WorkerID = sub.WorkerID
	n.Result = reason
	s.notif.Publish(n)

	return &Result{Success: false, Attempts: attempts, Permanent: permanent, Err: cause}, nil
}

// RollbackPayment deletes the pending ledger row after a rejection.
// Completed and failed rows stay for the audit trail.
func (s *Service) RollbackPayment(ctx context.Context, taskID, workerID int64) error {
	return s.repo.DeletePendingPaymentCtx(ctx, taskID, workerID)
}

// Reject refunds the escrowed reward to the requester. Used by the operator
// refund endpoint, not by the verification pipeline, which only records the
// rejection and leaves escrowed funds for the requester to reclaim.
func (s *Service) Reject(ctx context.Context, taskID, workerID int64) (string, error) {
	task, err := s.repo.GetTaskCtx(ctx, taskID)
	if err != nil {
		return "", err
	}
	worker, err := s.repo.GetUserCtx(ctx, workerID)
	if err != nil {
		return "", err
	}

	txHash, err := s.chain.RejectSubmission(ctx, task.ContractTaskID, worker.WalletAddress)
	if err != nil {
		return "", err
	}

	if err := s.RollbackPayment(ctx, taskID, workerID); err != nil {
		return "", err
	}
	if err := s.repo.UpdateTaskStatusCtx(ctx, taskID, models.TaskCancelled); err != nil {
		return "", err
	}

	s.log.Info("submission rejected on chain, escrow refunded",
		logging.TaskID(taskID),
		logging.String("tx_hash", txHash))
	return txHash, nil
}

func (s *Service) appendEvent(ctx context.Context, ev events.Event) {
	if s.store == nil {
		return
	}
	if err := s.store.Append(ctx, ev); err != nil {
		s.log.Warn("failed to append settlement event",
			logging.String("type", ev.Type()),
			logging.String("error", err.Error()))
	}
}
