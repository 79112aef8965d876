package repository

import (
	"context"
	"database/sql"
	"fmt"

	"microtask-settlement/internal/domain"
	"microtask-settlement/internal/models"
	"microtask-settlement/pkg/database"
)

// SQLUnitOfWorkFactory starts SQL-backed UnitOfWork transactions.
type SQLUnitOfWorkFactory struct {
	db *database.DB
}

func NewSQLUnitOfWorkFactory(db *database.DB) *SQLUnitOfWorkFactory {
	return &SQLUnitOfWorkFactory{db: db}
}

// Ensure interface conformance
var _ domain.UnitOfWorkFactory = (*SQLUnitOfWorkFactory)(nil)

func (f *SQLUnitOfWorkFactory) Begin(ctx context.Context) (domain.UnitOfWork, error) {
	tx, err := f.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("uow: begin tx: %w", err)
	}
	return &SQLUnitOfWork{db: f.db, tx: tx}, nil
}

// SQLUnitOfWork coordinates operations using a single *sql.Tx.
type SQLUnitOfWork struct {
	db *database.DB
	tx *sql.Tx
	// simple guard to avoid double commit/rollback
	closed bool
}

var _ domain.UnitOfWork = (*SQLUnitOfWork)(nil)

func (u *SQLUnitOfWork) Begin(ctx context.Context) error {
	if u.tx != nil {
		return nil
	}
	tx, err := u.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("uow: begin: %w", err)
	}
	u.tx = tx
	return nil
}

func (u *SQLUnitOfWork) Commit() error {
	if u.closed {
		return nil
	}
	u.closed = true
	if u.tx == nil {
		return nil
	}
	return u.tx.Commit()
}

func (u *SQLUnitOfWork) Rollback() error {
	if u.closed {
		return nil
	}
	u.closed = true
	if u.tx == nil {
		return nil
	}
	return u.tx.Rollback()
}

// Writes that must land together go through the transaction.

func (u *SQLUnitOfWork) UpdateSubmissionStatusCtx(ctx context.Context, id int64, status models.SubmissionStatus) error {
	if u.tx == nil {
		return fmt.Errorf("uow: no active transaction for UpdateSubmissionStatusCtx")
	}
	return u.db.UpdateSubmissionStatusTx(ctx, u.tx, id, status)
}

func (u *SQLUnitOfWork) SetSubmissionTxHashCtx(ctx context.Context, id int64, txHash string) error {
	if u.tx == nil {
		return fmt.Errorf("uow: no active transaction for SetSubmissionTxHashCtx")
	}
	return u.db.SetSubmissionTxHashTx(ctx, u.tx, id, txHash)
}

func (u *SQLUnitOfWork) UpdateTaskStatusCtx(ctx context.Context, id int64, status models.TaskStatus) error {
	if u.tx == nil {
		return fmt.Errorf("uow: no active transaction for UpdateTaskStatusCtx")
	}
	return u.db.UpdateTaskStatusTx(ctx, u.tx, id, status)
}

func (u *SQLUnitOfWork) CompletePaymentCtx(ctx context.Context, taskID, workerID int64, txHash string) error {
	if u.tx == nil {
		return fmt.Errorf("uow: no active transaction for CompletePaymentCtx")
	}
	return u.db.CompletePaymentTx(ctx, u.tx, taskID, workerID, txHash)
}

func (u *SQLUnitOfWork) FailPaymentCtx(ctx context.Context, taskID, workerID int64) error {
	if u.tx == nil {
		return fmt.Errorf("uow: no active transaction for FailPaymentCtx")
	}
	return u.db.FailPaymentTx(ctx, u.tx, taskID, workerID)
}

func (u *SQLUnitOfWork) AddEarningsCtx(ctx context.Context, userID int64, amount string) error {
	if u.tx == nil {
		return fmt.Errorf("uow: no active transaction for AddEarningsCtx")
	}
	return u.db.AddEarningsTx(ctx, u.tx, userID, amount)
}

// Reads and standalone writes can be served outside the tx.

func (u *SQLUnitOfWork) CreateSubmissionCtx(ctx context.Context, s *models.Submission) (int64, error) {
	return u.db.CreateSubmissionCtx(ctx, s)
}

func (u *SQLUnitOfWork) GetSubmissionCtx(ctx context.Context, id int64) (*models.Submission, error) {
	return u.db.GetSubmissionCtx(ctx, id)
}

func (u *SQLUnitOfWork) GetPendingSubmissionsCtx(ctx context.Context, limit int) ([]models.Submission, error) {
	return u.db.GetPendingSubmissionsCtx(ctx, limit)
}

func (u *SQLUnitOfWork) GetPipelineStatsCtx(ctx context.Context) (*models.PipelineStats, error) {
	return u.db.GetPipelineStatsCtx(ctx)
}

func (u *SQLUnitOfWork) UpdateSubmissionOutcomeCtx(ctx context.Context, id int64, status models.SubmissionStatus, outcome *models.Outcome) error {
	return u.db.UpdateSubmissionOutcomeCtx(ctx, id, status, outcome)
}

func (u *SQLUnitOfWork) MarkManualReviewCtx(ctx context.Context, id int64, lastError string) error {
	return u.db.MarkManualReviewCtx(ctx, id, lastError)
}

func (u *SQLUnitOfWork) GetTaskCtx(ctx context.Context, id int64) (*models.TaskRecord, error) {
	return u.db.GetTaskCtx(ctx, id)
}

func (u *SQLUnitOfWork) GetTasksByStatusCtx(ctx context.Context, status models.TaskStatus, limit int) ([]models.TaskRecord, error) {
	return u.db.GetTasksByStatusCtx(ctx, status, limit)
}

func (u *SQLUnitOfWork) CreatePaymentCtx(ctx context.Context, p *models.PaymentRecord) (int64, error) {
	return u.db.CreatePaymentCtx(ctx, p)
}

func (u *SQLUnitOfWork) GetPaymentCtx(ctx context.Context, taskID, workerID int64) (*models.PaymentRecord, error) {
	return u.db.GetPaymentCtx(ctx, taskID, workerID)
}

func (u *SQLUnitOfWork) DeletePendingPaymentCtx(ctx context.Context, taskID, workerID int64) error {
	return u.db.DeletePendingPaymentCtx(ctx, taskID, workerID)
}

func (u *SQLUnitOfWork) GetUserCtx(ctx context.Context, id int64) (*models.User, error) {
	return u.db.GetUserCtx(ctx, id)
}
