package repository

import (
	"context"

	"microtask-settlement/internal/domain"
	"microtask-settlement/internal/models"
	"microtask-settlement/pkg/database"
)

// SQLRepository is a thin adapter over pkg/database.DB to satisfy domain repositories.
// It keeps business logic decoupled from the SQL layer.
type SQLRepository struct {
	db *database.DB
}

func NewSQLRepository(db *database.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// Ensure interface compliance at compile time
var _ domain.Repository = (*SQLRepository)(nil)

// SubmissionRepository methods
func (r *SQLRepository) CreateSubmissionCtx(ctx context.Context, s *models.Submission) (int64, error) {
	return r.db.CreateSubmissionCtx(ctx, s)
}

func (r *SQLRepository) GetSubmissionCtx(ctx context.Context, id int64) (*models.Submission, error) {
	return r.db.GetSubmissionCtx(ctx, id)
}

func (r *SQLRepository) GetPendingSubmissionsCtx(ctx context.Context, limit int) ([]models.Submission, error) {
	return r.db.GetPendingSubmissionsCtx(ctx, limit)
}

func (r *SQLRepository) GetPipelineStatsCtx(ctx context.Context) (*models.PipelineStats, error) {
	return r.db.GetPipelineStatsCtx(ctx)
}

func (r *SQLRepository) UpdateSubmissionStatusCtx(ctx context.Context, id int64, status models.SubmissionStatus) error {
	return r.db.UpdateSubmissionStatusCtx(ctx, id, status)
}

func (r *SQLRepository) UpdateSubmissionOutcomeCtx(ctx context.Context, id int64, status models.SubmissionStatus, outcome *models.Outcome) error {
	return r.db.UpdateSubmissionOutcomeCtx(ctx, id, status, outcome)
}

func (r *SQLRepository) SetSubmissionTxHashCtx(ctx context.Context, id int64, txHash string) error {
	return r.db.SetSubmissionTxHashCtx(ctx, id, txHash)
}

func (r *SQLRepository) MarkManualReviewCtx(ctx context.Context, id int64, lastError string) error {
	return r.db.MarkManualReviewCtx(ctx, id, lastError)
}

// TaskRepository methods
func (r *SQLRepository) GetTaskCtx(ctx context.Context, id int64) (*models.TaskRecord, error) {
	return r.db.GetTaskCtx(ctx, id)
}

func (r *SQLRepository) GetTasksByStatusCtx(ctx context.Context, status models.TaskStatus, limit int) ([]models.TaskRecord, error) {
	return r.db.GetTasksByStatusCtx(ctx, status, limit)
}

func (r *SQLRepository) UpdateTaskStatusCtx(ctx context.Context, id int64, status models.TaskStatus) error {
	return r.db.UpdateTaskStatusCtx(ctx, id, status)
}

// PaymentRepository methods
func (r *SQLRepository) CreatePaymentCtx(ctx context.Context, p *models.PaymentRecord) (int64, error) {
	return r.db.CreatePaymentCtx(ctx, p)
}

func (r *SQLRepository) GetPaymentCtx(ctx context.Context, taskID, workerID int64) (*models.PaymentRecord, error) {
	return r.db.GetPaymentCtx(ctx, taskID, workerID)
}

func (r *SQLRepository) CompletePaymentCtx(ctx context.Context, taskID, workerID int64, txHash string) error {
	return r.db.CompletePaymentCtx(ctx, taskID, workerID, txHash)
}

func (r *SQLRepository) FailPaymentCtx(ctx context.Context, taskID, workerID int64) error {
	return r.db.FailPaymentCtx(ctx, taskID, workerID)
}

func (r *SQLRepository) DeletePendingPaymentCtx(ctx context.Context, taskID, workerID int64) error {
	return r.db.DeletePendingPaymentCtx(ctx, taskID, workerID)
}

// UserRepository methods
func (r *SQLRepository) GetUserCtx(ctx context.Context, id int64) (*models.User, error) {
	return r.db.GetUserCtx(ctx, id)
}

func (r *SQLRepository) AddEarningsCtx(ctx context.Context, userID int64, amount string) error {
	return r.db.AddEarningsCtx(ctx, userID, amount)
}
