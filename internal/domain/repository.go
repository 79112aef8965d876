package domain

import (
	"context"

	"microtask-settlement/internal/models"
)

// SubmissionRepository defines data access for worker submissions.
type SubmissionRepository interface {
	CreateSubmissionCtx(ctx context.Context, s *models.Submission) (int64, error)
	GetSubmissionCtx(ctx context.Context, id int64) (*models.Submission, error)
	GetPendingSubmissionsCtx(ctx context.Context, limit int) ([]models.Submission, error)
	GetPipelineStatsCtx(ctx context.Context) (*models.PipelineStats, error)

	UpdateSubmissionStatusCtx(ctx context.Context, id int64, status models.SubmissionStatus) error
	UpdateSubmissionOutcomeCtx(ctx context.Context, id int64, status models.SubmissionStatus, outcome *models.Outcome) error
	SetSubmissionTxHashCtx(ctx context.Context, id int64, txHash string) error
	MarkManualReviewCtx(ctx context.Context, id int64, lastError string) error
}

// TaskRepository defines access to the off-chain mirror of escrow tasks.
type TaskRepository interface {
	GetTaskCtx(ctx context.Context, id int64) (*models.TaskRecord, error)
	GetTasksByStatusCtx(ctx context.Context, status models.TaskStatus, limit int) ([]models.TaskRecord, error)
	UpdateTaskStatusCtx(ctx context.Context, id int64, status models.TaskStatus) error
}

// PaymentRepository defines access to the payment ledger.
type PaymentRepository interface {
	CreatePaymentCtx(ctx context.Context, p *models.PaymentRecord) (int64, error)
	GetPaymentCtx(ctx context.Context, taskID, workerID int64) (*models.PaymentRecord, error)
	CompletePaymentCtx(ctx context.Context, taskID, workerID int64, txHash string) error
	FailPaymentCtx(ctx context.Context, taskID, workerID int64) error
	DeletePendingPaymentCtx(ctx context.Context, taskID, workerID int64) error
}

// UserRepository defines worker account data access.
type UserRepository interface {
	GetUserCtx(ctx context.Context, id int64) (*models.User, error)
	AddEarningsCtx(ctx context.Context, userID int64, amount string) error
}

// Repository aggregates the repos commonly required by services.
type Repository interface {
	SubmissionRepository
	TaskRepository
	PaymentRepository
	UserRepository
}
