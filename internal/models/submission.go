package models

import (
	"time"
)

// SubmissionStatus is the lifecycle state of a worker submission.
type SubmissionStatus string

const (
	StatusPending  SubmissionStatus = "PENDING"
	StatusApproved SubmissionStatus = "APPROVED"
	StatusRejected SubmissionStatus = "REJECTED"
)

// Terminal reports whether the status can no longer change. A re-delivered
// job for a terminal submission is a no-op.
func (s SubmissionStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

type Submission struct {
	ID                   int64            `json:"id" db:"id"`
	TaskID               int64            `json:"task_id" db:"task_id"`
	WorkerID             int64            `json:"worker_id" db:"worker_id"`
	Content              string           `json:"content" db:"content"`
	VerificationStatus   SubmissionStatus `json:"verification_status" db:"verification_status"`
	NeedsManualReview    bool             `json:"needs_manual_review" db:"needs_manual_review"`
	AIVerificationResult *string          `json:"ai_verification_result,omitempty" db:"ai_verification_result"`
	PaymentTxHash        *string          `json:"payment_tx_hash,omitempty" db:"payment_tx_hash"`
	LastError            *string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt            time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt            *time.Time       `json:"updated_at,omitempty" db:"updated_at"`
}

type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskExpired   TaskStatus = "expired"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskRecord is the off-chain row mirroring an on-chain escrow task.
type TaskRecord struct {
	ID                   int64      `json:"id" db:"id"`
	RequesterID          int64      `json:"requester_id" db:"requester_id"`
	Status               TaskStatus `json:"status" db:"status"`
	ContractTaskID       int64      `json:"contract_task_id" db:"contract_task_id"`
	RewardAmount         string     `json:"reward_amount" db:"reward_amount"` // decimal string, never float
	VerificationCriteria string     `json:"verification_criteria" db:"verification_criteria"`
	TaskType             string     `json:"task_type" db:"task_type"` // "text" or "image"
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
}

type User struct {
	ID                  int64  `json:"id" db:"id"`
	Username            string `json:"username" db:"username"`
	WalletAddress       string `json:"wallet_address" db:"wallet_address"`
	TotalEarnings       string `json:"total_earnings" db:"total_earnings"`
	TotalTasksCompleted int    `json:"total_tasks_completed" db:"total_tasks_completed"`
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

type PaymentRecord struct {
	ID        int64         `json:"id" db:"id"`
	TaskID    int64         `json:"task_id" db:"task_id"`
	WorkerID  int64         `json:"worker_id" db:"worker_id"`
	Amount    string        `json:"amount" db:"amount"`
	Status    PaymentStatus `json:"status" db:"status"`
	TxHash    *string       `json:"tx_hash,omitempty" db:"tx_hash"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt *time.Time    `json:"updated_at,omitempty" db:"updated_at"`
}

// PipelineStats contains processing counters exposed on the stats endpoint.
type PipelineStats struct {
	Pending      int `json:"pending"`
	Approved     int `json:"approved"`
	Rejected     int `json:"rejected"`
	ManualReview int `json:"manual_review"`
	Total        int `json:"total"`
}
