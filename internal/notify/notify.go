package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type names the notification events requesters and workers subscribe to.
type Type string

const (
	TypeSubmissionApproved Type = "SUBMISSION_APPROVED"
	TypeSubmissionRejected Type = "SUBMISSION_REJECTED"
	TypePaymentReleased    Type = "PAYMENT_RELEASED"
	TypeTaskExpired        Type = "TASK_EXPIRED"
)

// Notification is the payload delivered to the configured sink.
// Notifications are best effort: delivery failure never blocks or fails the
// settlement pipeline that produced them.
type Notification struct {
	ID           string    `json:"id"`
	Type         Type      `json:"type"`
	TaskID       int64     `json:"task_id"`
	SubmissionID int64     `json:"submission_id,omitempty"`
	WorkerID     int64     `json:"worker_id,omitempty"`
	Amount       string    `json:"amount,omitempty"`
	TxHash       string    `json:"tx_hash,omitempty"`
	Result       string    `json:"result,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// New builds a notification with a fresh ID and timestamp.
func New(t Type, taskID int64) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Type:      t,
		TaskID:    taskID,
		CreatedAt: time.Now(),
	}
}

// Sink delivers a single notification attempt.
type Sink interface {
	Send(ctx context.Context, n Notification, attempt int) error
}
