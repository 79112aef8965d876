package events

import (
	"context"
	"encoding/json"
	"time"

	"microtask-settlement/internal/models"
)

// Event is the base interface for all settlement audit events.
// Keep payloads small, use JSON-friendly fields.
// Why: Enables replay and audit without coupling to DB schema.
type Event interface {
	Type() string
	SubmissionID() int64
	Timestamp() time.Time
	MarshalData() ([]byte, error)
}

// Base contains common event metadata.
type Base struct {
	Ts  time.Time `json:"ts"`
	SID int64     `json:"submission_id"`
}

func (b Base) Timestamp() time.Time { return b.Ts }
func (b Base) SubmissionID() int64  { return b.SID }

// --- Concrete events ---

const (
	TypeModerated         = "submission.moderated"
	TypeVerified          = "submission.verified"
	TypeApproved          = "submission.approved"
	TypeRejected          = "submission.rejected"
	TypePaymentReleased   = "payment.released"
	TypePaymentFailed     = "payment.failed"
	TypeReconcileMismatch = "reconcile.mismatch"
)

// SubmissionModerated captures the moderation screen verdict.
type SubmissionModerated struct {
	Base
	Action      models.ModerationAction `json:"action"`
	Flagged     bool                    `json:"flagged"`
	Source      string                  `json:"source"`
	Explanation string                  `json:"explanation,omitempty"`
}

func (e SubmissionModerated) Type() string                 { return TypeModerated }
func (e SubmissionModerated) MarshalData() ([]byte, error) { return json.Marshal(e) }

// SubmissionVerified captures the AI verification verdict.
type SubmissionVerified struct {
	Base
	Approved      bool   `json:"approved"`
	Score         int    `json:"score"`
	Reasoning     string `json:"reasoning,omitempty"`
	LowConfidence bool   `json:"low_confidence,omitempty"`
}

func (e SubmissionVerified) Type() string                 { return TypeVerified }
func (e SubmissionVerified) MarshalData() ([]byte, error) { return json.Marshal(e) }

type SubmissionApproved struct {
	Base
	TaskID   int64 `json:"task_id"`
	WorkerID int64 `json:"worker_id"`
}

func (e SubmissionApproved) Type() string                 { return TypeApproved }
func (e SubmissionApproved) MarshalData() ([]byte, error) { return json.Marshal(e) }

type SubmissionRejected struct {
	Base
	TaskID   int64  `json:"task_id"`
	WorkerID int64  `json:"worker_id"`
	Stage    string `json:"stage"` // "moderation" or "verification"
	Reason   string `json:"reason"`
}

func (e SubmissionRejected) Type() string                 { return TypeRejected }
func (e SubmissionRejected) MarshalData() ([]byte, error) { return json.Marshal(e) }

type PaymentReleased struct {
	Base
	TaskID   int64  `json:"task_id"`
	WorkerID int64  `json:"worker_id"`
	Amount   string `json:"amount"`
	TxHash   string `json:"tx_hash"`
	Attempts int    `json:"attempts"`
}

func (e PaymentReleased) Type() string                 { return TypePaymentReleased }
func (e PaymentReleased) MarshalData() ([]byte, error) { return json.Marshal(e) }

type PaymentFailed struct {
	Base
	TaskID    int64  `json:"task_id"`
	WorkerID  int64  `json:"worker_id"`
	Attempts  int    `json:"attempts"`
	Permanent bool   `json:"permanent"`
	Reason    string `json:"reason"`
}

func (e PaymentFailed) Type() string                 { return TypePaymentFailed }
func (e PaymentFailed) MarshalData() ([]byte, error) { return json.Marshal(e) }

// ReconcileMismatch is emitted when the off-chain ledger and the on-chain
// escrow state disagree. SubmissionID is zero for task-level mismatches.
type ReconcileMismatch struct {
	Base
	TaskID      int64  `json:"task_id"`
	LedgerState string `json:"ledger_state"`
	ChainState  string `json:"chain_state"`
}

func (e ReconcileMismatch) Type() string                 { return TypeReconcileMismatch }
func (e ReconcileMismatch) MarshalData() ([]byte, error) { return json.Marshal(e) }

// EventStore defines persistence and listing.
// Implementations must guarantee ordering per submission.
type EventStore interface {
	Append(ctx context.Context, ev ...Event) error
	ListBySubmission(ctx context.Context, submissionID int64) ([]StoredEvent, error)
}

// StoredEvent is a durable representation.
// Seq is a monotonic order within the DB (BIGINT AUTO_INCREMENT).
type StoredEvent struct {
	Seq          int64           `json:"seq"`
	SubmissionID int64           `json:"submission_id"`
	Type         string          `json:"type"`
	At           time.Time       `json:"at"`
	Data         json.RawMessage `json:"data"`
}
