package escrow

import (
	"context"
	"errors"
)

// ErrTaskNotFound is returned when the contract has no task under the given
// ID. The zero requester address is the contract's way of saying so.
var ErrTaskNotFound = errors.New("escrow: task not found on chain")

// ZeroAddress is the unset address value the contract returns for missing tasks.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// TaskStatus mirrors the contract's task lifecycle enum.
type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// TaskState is the on-chain view of an escrow task.
type TaskState struct {
	TaskID         int64      `json:"taskId"`
	Requester      string     `json:"requester"`
	Reward         string     `json:"reward"` // decimal string in native units
	Status         TaskStatus `json:"status"`
	ApprovedWorker string     `json:"approvedWorker,omitempty"`
}

// Client talks to the escrow contract. Implementations must be safe for
// concurrent use.
type Client interface {
	// GetTask reads current contract state for a task. Returns
	// ErrTaskNotFound (wrapped permanent) when the task does not exist.
	GetTask(ctx context.Context, taskID int64) (*TaskState, error)

	// ApproveSubmission releases the escrowed reward to the worker and
	// returns the transaction hash.
	ApproveSubmission(ctx context.Context, taskID int64, workerAddr string) (string, error)

	// RejectSubmission refunds the escrowed reward to the requester and
	// returns the transaction hash.
	RejectSubmission(ctx context.Context, taskID int64, workerAddr string) (string, error)
}
