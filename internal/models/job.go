package models

import (
	"fmt"
)

// OutcomeKind tags which stage produced a submission's final disposition.
type OutcomeKind string

const (
	OutcomeModeration   OutcomeKind = "moderation"
	OutcomeVerification OutcomeKind = "verification"
	OutcomeError        OutcomeKind = "error"
)

// Outcome records why a submission landed where it did. Exactly one of the
// payload fields is set, matching Kind.
type Outcome struct {
	Kind         OutcomeKind         `json:"kind"`
	Moderation   *ModerationResult   `json:"moderation,omitempty"`
	Verification *VerificationResult `json:"verification,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// VerificationJob is the payload enqueued when a worker submits to a task.
type VerificationJob struct {
	SubmissionID         int64  `json:"submission_id"`
	TaskID               int64  `json:"task_id"`
	WorkerID             int64  `json:"worker_id"`
	SubmissionData       string `json:"submission_data"`
	VerificationCriteria string `json:"verification_criteria"`
	TaskType             string `json:"task_type"` // "text" or "image"
}

// Key is the deterministic dedup identity for the job. Enqueuing the same
// submission twice yields the same key, so the second enqueue collapses.
func (j VerificationJob) Key() string {
	return fmt.Sprintf("verify:submission:%d", j.SubmissionID)
}
