package models

import (
	"time"
)

// VerificationResult is the AI verdict on whether a submission satisfies
// its task's acceptance criteria.
type VerificationResult struct {
	Approved      bool      `json:"approved"`
	Score         int       `json:"score"` // 0-100
	Reasoning     string    `json:"reasoning"`
	Violations    []string  `json:"violations,omitempty"`
	LowConfidence bool      `json:"low_confidence,omitempty"` // set when the raw AI output needed fallback parsing
	Timestamp     time.Time `json:"timestamp"`
}

// CostSnapshot is a point-in-time view of accumulated AI spend.
type CostSnapshot struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	Requests         int64   `json:"requests"`
	EstimatedUSD     float64 `json:"estimated_usd"`
}
