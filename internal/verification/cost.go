package verification

import (
	"sync"
	"time"

	"microtask-settlement/internal/models"
)

// CostTracker tracks OpenAI API usage and costs across both engines.
type CostTracker struct {
	mu               sync.RWMutex
	promptTokens     int64
	completionTokens int64
	totalRequests    int64
	estimatedCostUSD float64
	startTime        time.Time
}

func NewCostTracker() *CostTracker {
	return &CostTracker{startTime: time.Now()}
}

func (c *CostTracker) AddUsage(promptTokens, completionTokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.promptTokens += int64(promptTokens)
	c.completionTokens += int64(completionTokens)
	c.totalRequests++

	// gpt-4o-mini pricing: $0.15/1M prompt tokens, $0.60/1M completion tokens
	promptCost := float64(promptTokens) * 0.15 / 1_000_000
	completionCost := float64(completionTokens) * 0.60 / 1_000_000
	c.estimatedCostUSD += promptCost + completionCost
}

func (c *CostTracker) Snapshot() models.CostSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return models.CostSnapshot{
		PromptTokens:     c.promptTokens,
		CompletionTokens: c.completionTokens,
		Requests:         c.totalRequests,
		EstimatedUSD:     c.estimatedCostUSD,
	}
}

func (c *CostTracker) Uptime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.startTime)
}
