// Package ratelimit bounds outbound calls to external providers with a
// fixed-window counter per logical key. Windows reset by wall-clock expiry,
// not by a sliding count. Limiters are injected, never package-level.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// DefaultKey is used by callers that share a single global budget.
const DefaultKey = "global"

// LimitError is returned when a window's request budget is exhausted.
// Its message carries a retry hint so upstream retry classification treats
// it as transient.
type LimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("rate limit exceeded for %q: retry after %d seconds", e.Key, secs)
}

type window struct {
	start time.Time
	count int
}

// Limiter is a fixed-window counter keyed by logical name.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	period  time.Duration
	now     func() time.Time
}

// New creates a limiter allowing limit requests per period per key.
func New(limit int, period time.Duration) *Limiter {
	if limit <= 0 {
		limit = 60
	}
	if period <= 0 {
		period = time.Minute
	}
	return &Limiter{
		windows: make(map[string]*window),
		limit:   limit,
		period:  period,
		now:     time.Now,
	}
}

// Check increments the counter for key and returns a LimitError once the
// current window's budget is exhausted. Expired windows for other keys are
// swept lazily on the same lock.
func (l *Limiter) Check(key string) error {
	if key == "" {
		key = DefaultKey
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, w := range l.windows {
		if now.Sub(w.start) >= l.period {
			delete(l.windows, k)
		}
	}

	w, ok := l.windows[key]
	if !ok {
		w = &window{start: now}
		l.windows[key] = w
	}

	if w.count >= l.limit {
		return &LimitError{Key: key, RetryAfter: l.period - now.Sub(w.start)}
	}
	w.count++
	return nil
}

// Remaining reports the unspent budget for key in the current window.
func (l *Limiter) Remaining(key string) int {
	if key == "" {
		key = DefaultKey
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || l.now().Sub(w.start) >= l.period {
		return l.limit
	}
	return l.limit - w.count
}
