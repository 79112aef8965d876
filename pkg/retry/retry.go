// Package retry wraps fallible operations with bounded exponential backoff.
// Errors matching known-permanent phrases are surfaced immediately instead of
// burning retry budget.
package retry

import (
	"context"
	"strings"
	"time"

	errs "microtask-settlement/pkg/errors"
)

// Policy tunes a retry loop.
type Policy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultPolicy matches the AI-call retry behavior: 3 retries, 1s initial
// delay doubling up to 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}
}

// permanentPhrases identify errors that retrying can never fix.
var permanentPhrases = []string{
	"invalid api key",
	"authentication failed",
	"unauthorized",
	"not found",
	"bad request",
	"invalid request",
}

// IsPermanent reports whether err should never be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errs.IsPermanentChain(err) {
		return true
	}
	if errs.Is(err, errs.ErrValidation) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range permanentPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// IsRetryable is the complement of IsPermanent for non-nil errors.
func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err)
}

// Do runs op up to 1+MaxRetries times, sleeping between attempts with
// exponential backoff capped at MaxDelay. Permanent errors and context
// cancellation end the loop immediately.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 2
	}

	delay := p.InitialDelay
	var err error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay = time.Duration(float64(delay) * p.BackoffMultiplier)
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}
