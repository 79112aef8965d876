package queue

import (
	"testing"
	"time"

	"microtask-settlement/internal/models"
)

func TestJobKeyIsStablePerSubmission(t *testing.T) {
	a := models.VerificationJob{SubmissionID: 42}
	b := models.VerificationJob{SubmissionID: 42}
	c := models.VerificationJob{SubmissionID: 43}

	if a.Key() != b.Key() {
		t.Errorf("same submission produced different keys: %q vs %q", a.Key(), b.Key())
	}
	if a.Key() == c.Key() {
		t.Errorf("different submissions share key %q", a.Key())
	}
	if a.Key() != "verify:submission:42" {
		t.Errorf("key = %q, want verify:submission:42", a.Key())
	}
}

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	fn := retryDelay(2*time.Second, 30*time.Second)

	tests := []struct {
		retried int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{4, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := fn(tt.retried, nil, nil); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.retried, got, tt.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Concurrency != 5 || cfg.MaxRetry != 3 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Timeout != 30*time.Second || cfg.BaseDelay != 2*time.Second {
		t.Errorf("defaults = %+v", cfg)
	}
}
