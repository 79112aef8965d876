package circuit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{Name: "test", MaxConsecFailures: 2, OpenFor: time.Hour}, nil)
	fail := func(ctx context.Context) error { return errors.New("boom") }

	_ = b.Do(context.Background(), fail)
	_ = b.Do(context.Background(), fail)

	if b.State() != Open {
		t.Fatalf("expected Open after 2 failures, got %v", b.State())
	}

	called := false
	err := b.Do(context.Background(), func(ctx context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("open breaker must not invoke the operation")
	}
}

func TestBreakerProbesAndCloses(t *testing.T) {
	b := New(Config{Name: "test", MaxConsecFailures: 1, OpenFor: time.Millisecond}, nil)
	_ = b.Do(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	if b.State() != Open {
		t.Fatal("expected Open")
	}

	time.Sleep(5 * time.Millisecond)
	if err := b.Do(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("probe should run: %v", err)
	}
	if b.State() != Closed {
		t.Errorf("successful probe should close the breaker, got %v", b.State())
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := New(Config{Name: "test", MaxConsecFailures: 1, OpenFor: time.Millisecond}, nil)
	_ = b.Do(context.Background(), func(ctx context.Context) error { return errors.New("boom") })

	time.Sleep(5 * time.Millisecond)
	_ = b.Do(context.Background(), func(ctx context.Context) error { return errors.New("still down") })
	if b.State() != Open {
		t.Errorf("failed probe should reopen, got %v", b.State())
	}
}
