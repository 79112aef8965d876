package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	testutil "microtask-settlement/internal/testing"
	"microtask-settlement/pkg/logging"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	logger, err := logging.NewLogger(logging.DefaultLogConfig())
	if err != nil {
		t.Fatalf("logging.NewLogger: %v", err)
	}
	return NewManager(logger, time.Second)
}

func TestCheckAllAggregatesComponentFailures(t *testing.T) {
	m := newManager(t)
	m.Register(CheckerFunc{ComponentName: "ok", Fn: func(ctx context.Context) error { return nil }})
	m.Register(CheckerFunc{ComponentName: "down", Fn: func(ctx context.Context) error {
		return errors.New("connection refused")
	}})

	sys := m.CheckAll(context.Background())
	if sys.Status != StatusUnhealthy {
		t.Errorf("system status = %s, want unhealthy", sys.Status)
	}
	if sys.Components["ok"].Status != StatusHealthy {
		t.Errorf("ok component = %+v", sys.Components["ok"])
	}
	if sys.Components["down"].Error == "" {
		t.Error("failing component missing error detail")
	}
}

func TestCheckAllHealthySystem(t *testing.T) {
	m := newManager(t)
	m.Register(CheckerFunc{ComponentName: "ok", Fn: func(ctx context.Context) error { return nil }})

	if sys := m.CheckAll(context.Background()); sys.Status != StatusHealthy {
		t.Errorf("system status = %s, want healthy", sys.Status)
	}
}

func TestEscrowCheckerTreatsNotFoundAsHealthy(t *testing.T) {
	chain := testutil.NewMockEscrowClient()
	c := EscrowChecker(chain, 1)

	if err := c.Check(context.Background()); err != nil {
		t.Errorf("missing probe task should still count as reachable, got %v", err)
	}
}

func TestHandlerReturns503WhenUnhealthy(t *testing.T) {
	m := newManager(t)
	m.Register(CheckerFunc{ComponentName: "down", Fn: func(ctx context.Context) error {
		return errors.New("boom")
	}})

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != 503 {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	var sys SystemHealth
	if err := json.Unmarshal(rec.Body.Bytes(), &sys); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if sys.Status != StatusUnhealthy {
		t.Errorf("body status = %s, want unhealthy", sys.Status)
	}
}
