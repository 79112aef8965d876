package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"microtask-settlement/pkg/logging"
)

type recordingSink struct {
	mu       sync.Mutex
	sent     []Notification
	attempts []int
	failures int // fail this many leading calls
	calls    int
}

func (s *recordingSink) Send(ctx context.Context, n Notification, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("sink unavailable")
	}
	s.sent = append(s.sent, n)
	s.attempts = append(s.attempts, attempt)
	return nil
}

func (s *recordingSink) snapshot() ([]Notification, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.sent...), s.calls
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.NewLogger(logging.DefaultLogConfig())
	if err != nil {
		t.Fatalf("logging.NewLogger: %v", err)
	}
	return logger
}

func TestDispatcherDelivers(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 8, 3, time.Millisecond, testLogger(t))
	d.Start()

	n := New(TypePaymentReleased, 42)
	n.TxHash = "0xabc"
	d.Publish(n)
	d.Stop()

	sent, _ := sink.snapshot()
	if len(sent) != 1 {
		t.Fatalf("delivered %d notifications, want 1", len(sent))
	}
	if sent[0].Type != TypePaymentReleased || sent[0].TaskID != 42 {
		t.Errorf("unexpected notification: %+v", sent[0])
	}
	if sent[0].ID == "" {
		t.Error("notification should carry a generated ID")
	}
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	sink := &recordingSink{failures: 2}
	d := NewDispatcher(sink, 8, 3, time.Millisecond, testLogger(t))
	d.Start()

	d.Publish(New(TypeSubmissionApproved, 1))
	d.Stop()

	sent, calls := sink.snapshot()
	if len(sent) != 1 {
		t.Fatalf("delivered %d notifications, want 1", len(sent))
	}
	if calls != 3 {
		t.Errorf("sink called %d times, want 3", calls)
	}
}

func TestDispatcherSwallowsExhaustedFailures(t *testing.T) {
	sink := &recordingSink{failures: 100}
	d := NewDispatcher(sink, 8, 2, time.Millisecond, testLogger(t))
	d.Start()

	d.Publish(New(TypeSubmissionRejected, 5))
	d.Stop() // must return without error or panic

	sent, calls := sink.snapshot()
	if len(sent) != 0 {
		t.Errorf("delivered %d notifications, want 0", len(sent))
	}
	if calls != 2 {
		t.Errorf("sink called %d times, want 2", calls)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	sink := &recordingSink{}
	// Not started: nothing consumes the queue.
	d := NewDispatcher(sink, 1, 1, time.Millisecond, testLogger(t))

	d.Publish(New(TypePaymentReleased, 1))
	done := make(chan struct{})
	go func() {
		d.Publish(New(TypePaymentReleased, 2)) // must not block
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
}

func TestPublishAfterStopIsNoOp(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 8, 1, time.Millisecond, testLogger(t))
	d.Start()
	d.Stop()

	d.Publish(New(TypePaymentReleased, 1)) // must not panic on the closed queue

	if sent, _ := sink.snapshot(); len(sent) != 0 {
		t.Errorf("delivered %d notifications after Stop, want 0", len(sent))
	}
}

func TestPublishConcurrentWithStop(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 4, 1, time.Millisecond, testLogger(t))
	d.Start()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				d.Publish(New(TypePaymentReleased, id))
			}
		}(int64(i))
	}
	d.Stop()
	wg.Wait()
}

func TestWebhookSinkEnvelope(t *testing.T) {
	var got webhookEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode envelope: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second)
	n := New(TypePaymentReleased, 9)
	n.Amount = "0.5"
	if err := sink.Send(context.Background(), n, 2); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	if got.Event != TypePaymentReleased {
		t.Errorf("event = %s, want PAYMENT_RELEASED", got.Event)
	}
	if got.AttemptNumber != 2 {
		t.Errorf("attemptNumber = %d, want 2", got.AttemptNumber)
	}
	if got.Data.Amount != "0.5" {
		t.Errorf("data.amount = %s, want 0.5", got.Data.Amount)
	}
}

func TestWebhookSinkNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second)
	if err := sink.Send(context.Background(), New(TypeTaskExpired, 1), 1); err == nil {
		t.Error("expected error for HTTP 500")
	}
}
