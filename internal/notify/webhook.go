package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	errs "microtask-settlement/pkg/errors"
)

// WebhookSink POSTs notifications to a configured endpoint.
type WebhookSink struct {
	url   string
	httpc *http.Client
}

var _ Sink = (*WebhookSink)(nil)

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:   url,
		httpc: &http.Client{Timeout: timeout},
	}
}

type webhookEnvelope struct {
	Event         Type         `json:"event"`
	Timestamp     time.Time    `json:"timestamp"`
	Data          Notification `json:"data"`
	AttemptNumber int          `json:"attemptNumber"`
}

func (s *WebhookSink) Send(ctx context.Context, n Notification, attempt int) error {
	payload, err := json.Marshal(webhookEnvelope{
		Event:         n.Type,
		Timestamp:     time.Now(),
		Data:          n,
		AttemptNumber: attempt,
	})
	if err != nil {
		return errs.NewExternal("notify.Send", "webhook", "failed to marshal payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return errs.NewExternal("notify.Send", "webhook", "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return errs.NewExternal("notify.Send", "webhook", "delivery failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.NewExternal("notify.Send", "webhook",
			fmt.Sprintf("endpoint returned status %d", resp.StatusCode), nil)
	}
	return nil
}
