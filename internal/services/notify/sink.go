package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"auditsched/pkg/logx"
)

// Sink is the delivery backend. Send must be safe for concurrent use and
// should honor ctx cancellation; the pipeline owns retries and rate limiting.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the service log. Useful as a default and in
// dry-run deployments.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Send(_ context.Context, n Notification) error {
	s.Log.Info("audit due",
		logx.String("entry", n.EntryID),
		logx.String("store", n.StoreID),
		logx.String("checklist", n.ChecklistID),
		logx.Date("scheduled_on", n.ScheduledOn),
		logx.String("auditor", n.AuditorEmail),
	)
	return nil
}

// WebhookSink POSTs one JSON document per notification. This is the boundary
// where a mail gateway or chat integration plugs in.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func NewWebhookSink(url string, timeout time.Duration) WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return WebhookSink{URL: url, Client: &http.Client{Timeout: timeout}}
}

type webhookPayload struct {
	Type         string       `json:"type"`
	Notification Notification `json:"notification"`
}

func (s WebhookSink) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(webhookPayload{Type: "audit.due", Notification: n})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
