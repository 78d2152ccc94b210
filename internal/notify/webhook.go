package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/pickup-matching/internal/events"
)

// WebhookForwarder posts transition snapshots to an external dashboard
// endpoint. Delivery is best-effort; the projection store remains the
// source of truth for catch-up.
type WebhookForwarder struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookForwarder(endpoint string) *WebhookForwarder {
	return &WebhookForwarder{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (w *WebhookForwarder) Forward(ctx context.Context, t events.Transition) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
