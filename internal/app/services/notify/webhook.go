package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/R3E-Network/pricewatch/internal/httputil"
)

// WebhookSink POSTs each event as JSON to a fixed URL.
type WebhookSink struct {
	client *httputil.Client
	url    string
}

// NewWebhookSink returns a sink posting to url through client.
func NewWebhookSink(client *httputil.Client, url string) *WebhookSink {
	return &WebhookSink{client: client, url: url}
}

func (s *WebhookSink) Deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	resp, err := s.client.Fetch(ctx, s.url, nil, map[string]string{"Content-Type": "application/json"}, httputil.FetchOptions{
		Method: http.MethodPost,
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	if !resp.OK() {
		return fmt.Errorf("deliver webhook: status %d", resp.StatusCode)
	}
	return nil
}
