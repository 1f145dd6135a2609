package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Webhook posts rendered messages as JSON to a transactional mail API.
type Webhook struct {
	url    string
	token  string
	client *http.Client
}

type webhookRequest struct {
	Kind      string         `json:"kind"`
	Recipient string         `json:"recipient"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
}

type webhookResponse struct {
	ID string `json:"id"`
}

func NewWebhook(url, token string) *Webhook {
	return &Webhook{
		url:   url,
		token: token,
		// per-call deadlines come from ctx; this only guards against a missing one
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, msg Message) (string, error) {
	subject, body, err := Render(msg)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(webhookRequest{
		Kind:      string(msg.Kind),
		Recipient: msg.Recipient,
		Subject:   subject,
		Body:      body,
		Data:      msg.Data,
	})
	if err != nil {
		return "", errors.Wrap(err, "encode webhook payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "webhook request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", errors.Wrap(err, "read webhook response")
	}

	// Check for HTTP errors (4xx, 5xx)
	if resp.StatusCode >= 400 {
		return "", errors.WithDetailf(errors.Newf("webhook returned HTTP %d", resp.StatusCode), "response: %s", respBody)
	}

	var out webhookResponse
	if len(respBody) > 0 && json.Unmarshal(respBody, &out) == nil && out.ID != "" {
		return out.ID, nil
	}
	if id := resp.Header.Get("X-Message-Id"); id != "" {
		return id, nil
	}
	return "wh-" + uuid.NewString(), nil
}
