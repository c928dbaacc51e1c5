package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"chatrelay/internal/pkg/errors"
	"chatrelay/internal/platform/config"
	"chatrelay/internal/platform/models"
)

// Sender posts a rendered message to a chat-space webhook URL.
type Sender interface {
	Send(ctx context.Context, url string, msg *models.Message) error
}

// ChatClient is the production Sender: a plain HTTP POST with a bounded
// timeout, classifying the response for the dispatcher's retry policy.
type ChatClient struct {
	client    *http.Client
	userAgent string
}

func NewChatClient(cfg config.ChatConfig) *ChatClient {
	return &ChatClient{
		client:    &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
	}
}

type chatPayload struct {
	Text string          `json:"text,omitempty"`
	Card json.RawMessage `json:"card,omitempty"`
}

// Send classifies outcomes: 2xx success, 4xx permanent (the URL or
// payload is bad, retrying burns budget for nothing), 5xx/timeout/
// network transient. 429 is transient: the chat space is throttling,
// not rejecting.
func (c *ChatClient) Send(ctx context.Context, url string, msg *models.Message) error {
	payload := chatPayload{Text: msg.Text}
	if msg.Card != "" {
		payload.Card = json.RawMessage(msg.Card)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Validation("message encoding failed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Permanent("building request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Transient("chat webhook unreachable", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return errors.Transient(fmt.Sprintf("chat webhook throttled (HTTP %d)", resp.StatusCode), nil)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return errors.Permanent(fmt.Sprintf("chat webhook rejected request (HTTP %d)", resp.StatusCode), nil)
	default:
		return errors.Transient(fmt.Sprintf("chat webhook error (HTTP %d)", resp.StatusCode), nil)
	}
}
