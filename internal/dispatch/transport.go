// Package dispatch delivers alert notifications from the store-backed
// queue with bounded retries and dead-lettering.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Message is a rendered notification ready for one channel. The
// idempotency key covers (alert, channel, attempt) so receivers can
// drop duplicate sends.
type Message struct {
	AlertID        string
	AccountID      string
	IdempotencyKey string
	Subject        string
	Body           string
	Severity       string
}

// Transport sends rendered messages over one channel.
type Transport interface {
	Channel() string
	// Configured reports whether the channel has a destination. An
	// unconfigured channel is skipped, not failed.
	Configured() bool
	Send(ctx context.Context, msg *Message) error
}

// StatusError is a non-2xx response from a channel provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Code, e.Body)
}

// Retryable classifies a send error. Network failures, timeouts, 429
// and 5xx responses are transient; any other HTTP status is permanent.
func Retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// postJSON issues the request and converts non-2xx responses to
// StatusError so the dispatcher can classify them.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// EmailTransport sends notifications through an HTTP email provider.
type EmailTransport struct {
	url    string
	apiKey string
	from   string
	to     []string
	client *http.Client
}

// EmailConfig configures the email transport.
type EmailConfig struct {
	URL    string   `yaml:"url"`
	APIKey string   `yaml:"api_key"`
	From   string   `yaml:"from"`
	To     []string `yaml:"to"`
}

// NewEmailTransport creates an email transport.
func NewEmailTransport(cfg EmailConfig) *EmailTransport {
	return &EmailTransport{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		from:   cfg.From,
		to:     cfg.To,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (e *EmailTransport) Channel() string {
	return "email"
}

func (e *EmailTransport) Configured() bool {
	return e.url != "" && len(e.to) > 0
}

func (e *EmailTransport) Send(ctx context.Context, msg *Message) error {
	payload := map[string]interface{}{
		"from":    e.from,
		"to":      e.to,
		"subject": msg.Subject,
		"text":    msg.Body,
	}
	headers := map[string]string{
		"Idempotency-Key": msg.IdempotencyKey,
	}
	if e.apiKey != "" {
		headers["Authorization"] = "Bearer " + e.apiKey
	}
	if err := postJSON(ctx, e.client, e.url, headers, payload); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}

// ChatTransport posts notifications to a chat webhook.
type ChatTransport struct {
	webhookURL string
	username   string
	client     *http.Client
}

// ChatConfig configures the chat webhook transport.
type ChatConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Username   string `yaml:"username"`
}

// NewChatTransport creates a chat webhook transport.
func NewChatTransport(cfg ChatConfig) *ChatTransport {
	username := cfg.Username
	if username == "" {
		username = "payout-guardian"
	}
	return &ChatTransport{
		webhookURL: cfg.WebhookURL,
		username:   username,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *ChatTransport) Channel() string {
	return "chat"
}

func (c *ChatTransport) Configured() bool {
	return c.webhookURL != ""
}

func (c *ChatTransport) Send(ctx context.Context, msg *Message) error {
	payload := map[string]interface{}{
		"username": c.username,
		"text":     fmt.Sprintf("*[%s]* %s\n%s", strings.ToUpper(msg.Severity), msg.Subject, msg.Body),
		"metadata": map[string]interface{}{
			"alert_id":        msg.AlertID,
			"account_id":      msg.AccountID,
			"idempotency_key": msg.IdempotencyKey,
		},
	}
	if err := postJSON(ctx, c.client, c.webhookURL, nil, payload); err != nil {
		return fmt.Errorf("chat send: %w", err)
	}
	return nil
}
