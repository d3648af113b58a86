// Package tui provides a terminal console for browsing and working
// guardian alerts.
package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"payout-guardian/internal/store"
)

// Client handles API communication with the guardian daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type alertListResponse struct {
	Alerts []*store.Alert `json:"alerts"`
	Total  int            `json:"total"`
}

// ListAlerts fetches the most recent alerts.
func (c *Client) ListAlerts(limit int) ([]*store.Alert, error) {
	url := fmt.Sprintf("%s/v1/alerts?limit=%d", c.baseURL, limit)
	resp, err := c.httpClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("alerts request returned %d", resp.StatusCode)
	}

	var body alertListResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode alerts: %w", err)
	}
	return body.Alerts, nil
}

// GetStats fetches aggregate alert statistics.
func (c *Client) GetStats() (*store.Stats, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/v1/alerts/stats")
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stats request returned %d", resp.StatusCode)
	}

	var stats store.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}
	return &stats, nil
}

// ResolveAlert marks an alert as resolved.
func (c *Client) ResolveAlert(id, user string) error {
	payload, _ := json.Marshal(map[string]string{"user": user})
	url := fmt.Sprintf("%s/v1/alerts/%s/resolve", c.baseURL, id)
	resp, err := c.httpClient.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("resolve returned %d", resp.StatusCode)
	}
	return nil
}

// RetryChannel schedules a fresh delivery attempt on a dead-lettered
// channel.
func (c *Client) RetryChannel(id, channel string) error {
	payload, _ := json.Marshal(map[string]string{"channel": channel})
	url := fmt.Sprintf("%s/v1/alerts/%s/retry", c.baseURL, id)
	resp, err := c.httpClient.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("retry returned %d", resp.StatusCode)
	}
	return nil
}
