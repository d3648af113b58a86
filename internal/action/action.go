// Package action applies the automatic payout pause for severe alerts.
// The action runs off the delivery path: a failed pause never delays or
// blocks notifications.
package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"payout-guardian/internal/rules"
	"payout-guardian/internal/store"
)

// PayoutController pauses a pending payout on the processor side.
type PayoutController interface {
	PausePayout(ctx context.Context, accountID, payoutID, reason string) error
}

// HTTPController calls the processor's account management API.
type HTTPController struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// ControllerConfig configures the payout controller client.
type ControllerConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// NewHTTPController creates a payout controller client.
func NewHTTPController(cfg ControllerConfig) *HTTPController {
	return &HTTPController{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// PausePayout holds the specific payout.
func (c *HTTPController) PausePayout(ctx context.Context, accountID, payoutID, reason string) error {
	payload, err := json.Marshal(map[string]string{
		"account_id": accountID,
		"payout_id":  payoutID,
		"reason":     reason,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal pause request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/accounts/%s/payouts/%s/pause", c.baseURL, accountID, payoutID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("pause request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("pause endpoint returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Config configures the auto-pauser.
type Config struct {
	Enabled     bool           `yaml:"enabled"`
	MinSeverity rules.Severity `yaml:"min_severity"`
	Timeout     time.Duration  `yaml:"timeout"`
}

// DefaultConfig returns the default auto-pause policy.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		MinSeverity: rules.SeverityHigh,
		Timeout:     10 * time.Second,
	}
}

// AutoPauser pauses the implicated payout when an alert meets the
// severity threshold, recording the outcome on the alert.
type AutoPauser struct {
	config     Config
	controller PayoutController
	store      store.Store
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// New creates an auto-pauser. A nil controller disables the action.
func New(cfg Config, controller PayoutController, st store.Store, logger *slog.Logger) *AutoPauser {
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = rules.SeverityHigh
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoPauser{
		config:     cfg,
		controller: controller,
		store:      st,
		logger:     logger,
	}
}

// Consider kicks off the pause for an alert when the policy applies.
// It returns immediately; the outcome lands on the alert's actionStatus.
func (a *AutoPauser) Consider(alert *store.Alert) {
	if !a.config.Enabled || a.controller == nil {
		return
	}
	if !alert.Severity.AtLeast(a.config.MinSeverity) {
		return
	}
	// Only a concrete payout can be paused.
	if alert.PayoutID == "" {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		// Detached from the request context so delivery and intake
		// never wait on the processor API.
		ctx, cancel := context.WithTimeout(context.Background(), a.config.Timeout)
		defer cancel()
		a.pause(ctx, alert)
	}()
}

func (a *AutoPauser) pause(ctx context.Context, alert *store.Alert) {
	if err := a.store.SetActionStatus(ctx, alert.ID, store.ActionPending, ""); err != nil {
		a.logger.Error("action status update failed", "alert_id", alert.ID, "error", err)
	}

	reason := fmt.Sprintf("fraud alert %s (%s)", alert.ID, alert.Type)
	if err := a.controller.PausePayout(ctx, alert.AccountID, alert.PayoutID, reason); err != nil {
		a.logger.Error("auto-pause failed",
			"alert_id", alert.ID,
			"account_id", alert.AccountID,
			"payout_id", alert.PayoutID,
			"error", err,
		)
		if serr := a.store.SetActionStatus(ctx, alert.ID, store.ActionPauseFailed, err.Error()); serr != nil {
			a.logger.Error("action status update failed", "alert_id", alert.ID, "error", serr)
		}
		return
	}

	a.logger.Info("payout paused",
		"alert_id", alert.ID,
		"account_id", alert.AccountID,
		"payout_id", alert.PayoutID,
	)
	if err := a.store.SetActionStatus(ctx, alert.ID, store.ActionPaused, ""); err != nil {
		a.logger.Error("action status update failed", "alert_id", alert.ID, "error", err)
	}
}

// Wait blocks until in-flight pause actions finish. Used on shutdown.
func (a *AutoPauser) Wait() {
	a.wg.Wait()
}
