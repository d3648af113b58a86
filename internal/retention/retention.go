// Package retention expires old data and repairs incomplete fan-outs.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"payout-guardian/internal/archive"
	"payout-guardian/internal/store"
)

// Config holds the retention policy for all storage layers.
type Config struct {
	// EventsTTL bounds how long raw events stay in the history tables.
	EventsTTL time.Duration `yaml:"events_ttl"`
	// AlertTTL bounds how long resolved alerts stay in the store.
	AlertTTL time.Duration `yaml:"alert_ttl"`
	// SweepInterval is how often the purge and reconcile loops run.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// ArchiveBeforePurge uploads expired alerts to S3 before deletion.
	ArchiveBeforePurge bool `yaml:"archive_before_purge"`
}

// DefaultConfig returns the default retention policy.
func DefaultConfig() Config {
	return Config{
		EventsTTL:          90 * 24 * time.Hour,
		AlertTTL:           30 * 24 * time.Hour,
		SweepInterval:      15 * time.Minute,
		ArchiveBeforePurge: false,
	}
}

// TTLClient is the slice of the history client retention needs.
type TTLClient interface {
	Exec(ctx context.Context, query string, args ...any) error
}

// ApplyEventTTL sets the table-level TTL on the history events table.
// Called after the schema exists; a failure is logged, not fatal.
func ApplyEventTTL(ctx context.Context, client TTLClient, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	days := int(ttl.Hours() / 24)
	if days < 1 {
		days = 1
	}
	query := fmt.Sprintf(
		"ALTER TABLE events MODIFY TTL created_at + INTERVAL %d DAY DELETE",
		days,
	)
	if err := client.Exec(ctx, query); err != nil {
		return fmt.Errorf("apply events ttl: %w", err)
	}
	slog.Info("applied history retention policy", "table", "events", "ttl_days", days)
	return nil
}

// Archiver uploads alert records before they are purged.
type Archiver interface {
	Archive(ctx context.Context, records []archive.Record) error
}

// Manager runs the periodic purge and fan-out reconciliation loops.
type Manager struct {
	store    store.Store
	archiver Archiver
	channels []store.ChannelPlan
	config   Config
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewManager creates a retention manager. archiver may be nil when
// ArchiveBeforePurge is off; channels is the dispatcher's fan-out plan
// used to repair incomplete fan-outs.
func NewManager(st store.Store, archiver Archiver, channels []store.ChannelPlan, cfg Config, logger *slog.Logger) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.AlertTTL <= 0 {
		cfg.AlertTTL = DefaultConfig().AlertTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    st,
		archiver: archiver,
		channels: channels,
		config:   cfg,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.loop()
	m.logger.Info("retention manager started",
		"sweep_interval", m.config.SweepInterval,
		"alert_ttl", m.config.AlertTTL,
	)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.config.SweepInterval)
			m.Sweep(ctx)
			cancel()
		}
	}
}

// Sweep runs one reconcile-then-purge pass. Reconcile runs first so a
// crash between alert creation and fan-out is repaired before the alert
// could ever age out.
func (m *Manager) Sweep(ctx context.Context) {
	if repaired, err := m.ReconcileFanOuts(ctx); err != nil {
		m.logger.Error("fan-out reconciliation failed", "error", err)
	} else if repaired > 0 {
		m.logger.Info("repaired incomplete fan-outs", "alerts", repaired)
	}

	if purged, err := m.Purge(ctx); err != nil {
		m.logger.Error("retention purge failed", "error", err)
	} else if purged > 0 {
		m.logger.Info("purged expired alerts", "alerts", purged)
	}
}

// ReconcileFanOuts finds open alerts whose delivery map does not cover
// every planned channel and re-invokes the idempotent fan-out. Existing
// jobs and entries are untouched; only the missing channels are filled.
func (m *Manager) ReconcileFanOuts(ctx context.Context) (int, error) {
	open := store.StatusOpen
	alerts, err := m.store.ListAlerts(ctx, store.AlertFilter{Status: &open})
	if err != nil {
		return 0, fmt.Errorf("list open alerts: %w", err)
	}

	repaired := 0
	for _, alert := range alerts {
		if m.fanOutComplete(alert) {
			continue
		}
		created, err := m.store.FanOutNotifications(ctx, alert.ID, m.channels)
		if err != nil {
			return repaired, fmt.Errorf("refan alert %s: %w", alert.ID, err)
		}
		repaired++
		m.logger.Warn("alert had an incomplete fan-out",
			"alert_id", alert.ID,
			"missing_jobs", len(created),
		)
	}
	return repaired, nil
}

func (m *Manager) fanOutComplete(alert *store.Alert) bool {
	for _, plan := range m.channels {
		if _, ok := alert.DeliveryStatus[plan.Name]; !ok {
			return false
		}
	}
	return true
}

// Purge archives (when configured) and deletes resolved alerts older
// than the TTL, along with their terminal notification jobs.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.config.AlertTTL)

	if m.config.ArchiveBeforePurge && m.archiver != nil {
		if err := m.archiveExpired(ctx, cutoff); err != nil {
			// Purge is skipped so nothing is lost; the next sweep retries.
			return 0, err
		}
	}

	return m.store.PurgeTerminal(ctx, cutoff)
}

func (m *Manager) archiveExpired(ctx context.Context, cutoff time.Time) error {
	resolved := store.StatusResolved
	alerts, err := m.store.ListAlerts(ctx, store.AlertFilter{Status: &resolved, Until: &cutoff})
	if err != nil {
		return fmt.Errorf("list expired alerts: %w", err)
	}
	if len(alerts) == 0 {
		return nil
	}

	records := make([]archive.Record, 0, len(alerts))
	for _, alert := range alerts {
		jobs, err := m.store.ListJobs(ctx, alert.ID)
		if err != nil {
			return fmt.Errorf("list jobs for %s: %w", alert.ID, err)
		}
		records = append(records, archive.Record{Alert: alert, Jobs: jobs})
	}
	if err := m.archiver.Archive(ctx, records); err != nil {
		return err
	}
	return nil
}
