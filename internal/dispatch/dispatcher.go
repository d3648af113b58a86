package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"payout-guardian/internal/store"
)

// Config configures the notification dispatcher.
type Config struct {
	Workers        int           `yaml:"workers"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	JitterFraction float64       `yaml:"jitter_fraction"`
}

// DefaultConfig returns sensible dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        2,
		PollInterval:   250 * time.Millisecond,
		SendTimeout:    8 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     15 * time.Minute,
		JitterFraction: 0.1,
	}
}

// Dispatcher drains the notification queue. Workers claim one job at a
// time; the store's claim semantics keep two workers off the same job,
// so the dispatcher itself holds no delivery state.
type Dispatcher struct {
	config     Config
	store      store.Store
	transports map[string]Transport
	logger     *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a dispatcher over the given transports.
func New(cfg Config, st store.Store, transports []Transport, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig().InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}

	byChannel := make(map[string]Transport, len(transports))
	for _, t := range transports {
		byChannel[t.Channel()] = t
	}
	return &Dispatcher{
		config:     cfg,
		store:      st,
		transports: byChannel,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// ChannelPlans returns the fan-out plan for the dispatcher's channels.
// Channels without a destination are included unconfigured, so the
// alert records them as not_configured without queueing a job.
func (d *Dispatcher) ChannelPlans() []store.ChannelPlan {
	plans := make([]store.ChannelPlan, 0, len(d.transports))
	for name, t := range d.transports {
		plans = append(plans, store.ChannelPlan{Name: name, Configured: t.Configured()})
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].Name < plans[j].Name })
	return plans
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.logger.Info("notification dispatcher started", "workers", d.config.Workers)
}

// Stop signals the workers and waits for in-flight sends to finish.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
		}

		// Drain everything that is due before sleeping again.
		for {
			job, err := d.store.Claim(ctx, time.Now().UTC())
			if err != nil {
				if !errors.Is(err, store.ErrNoJobReady) && ctx.Err() == nil {
					d.logger.Error("claim failed", "error", err)
				}
				break
			}
			d.process(ctx, job)
		}
	}
}

// process handles one claimed job through to its next state.
func (d *Dispatcher) process(ctx context.Context, job *store.NotificationJob) {
	transport, ok := d.transports[job.Channel]
	if !ok || !transport.Configured() {
		// No destination for this channel. Terminal, counts as delivered.
		if err := d.store.MarkSkipped(ctx, job.ID, "not_configured"); err != nil {
			d.logger.Error("mark skipped failed", "job_id", job.ID, "error", err)
		}
		d.logger.Info("notification skipped",
			"alert_id", job.AlertID,
			"channel", job.Channel,
			"reason", "not_configured",
		)
		return
	}

	alert, err := d.store.GetAlert(ctx, job.AlertID)
	if err != nil {
		d.logger.Error("alert lookup failed", "alert_id", job.AlertID, "error", err)
		d.fail(ctx, job, "alert lookup failed: "+err.Error())
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	err = transport.Send(sendCtx, Render(alert, job))
	cancel()

	if err == nil {
		if err := d.store.MarkDelivered(ctx, job.ID); err != nil {
			d.logger.Error("mark delivered failed", "job_id", job.ID, "error", err)
		}
		d.logger.Info("notification delivered",
			"alert_id", job.AlertID,
			"channel", job.Channel,
			"attempt", job.Attempt,
		)
		return
	}

	if !Retryable(err) {
		d.logger.Warn("permanent delivery failure",
			"alert_id", job.AlertID,
			"channel", job.Channel,
			"error", err,
		)
		d.fail(ctx, job, err.Error())
		return
	}

	if job.Attempt >= d.config.MaxAttempts {
		d.logger.Error("notification dead-lettered",
			"alert_id", job.AlertID,
			"channel", job.Channel,
			"attempts", job.Attempt,
			"error", err,
		)
		d.fail(ctx, job, err.Error())
		return
	}

	notBefore := time.Now().UTC().Add(d.backoff(job.Attempt))
	if rerr := d.store.ScheduleRetry(ctx, job.ID, notBefore, err.Error()); rerr != nil {
		d.logger.Error("schedule retry failed", "job_id", job.ID, "error", rerr)
		return
	}
	d.logger.Warn("notification delivery failed, retrying",
		"alert_id", job.AlertID,
		"channel", job.Channel,
		"attempt", job.Attempt,
		"max_attempts", d.config.MaxAttempts,
		"not_before", notBefore,
		"error", err,
	)
}

func (d *Dispatcher) fail(ctx context.Context, job *store.NotificationJob, reason string) {
	if err := d.store.MarkFailed(ctx, job.ID, reason); err != nil {
		d.logger.Error("mark failed failed", "job_id", job.ID, "error", err)
	}
}

// backoff computes the delay before the next attempt: the initial
// backoff doubled per attempt, capped, with symmetric jitter.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.config.InitialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.config.MaxBackoff {
			delay = d.config.MaxBackoff
			break
		}
	}
	if delay > d.config.MaxBackoff {
		delay = d.config.MaxBackoff
	}

	if d.config.JitterFraction > 0 {
		spread := float64(delay) * d.config.JitterFraction
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
