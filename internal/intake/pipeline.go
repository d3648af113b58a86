package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"payout-guardian/internal/engine"
	"payout-guardian/internal/rules"
	"payout-guardian/internal/schema"
	"payout-guardian/internal/store"
)

// HistoryWriter records verified events in the history store.
type HistoryWriter interface {
	Write(ctx context.Context, event *schema.Event) error
}

// Evaluator runs the rule engine for one event.
type Evaluator interface {
	Evaluate(ctx context.Context, event *schema.Event) (*engine.Result, error)
}

// Pauser decides whether an alert warrants pausing the account's payouts.
type Pauser interface {
	Consider(alert *store.Alert)
}

// Pipeline turns one raw Kafka message into history rows, alerts, and
// notification jobs. Handle is safe to call again with the same message;
// the marker and the per-channel fan-out keep re-delivery idempotent.
type Pipeline struct {
	validator *schema.Validator
	writer    HistoryWriter
	engine    Evaluator
	store     store.Store
	channels  []store.ChannelPlan
	pauser    Pauser
	marker    Marker
	logger    *slog.Logger
}

// NewPipeline wires the intake stages together. pauser may be nil when
// the auto-pause action is disabled.
func NewPipeline(validator *schema.Validator, writer HistoryWriter, eng Evaluator, st store.Store, channels []store.ChannelPlan, pauser Pauser, marker Marker, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if marker == nil {
		marker = NewMemoryMarker()
	}
	return &Pipeline{
		validator: validator,
		writer:    writer,
		engine:    eng,
		store:     st,
		channels:  channels,
		pauser:    pauser,
		marker:    marker,
		logger:    logger,
	}
}

// Handle processes one raw event message. A nil return commits the
// Kafka offset; an error leaves the message uncommitted for redelivery.
// Malformed or invalid events return an error wrapped as non-retryable
// so the consumer can log and commit past them.
func (p *Pipeline) Handle(ctx context.Context, raw []byte) error {
	var event schema.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return &RejectError{Reason: "malformed json", Err: err}
	}
	if err := p.validator.Validate(&event); err != nil {
		return &RejectError{Reason: "schema validation", Err: err}
	}

	seen, err := p.marker.Seen(ctx, event.ID)
	if err != nil {
		return fmt.Errorf("idempotency check for %s: %w", event.ID, err)
	}
	if seen {
		p.logger.Debug("skipping already processed event", "event_id", event.ID)
		return nil
	}

	if err := p.writer.Write(ctx, &event); err != nil {
		return fmt.Errorf("record event %s: %w", event.ID, err)
	}

	result, err := p.engine.Evaluate(ctx, &event)
	if err != nil {
		return fmt.Errorf("evaluate event %s: %w", event.ID, err)
	}

	for _, candidate := range result.Candidates {
		if err := p.raiseAlert(ctx, candidate); err != nil {
			return err
		}
	}
	if result.Suppressed > 0 {
		p.logger.Info("alerts suppressed by quota",
			"account_id", event.AccountID,
			"suppressed", result.Suppressed,
		)
	}

	// Mark last so a crash anywhere above leads to a clean retry.
	if err := p.marker.Mark(ctx, event.ID); err != nil {
		p.logger.Warn("failed to mark processed event", "event_id", event.ID, "error", err)
	}
	return nil
}

func (p *Pipeline) raiseAlert(ctx context.Context, candidate rules.Candidate) error {
	alert := store.NewAlert(candidate)
	if err := p.store.CreateAlert(ctx, alert); err != nil {
		return fmt.Errorf("create alert for %s: %w", candidate.AccountID, err)
	}

	// The alert stands even when fan-out fails: failing the message here
	// would recreate the alert on redelivery, since the idempotency
	// marker is only written after the whole event succeeds. The
	// reconciliation sweep fills in the missing jobs instead.
	jobs, err := p.store.FanOutNotifications(ctx, alert.ID, p.channels)
	if err != nil {
		p.logger.Error("fan out failed, leaving repair to reconciliation",
			"alert_id", alert.ID,
			"error", err,
		)
	}

	p.logger.Info("alert created",
		"alert_id", alert.ID,
		"type", alert.Type,
		"severity", alert.Severity,
		"account_id", alert.AccountID,
		"jobs", len(jobs),
	)

	if p.pauser != nil {
		p.pauser.Consider(alert)
	}
	return nil
}

// RejectError marks an event that can never succeed. The consumer
// commits past these instead of retrying forever.
type RejectError struct {
	Reason string
	Err    error
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("event rejected (%s): %v", e.Reason, e.Err)
}

func (e *RejectError) Unwrap() error { return e.Err }
