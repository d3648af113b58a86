// Package store persists alerts and their notification delivery queue.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"payout-guardian/internal/rules"
)

// AlertStatus represents the review status of an alert.
type AlertStatus string

const (
	StatusOpen     AlertStatus = "open"
	StatusResolved AlertStatus = "resolved"
)

// DeliveryStatus is the notification state of one channel of an alert.
// Transitions are monotonic except that an operator retry moves a
// failed channel back to retrying.
type DeliveryStatus string

const (
	DeliveryNotConfigured DeliveryStatus = "not_configured"
	DeliveryPending       DeliveryStatus = "pending"
	DeliveryRetrying      DeliveryStatus = "retrying"
	DeliveryDelivered     DeliveryStatus = "delivered"
	DeliveryFailed        DeliveryStatus = "failed"
	// DeliveryPartial only appears in summaries, never in the
	// per-channel map: some channels delivered, some dead-lettered.
	DeliveryPartial DeliveryStatus = "partial"
)

// ActionStatus tracks the auto-pause action taken for an alert. It is
// independent of notification delivery.
type ActionStatus string

const (
	ActionNone        ActionStatus = "none"
	ActionPending     ActionStatus = "pending"
	ActionPaused      ActionStatus = "paused"
	ActionPauseFailed ActionStatus = "pause_failed"
)

// Alert is a persisted fraud alert. DeliveryStatus tracks each channel
// separately; the store updates it alongside every job transition.
type Alert struct {
	ID             uuid.UUID                 `json:"id"`
	Type           rules.AlertType           `json:"type"`
	Severity       rules.Severity            `json:"severity"`
	Message        string                    `json:"message"`
	AccountID      string                    `json:"account_id"`
	SourceEventID  string                    `json:"source_event_id,omitempty"`
	PayoutID       string                    `json:"payout_id,omitempty"`
	Status         AlertStatus               `json:"status"`
	DeliveryStatus map[string]DeliveryStatus `json:"delivery_status"`
	ActionStatus   ActionStatus              `json:"action_status"`
	ActionDetail   string                    `json:"action_detail,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
	ResolvedAt     *time.Time                `json:"resolved_at,omitempty"`
	ResolvedBy     string                    `json:"resolved_by,omitempty"`
}

// NewAlert builds an open alert from a rule candidate. The delivery map
// starts empty; fan-out fills in one entry per channel.
func NewAlert(c rules.Candidate) *Alert {
	now := time.Now().UTC()
	return &Alert{
		ID:             uuid.New(),
		Type:           c.Type,
		Severity:       c.Severity,
		Message:        c.Message,
		AccountID:      c.AccountID,
		SourceEventID:  c.SourceEventID,
		PayoutID:       c.PayoutID,
		Status:         StatusOpen,
		DeliveryStatus: map[string]DeliveryStatus{},
		ActionStatus:   ActionNone,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// clone deep-copies the alert so callers never share the delivery map.
func (a *Alert) clone() *Alert {
	cp := *a
	cp.DeliveryStatus = make(map[string]DeliveryStatus, len(a.DeliveryStatus))
	for ch, st := range a.DeliveryStatus {
		cp.DeliveryStatus[ch] = st
	}
	return &cp
}

// DeliverySummary collapses the per-channel statuses into one value for
// list views. Channels without a destination count as delivered.
func (a *Alert) DeliverySummary() DeliveryStatus {
	if len(a.DeliveryStatus) == 0 {
		return DeliveryPending
	}
	delivered, failed := 0, 0
	for _, st := range a.DeliveryStatus {
		switch st {
		case DeliveryDelivered, DeliveryNotConfigured:
			delivered++
		case DeliveryFailed:
			failed++
		}
	}
	switch {
	case delivered == len(a.DeliveryStatus):
		return DeliveryDelivered
	case failed == len(a.DeliveryStatus):
		return DeliveryFailed
	case failed > 0 && delivered+failed == len(a.DeliveryStatus):
		return DeliveryPartial
	default:
		return DeliveryPending
	}
}

// ChannelPlan tells fan-out how to treat one channel: a configured
// channel gets a queue job, an unconfigured one is recorded on the
// alert as not_configured with no job.
type ChannelPlan struct {
	Name       string
	Configured bool
}

// PlanChannels builds a plan where every named channel is configured.
func PlanChannels(names ...string) []ChannelPlan {
	plans := make([]ChannelPlan, 0, len(names))
	for _, name := range names {
		plans = append(plans, ChannelPlan{Name: name, Configured: true})
	}
	return plans
}

// JobState represents the delivery state of one notification job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobInFlight  JobState = "in_flight"
	JobRetrying  JobState = "retrying"
	JobDelivered JobState = "delivered"
	JobSkipped   JobState = "skipped"
	JobFailed    JobState = "failed"
)

// Terminal reports whether the state admits no further transitions
// short of a manual retry.
func (s JobState) Terminal() bool {
	return s == JobDelivered || s == JobSkipped || s == JobFailed
}

// NotificationJob is one channel's delivery attempt record for an alert.
// At most one job exists per (alert, channel) pair.
type NotificationJob struct {
	ID          uuid.UUID  `json:"id"`
	AlertID     uuid.UUID  `json:"alert_id"`
	Channel     string     `json:"channel"`
	State       JobState   `json:"state"`
	Attempt     int        `json:"attempt"`
	NotBefore   time.Time  `json:"not_before"`
	LastError   string     `json:"last_error,omitempty"`
	SkipReason  string     `json:"skip_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// IdempotencyKey identifies one delivery attempt so a channel receiving
// a duplicate send can drop it.
func (j *NotificationJob) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%d", j.AlertID, j.Channel, j.Attempt)
}

// AlertFilter defines filters for listing alerts. DeliveryStatus
// matches alerts with at least one channel in that status; filtering on
// pending also matches alerts whose fan-out has not run yet.
type AlertFilter struct {
	Status         *AlertStatus
	DeliveryStatus *DeliveryStatus
	Severity       *rules.Severity
	Type           *rules.AlertType
	AccountID      string
	Since          *time.Time
	Until          *time.Time
	Limit          int
	Offset         int
}

// Matches reports whether the alert passes every set filter.
func (f *AlertFilter) Matches(a *Alert) bool {
	if f.Status != nil && a.Status != *f.Status {
		return false
	}
	if !f.matchesDelivery(a) {
		return false
	}
	if f.Severity != nil && a.Severity != *f.Severity {
		return false
	}
	if f.Type != nil && a.Type != *f.Type {
		return false
	}
	if f.AccountID != "" && a.AccountID != f.AccountID {
		return false
	}
	if f.Since != nil && a.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && a.CreatedAt.After(*f.Until) {
		return false
	}
	return true
}

func (f *AlertFilter) matchesDelivery(a *Alert) bool {
	if f.DeliveryStatus == nil {
		return true
	}
	want := *f.DeliveryStatus
	if len(a.DeliveryStatus) == 0 {
		return want == DeliveryPending
	}
	for _, st := range a.DeliveryStatus {
		if st == want {
			return true
		}
	}
	return false
}

// Stats summarizes the store contents. ByDelivery counts channel
// entries, not alerts, since one alert carries one status per channel.
type Stats struct {
	TotalAlerts int            `json:"total_alerts"`
	BySeverity  map[string]int `json:"by_severity"`
	ByStatus    map[string]int `json:"by_status"`
	ByDelivery  map[string]int `json:"by_delivery"`
	JobStates   map[string]int `json:"job_states"`
	DeadLetters int            `json:"dead_letters"`
}

var (
	// ErrNotFound is returned when an alert or job does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNoJobReady is returned by Claim when no job is due.
	ErrNoJobReady = errors.New("no notification job ready")
	// ErrNotRetryable is returned by RetryChannel when the job is not
	// in a failed state.
	ErrNotRetryable = errors.New("channel is not in a failed state")
)

// Store persists alerts and drives the notification job lifecycle.
//
// Claim is the only way a job enters in_flight: it atomically picks one
// due job (pending or retrying, notBefore elapsed), marks it in_flight,
// and increments its attempt counter. Two concurrent claimers never
// receive the same job.
type Store interface {
	// CreateAlert persists a new alert. Fan-out is a separate step so a
	// crash between the two is recoverable by the reconciliation sweep.
	CreateAlert(ctx context.Context, alert *Alert) error

	// FanOutNotifications creates one pending job per configured
	// channel and records unconfigured channels on the alert's delivery
	// map without a job. It is idempotent on (alertID, channel):
	// re-invoking it fills in only what is missing.
	FanOutNotifications(ctx context.Context, alertID uuid.UUID, channels []ChannelPlan) ([]*NotificationJob, error)

	GetAlert(ctx context.Context, id uuid.UUID) (*Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*Alert, error)
	ListJobs(ctx context.Context, alertID uuid.UUID) ([]*NotificationJob, error)

	ResolveAlert(ctx context.Context, id uuid.UUID, user string) error
	SetActionStatus(ctx context.Context, id uuid.UUID, status ActionStatus, detail string) error

	// Claim returns the next due job, or ErrNoJobReady.
	Claim(ctx context.Context, now time.Time) (*NotificationJob, error)

	MarkDelivered(ctx context.Context, jobID uuid.UUID) error
	// MarkSkipped records a channel that cannot be attempted. Skipped
	// jobs are terminal; the channel reads not_configured on the alert.
	MarkSkipped(ctx context.Context, jobID uuid.UUID, reason string) error
	// ScheduleRetry moves an in_flight job to retrying with a future
	// notBefore. The attempt counter is untouched; Claim owns it.
	ScheduleRetry(ctx context.Context, jobID uuid.UUID, notBefore time.Time, lastError string) error
	// MarkFailed dead-letters a job after its attempts are exhausted or
	// a permanent error was seen.
	MarkFailed(ctx context.Context, jobID uuid.UUID, lastError string) error

	// RetryChannel resets one failed channel back to pending with a
	// fresh attempt counter. Other channels of the alert are untouched.
	RetryChannel(ctx context.Context, alertID uuid.UUID, channel string) error

	// PurgeTerminal deletes resolved alerts older than the cutoff along
	// with their jobs, and returns how many alerts were removed.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error)

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
