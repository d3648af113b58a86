package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for single-instance deployments
// and tests. All job transitions happen under one mutex, which gives
// Claim its exclusivity.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[uuid.UUID]*Alert
	jobs   map[uuid.UUID]*NotificationJob
	// byAlert indexes job IDs per alert for fan-out idempotency.
	byAlert map[uuid.UUID]map[string]uuid.UUID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts:  make(map[uuid.UUID]*Alert),
		jobs:    make(map[uuid.UUID]*NotificationJob),
		byAlert: make(map[uuid.UUID]map[string]uuid.UUID),
	}
}

// CreateAlert persists a new alert.
func (m *MemoryStore) CreateAlert(_ context.Context, alert *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.alerts[alert.ID]; ok {
		return fmt.Errorf("alert %s already exists", alert.ID)
	}
	m.alerts[alert.ID] = alert.clone()
	return nil
}

// FanOutNotifications fills in the missing jobs and delivery entries
// for the alert's channels.
func (m *MemoryStore) FanOutNotifications(_ context.Context, alertID uuid.UUID, channels []ChannelPlan) ([]*NotificationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[alertID]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}

	existing := m.byAlert[alertID]
	if existing == nil {
		existing = make(map[string]uuid.UUID)
		m.byAlert[alertID] = existing
	}

	now := time.Now().UTC()
	var created []*NotificationJob
	for _, plan := range channels {
		if _, ok := alert.DeliveryStatus[plan.Name]; ok {
			continue
		}
		if !plan.Configured {
			alert.DeliveryStatus[plan.Name] = DeliveryNotConfigured
			alert.UpdatedAt = now
			continue
		}
		job := &NotificationJob{
			ID:        uuid.New(),
			AlertID:   alertID,
			Channel:   plan.Name,
			State:     JobPending,
			NotBefore: now,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.jobs[job.ID] = job
		existing[plan.Name] = job.ID
		alert.DeliveryStatus[plan.Name] = DeliveryPending
		alert.UpdatedAt = now
		cp := *job
		created = append(created, &cp)
	}
	return created, nil
}

// GetAlert retrieves an alert by ID.
func (m *MemoryStore) GetAlert(_ context.Context, id uuid.UUID) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alert, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return alert.clone(), nil
}

// ListAlerts lists alerts newest first with optional filters.
func (m *MemoryStore) ListAlerts(_ context.Context, filter AlertFilter) ([]*Alert, error) {
	m.mu.RLock()
	var results []*Alert
	for _, alert := range m.alerts {
		if filter.Matches(alert) {
			results = append(results, alert.clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(results) {
			return []*Alert{}, nil
		}
		results = results[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(results) {
		results = results[:filter.Limit]
	}
	return results, nil
}

// ListJobs returns the alert's jobs ordered by channel.
func (m *MemoryStore) ListJobs(_ context.Context, alertID uuid.UUID) ([]*NotificationJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*NotificationJob
	for _, id := range m.byAlert[alertID] {
		cp := *m.jobs[id]
		results = append(results, &cp)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Channel < results[j].Channel
	})
	return results, nil
}

// ResolveAlert marks an alert resolved.
func (m *MemoryStore) ResolveAlert(_ context.Context, id uuid.UUID, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	now := time.Now().UTC()
	alert.Status = StatusResolved
	alert.ResolvedAt = &now
	alert.ResolvedBy = user
	alert.UpdatedAt = now
	return nil
}

// SetActionStatus records the auto-pause outcome on the alert.
func (m *MemoryStore) SetActionStatus(_ context.Context, id uuid.UUID, status ActionStatus, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	alert.ActionStatus = status
	alert.ActionDetail = detail
	alert.UpdatedAt = time.Now().UTC()
	return nil
}

// Claim atomically takes the next due job.
func (m *MemoryStore) Claim(_ context.Context, now time.Time) (*NotificationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *NotificationJob
	for _, job := range m.jobs {
		if job.State != JobPending && job.State != JobRetrying {
			continue
		}
		if job.NotBefore.After(now) {
			continue
		}
		if next == nil || job.NotBefore.Before(next.NotBefore) {
			next = job
		}
	}
	if next == nil {
		return nil, ErrNoJobReady
	}

	next.State = JobInFlight
	next.Attempt++
	next.UpdatedAt = time.Now().UTC()
	cp := *next
	return &cp, nil
}

func (m *MemoryStore) job(id uuid.UUID) (*NotificationJob, error) {
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, nil
}

// setDelivery writes one channel's status on the alert. Callers hold
// the write lock.
func (m *MemoryStore) setDelivery(alertID uuid.UUID, channel string, status DeliveryStatus) {
	alert, ok := m.alerts[alertID]
	if !ok {
		return
	}
	alert.DeliveryStatus[channel] = status
	alert.UpdatedAt = time.Now().UTC()
}

// MarkDelivered records a successful send.
func (m *MemoryStore) MarkDelivered(_ context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.job(jobID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job.State = JobDelivered
	job.DeliveredAt = &now
	job.LastError = ""
	job.UpdatedAt = now
	m.setDelivery(job.AlertID, job.Channel, DeliveryDelivered)
	return nil
}

// MarkSkipped records a channel that cannot be attempted.
func (m *MemoryStore) MarkSkipped(_ context.Context, jobID uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.job(jobID)
	if err != nil {
		return err
	}
	job.State = JobSkipped
	job.SkipReason = reason
	job.UpdatedAt = time.Now().UTC()
	m.setDelivery(job.AlertID, job.Channel, DeliveryNotConfigured)
	return nil
}

// ScheduleRetry moves an in_flight job back to the queue.
func (m *MemoryStore) ScheduleRetry(_ context.Context, jobID uuid.UUID, notBefore time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.job(jobID)
	if err != nil {
		return err
	}
	job.State = JobRetrying
	job.NotBefore = notBefore
	job.LastError = lastError
	job.UpdatedAt = time.Now().UTC()
	m.setDelivery(job.AlertID, job.Channel, DeliveryRetrying)
	return nil
}

// MarkFailed dead-letters a job.
func (m *MemoryStore) MarkFailed(_ context.Context, jobID uuid.UUID, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.job(jobID)
	if err != nil {
		return err
	}
	job.State = JobFailed
	job.LastError = lastError
	job.UpdatedAt = time.Now().UTC()
	m.setDelivery(job.AlertID, job.Channel, DeliveryFailed)
	return nil
}

// RetryChannel resets one failed channel to pending. The delivery map
// reads retrying, the one permitted step back from failed.
func (m *MemoryStore) RetryChannel(_ context.Context, alertID uuid.UUID, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobID, ok := m.byAlert[alertID][channel]
	if !ok {
		return fmt.Errorf("alert %s channel %s: %w", alertID, channel, ErrNotFound)
	}
	job := m.jobs[jobID]
	if job.State != JobFailed {
		return fmt.Errorf("alert %s channel %s in state %s: %w", alertID, channel, job.State, ErrNotRetryable)
	}

	now := time.Now().UTC()
	job.State = JobPending
	job.Attempt = 0
	job.NotBefore = now
	job.LastError = ""
	job.UpdatedAt = now
	m.setDelivery(alertID, channel, DeliveryRetrying)
	return nil
}

// PurgeTerminal removes resolved alerts older than the cutoff.
func (m *MemoryStore) PurgeTerminal(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, alert := range m.alerts {
		if alert.Status != StatusResolved || !alert.CreatedAt.Before(cutoff) {
			continue
		}
		for _, jobID := range m.byAlert[id] {
			delete(m.jobs, jobID)
		}
		delete(m.byAlert, id)
		delete(m.alerts, id)
		removed++
	}
	return removed, nil
}

// Stats returns alert and job counters.
func (m *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{
		TotalAlerts: len(m.alerts),
		BySeverity:  make(map[string]int),
		ByStatus:    make(map[string]int),
		ByDelivery:  make(map[string]int),
		JobStates:   make(map[string]int),
	}
	for _, alert := range m.alerts {
		stats.BySeverity[string(alert.Severity)]++
		stats.ByStatus[string(alert.Status)]++
		for _, st := range alert.DeliveryStatus {
			stats.ByDelivery[string(st)]++
		}
	}
	for _, job := range m.jobs {
		stats.JobStates[string(job.State)]++
		if job.State == JobFailed {
			stats.DeadLetters++
		}
	}
	return stats, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
