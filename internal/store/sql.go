package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"payout-guardian/internal/rules"
)

// SQLStore persists alerts and jobs in a relational database. Claim
// uses a compare-and-set update, so it stays correct across processes
// sharing one database. The per-channel delivery map is stored as a
// JSON column on the alert row.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle and creates the schema if
// it is missing.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("schema migration: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			account_id TEXT NOT NULL,
			source_event_id TEXT,
			payout_id TEXT,
			status TEXT NOT NULL,
			delivery_status TEXT NOT NULL,
			action_status TEXT NOT NULL,
			action_detail TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP,
			resolved_by TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_account ON alerts(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at)`,
		`CREATE TABLE IF NOT EXISTS notification_jobs (
			id TEXT PRIMARY KEY,
			alert_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			state TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			not_before TIMESTAMP NOT NULL,
			last_error TEXT,
			skip_reason TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			delivered_at TIMESTAMP,
			UNIQUE(alert_id, channel)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_due ON notification_jobs(state, not_before)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func marshalDelivery(m map[string]DeliveryStatus) (string, error) {
	if m == nil {
		m = map[string]DeliveryStatus{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode delivery map: %w", err)
	}
	return string(raw), nil
}

func unmarshalDelivery(raw string) (map[string]DeliveryStatus, error) {
	m := map[string]DeliveryStatus{}
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode delivery map: %w", err)
	}
	return m, nil
}

// CreateAlert persists a new alert.
func (s *SQLStore) CreateAlert(ctx context.Context, alert *Alert) error {
	delivery, err := marshalDelivery(alert.DeliveryStatus)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO alerts (
			id, type, severity, message, account_id, source_event_id,
			payout_id, status, delivery_status, action_status, action_detail,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		alert.ID.String(),
		string(alert.Type),
		string(alert.Severity),
		alert.Message,
		alert.AccountID,
		alert.SourceEventID,
		alert.PayoutID,
		string(alert.Status),
		delivery,
		string(alert.ActionStatus),
		alert.ActionDetail,
		alert.CreatedAt,
		alert.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", alert.ID, err)
	}
	return nil
}

// FanOutNotifications fills in the missing jobs and delivery entries
// for the alert's channels. The whole fan-out runs in one transaction.
func (s *SQLStore) FanOutNotifications(ctx context.Context, alertID uuid.UUID, channels []ChannelPlan) ([]*NotificationJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fan out %s: %w", alertID, err)
	}
	defer tx.Rollback()

	var rawDelivery string
	err = tx.QueryRowContext(ctx,
		`SELECT delivery_status FROM alerts WHERE id = ?`, alertID.String()).Scan(&rawDelivery)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	delivery, err := unmarshalDelivery(rawDelivery)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	changed := false
	var created []*NotificationJob
	for _, plan := range channels {
		if _, ok := delivery[plan.Name]; ok {
			continue
		}
		if !plan.Configured {
			delivery[plan.Name] = DeliveryNotConfigured
			changed = true
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
		// The unique (alert_id, channel) index makes re-invocation a no-op
		// for channels that already have a job.
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO notification_jobs (
				id, alert_id, channel, state, attempt, not_before, created_at, updated_at
			) VALUES (?, ?, ?, ?, 0, ?, ?, ?)
		`, job.ID.String(), alertID.String(), plan.Name, string(JobPending), now, now, now)
		if err != nil {
			return nil, fmt.Errorf("fan out %s to %s: %w", alertID, plan.Name, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created = append(created, job)
			delivery[plan.Name] = DeliveryPending
			changed = true
		}
	}

	if changed {
		raw, err := marshalDelivery(delivery)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE alerts SET delivery_status = ?, updated_at = ? WHERE id = ?
		`, raw, now, alertID.String()); err != nil {
			return nil, fmt.Errorf("record fan out for %s: %w", alertID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("fan out %s: %w", alertID, err)
	}
	return created, nil
}

// GetAlert retrieves an alert by ID.
func (s *SQLStore) GetAlert(ctx context.Context, id uuid.UUID) (*Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, severity, message, account_id, source_event_id,
			payout_id, status, delivery_status, action_status, action_detail,
			created_at, updated_at, resolved_at, resolved_by
		FROM alerts WHERE id = ?
	`, id.String())

	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return alert, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*Alert, error) {
	var alert Alert
	var id, typ, severity, status, delivery, action string
	var sourceEventID, payoutID, actionDetail, resolvedBy sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(
		&id, &typ, &severity, &alert.Message, &alert.AccountID,
		&sourceEventID, &payoutID, &status, &delivery, &action,
		&actionDetail, &alert.CreatedAt, &alert.UpdatedAt,
		&resolvedAt, &resolvedBy,
	)
	if err != nil {
		return nil, err
	}

	alert.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("bad alert id %q: %w", id, err)
	}
	alert.Type = rules.AlertType(typ)
	alert.Severity = rules.Severity(severity)
	alert.Status = AlertStatus(status)
	alert.DeliveryStatus, err = unmarshalDelivery(delivery)
	if err != nil {
		return nil, fmt.Errorf("alert %s: %w", id, err)
	}
	alert.ActionStatus = ActionStatus(action)
	alert.SourceEventID = sourceEventID.String
	alert.PayoutID = payoutID.String
	alert.ActionDetail = actionDetail.String
	alert.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		alert.ResolvedAt = &t
	}
	return &alert, nil
}

// ListAlerts lists alerts newest first with optional filters. The
// delivery filter inspects the JSON map, so it is applied after the
// scan; limit and offset then move with it.
func (s *SQLStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]*Alert, error) {
	query := `
		SELECT id, type, severity, message, account_id, source_event_id,
			payout_id, status, delivery_status, action_status, action_detail,
			created_at, updated_at, resolved_at, resolved_by
		FROM alerts WHERE 1=1
	`
	var args []any

	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.Severity != nil {
		query += " AND severity = ?"
		args = append(args, string(*filter.Severity))
	}
	if filter.Type != nil {
		query += " AND type = ?"
		args = append(args, string(*filter.Type))
	}
	if filter.AccountID != "" {
		query += " AND account_id = ?"
		args = append(args, filter.AccountID)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		query += " AND created_at <= ?"
		args = append(args, *filter.Until)
	}

	query += " ORDER BY created_at DESC"
	inSQL := filter.DeliveryStatus == nil
	if inSQL && filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if inSQL && filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var results []*Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		if !filter.matchesDelivery(alert) {
			continue
		}
		results = append(results, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if !inSQL {
		if filter.Offset > 0 {
			if filter.Offset >= len(results) {
				return []*Alert{}, nil
			}
			results = results[filter.Offset:]
		}
		if filter.Limit > 0 && filter.Limit < len(results) {
			results = results[:filter.Limit]
		}
	}
	return results, nil
}

func scanJob(row rowScanner) (*NotificationJob, error) {
	var job NotificationJob
	var id, alertID, state string
	var lastError, skipReason sql.NullString
	var deliveredAt sql.NullTime

	err := row.Scan(
		&id, &alertID, &job.Channel, &state, &job.Attempt, &job.NotBefore,
		&lastError, &skipReason, &job.CreatedAt, &job.UpdatedAt, &deliveredAt,
	)
	if err != nil {
		return nil, err
	}

	job.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("bad job id %q: %w", id, err)
	}
	job.AlertID, err = uuid.Parse(alertID)
	if err != nil {
		return nil, fmt.Errorf("bad alert id %q: %w", alertID, err)
	}
	job.State = JobState(state)
	job.LastError = lastError.String
	job.SkipReason = skipReason.String
	if deliveredAt.Valid {
		t := deliveredAt.Time
		job.DeliveredAt = &t
	}
	return &job, nil
}

const jobColumns = `id, alert_id, channel, state, attempt, not_before,
	last_error, skip_reason, created_at, updated_at, delivered_at`

// ListJobs returns the alert's jobs ordered by channel.
func (s *SQLStore) ListJobs(ctx context.Context, alertID uuid.UUID) ([]*NotificationJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM notification_jobs WHERE alert_id = ? ORDER BY channel`,
		alertID.String())
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var results []*NotificationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		results = append(results, job)
	}
	return results, rows.Err()
}

// ResolveAlert marks an alert resolved.
func (s *SQLStore) ResolveAlert(ctx context.Context, id uuid.UUID, user string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET status = ?, resolved_at = ?, resolved_by = ?, updated_at = ?
		WHERE id = ?
	`, string(StatusResolved), now, user, now, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetActionStatus records the auto-pause outcome on the alert.
func (s *SQLStore) SetActionStatus(ctx context.Context, id uuid.UUID, status ActionStatus, detail string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET action_status = ?, action_detail = ?, updated_at = ?
		WHERE id = ?
	`, string(status), detail, time.Now().UTC(), id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return nil
}

// Claim atomically takes the next due job. The compare-and-set update
// loses gracefully when another claimer got there first, in which case
// the next candidate is tried.
func (s *SQLStore) Claim(ctx context.Context, now time.Time) (*NotificationJob, error) {
	for {
		row := s.db.QueryRowContext(ctx, `
			SELECT `+jobColumns+` FROM notification_jobs
			WHERE state IN (?, ?) AND not_before <= ?
			ORDER BY not_before LIMIT 1
		`, string(JobPending), string(JobRetrying), now)

		job, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoJobReady
		}
		if err != nil {
			return nil, fmt.Errorf("claim candidate: %w", err)
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE notification_jobs
			SET state = ?, attempt = attempt + 1, updated_at = ?
			WHERE id = ? AND state = ?
		`, string(JobInFlight), time.Now().UTC(), job.ID.String(), string(job.State))
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", job.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the race; try the next candidate.
			continue
		}

		job.State = JobInFlight
		job.Attempt++
		return job, nil
	}
}

// setDelivery writes one channel's status into the alert's delivery
// map, read-modify-write inside a transaction.
func (s *SQLStore) setDelivery(ctx context.Context, alertID uuid.UUID, channel string, status DeliveryStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRowContext(ctx,
		`SELECT delivery_status FROM alerts WHERE id = ?`, alertID.String()).Scan(&raw); err != nil {
		return err
	}
	delivery, err := unmarshalDelivery(raw)
	if err != nil {
		return err
	}
	delivery[channel] = status
	updated, err := marshalDelivery(delivery)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE alerts SET delivery_status = ?, updated_at = ? WHERE id = ?
	`, updated, time.Now().UTC(), alertID.String()); err != nil {
		return err
	}
	return tx.Commit()
}

// updateJob applies a job transition and mirrors it onto the alert's
// delivery map.
func (s *SQLStore) updateJob(ctx context.Context, jobID uuid.UUID, delivery DeliveryStatus, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}

	var alertID, channel string
	if err := s.db.QueryRowContext(ctx,
		`SELECT alert_id, channel FROM notification_jobs WHERE id = ?`, jobID.String()).Scan(&alertID, &channel); err != nil {
		return err
	}
	id, err := uuid.Parse(alertID)
	if err != nil {
		return fmt.Errorf("bad alert id %q: %w", alertID, err)
	}
	return s.setDelivery(ctx, id, channel, delivery)
}

// MarkDelivered records a successful send.
func (s *SQLStore) MarkDelivered(ctx context.Context, jobID uuid.UUID) error {
	now := time.Now().UTC()
	return s.updateJob(ctx, jobID, DeliveryDelivered, `
		UPDATE notification_jobs
		SET state = ?, delivered_at = ?, last_error = '', updated_at = ?
		WHERE id = ?
	`, string(JobDelivered), now, now, jobID.String())
}

// MarkSkipped records a channel that cannot be attempted.
func (s *SQLStore) MarkSkipped(ctx context.Context, jobID uuid.UUID, reason string) error {
	return s.updateJob(ctx, jobID, DeliveryNotConfigured, `
		UPDATE notification_jobs
		SET state = ?, skip_reason = ?, updated_at = ?
		WHERE id = ?
	`, string(JobSkipped), reason, time.Now().UTC(), jobID.String())
}

// ScheduleRetry moves an in_flight job back to the queue.
func (s *SQLStore) ScheduleRetry(ctx context.Context, jobID uuid.UUID, notBefore time.Time, lastError string) error {
	return s.updateJob(ctx, jobID, DeliveryRetrying, `
		UPDATE notification_jobs
		SET state = ?, not_before = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, string(JobRetrying), notBefore, lastError, time.Now().UTC(), jobID.String())
}

// MarkFailed dead-letters a job.
func (s *SQLStore) MarkFailed(ctx context.Context, jobID uuid.UUID, lastError string) error {
	return s.updateJob(ctx, jobID, DeliveryFailed, `
		UPDATE notification_jobs
		SET state = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, string(JobFailed), lastError, time.Now().UTC(), jobID.String())
}

// RetryChannel resets one failed channel to pending. The delivery map
// reads retrying, the one permitted step back from failed.
func (s *SQLStore) RetryChannel(ctx context.Context, alertID uuid.UUID, channel string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_jobs
		SET state = ?, attempt = 0, not_before = ?, last_error = '', updated_at = ?
		WHERE alert_id = ? AND channel = ? AND state = ?
	`, string(JobPending), now, now, alertID.String(), channel, string(JobFailed))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM notification_jobs WHERE alert_id = ? AND channel = ?`,
			alertID.String(), channel).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("alert %s channel %s: %w", alertID, channel, ErrNotFound)
		}
		return fmt.Errorf("alert %s channel %s: %w", alertID, channel, ErrNotRetryable)
	}
	return s.setDelivery(ctx, alertID, channel, DeliveryRetrying)
}

// PurgeTerminal removes resolved alerts older than the cutoff.
func (s *SQLStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM notification_jobs WHERE alert_id IN (
			SELECT id FROM alerts WHERE status = ? AND created_at < ?
		)
	`, string(StatusResolved), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM alerts WHERE status = ? AND created_at < ?`,
		string(StatusResolved), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge alerts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats returns alert and job counters.
func (s *SQLStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		BySeverity: make(map[string]int),
		ByStatus:   make(map[string]int),
		ByDelivery: make(map[string]int),
		JobStates:  make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT severity, status, delivery_status FROM alerts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var severity, status, rawDelivery string
		if err := rows.Scan(&severity, &status, &rawDelivery); err != nil {
			return nil, err
		}
		stats.TotalAlerts++
		stats.BySeverity[severity]++
		stats.ByStatus[status]++
		delivery, err := unmarshalDelivery(rawDelivery)
		if err != nil {
			return nil, err
		}
		for _, st := range delivery {
			stats.ByDelivery[string(st)]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jobRows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM notification_jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer jobRows.Close()
	for jobRows.Next() {
		var state string
		var count int
		if err := jobRows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats.JobStates[state] += count
		if state == string(JobFailed) {
			stats.DeadLetters += count
		}
	}
	return stats, jobRows.Err()
}

// Close closes the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
