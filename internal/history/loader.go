package history

import (
	"context"
	"fmt"
	"time"

	"payout-guardian/internal/rules"
	"payout-guardian/internal/schema"
)

// LoaderConfig bounds the look-back windows for context queries. These
// are upper bounds; the evaluators apply the rule-set's own windows on
// top of what the loader returns.
type LoaderConfig struct {
	PayoutLookback     time.Duration `yaml:"payout_lookback"`
	ChargeLookback     time.Duration `yaml:"charge_lookback"`
	BankChangeLookback time.Duration `yaml:"bank_change_lookback"`
}

// DefaultLoaderConfig returns the default look-back bounds.
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		PayoutLookback:     time.Hour,
		ChargeLookback:     24 * time.Hour,
		BankChangeLookback: time.Hour,
	}
}

// Loader assembles the evaluation context for an event from the history
// tables. The triggering event itself is excluded from every slice, so
// evaluators count it explicitly.
type Loader struct {
	client *Client
	config LoaderConfig
}

// NewLoader creates a context loader.
func NewLoader(client *Client, cfg LoaderConfig) *Loader {
	def := DefaultLoaderConfig()
	if cfg.PayoutLookback <= 0 {
		cfg.PayoutLookback = def.PayoutLookback
	}
	if cfg.ChargeLookback <= 0 {
		cfg.ChargeLookback = def.ChargeLookback
	}
	if cfg.BankChangeLookback <= 0 {
		cfg.BankChangeLookback = def.BankChangeLookback
	}
	return &Loader{client: client, config: cfg}
}

// LoadContext returns the bounded look-back history for the event's
// account.
func (l *Loader) LoadContext(ctx context.Context, event *schema.Event) (*rules.Context, error) {
	at := event.Time()
	evalCtx := &rules.Context{}

	payouts, err := l.recentPayouts(ctx, event.AccountID, event.ID, at)
	if err != nil {
		return nil, fmt.Errorf("load payouts: %w", err)
	}
	evalCtx.RecentPayouts = payouts

	charges, err := l.recentCharges(ctx, event.AccountID, event.ID, at)
	if err != nil {
		return nil, fmt.Errorf("load charges: %w", err)
	}
	evalCtx.RecentCharges = charges

	changes, err := l.recentBankChanges(ctx, event.AccountID, event.ID, at)
	if err != nil {
		return nil, fmt.Errorf("load bank changes: %w", err)
	}
	evalCtx.RecentBankChanges = changes

	meta, err := l.accountMeta(ctx, event.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load account meta: %w", err)
	}
	evalCtx.Account = meta

	return evalCtx, nil
}

func (l *Loader) recentPayouts(ctx context.Context, accountID, excludeID string, at time.Time) ([]rules.PayoutRecord, error) {
	rows, err := l.client.Query(ctx, `
		SELECT event_id, object_id, amount_cents, created_at
		FROM events
		WHERE account_id = ?
		  AND event_type LIKE 'payout.%'
		  AND created_at >= ?
		  AND created_at <= ?
		  AND event_id != ?
		ORDER BY created_at
	`, accountID, at.Add(-l.config.PayoutLookback), at, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []rules.PayoutRecord
	for rows.Next() {
		var r rules.PayoutRecord
		var amountCents int64
		if err := rows.Scan(&r.EventID, &r.PayoutID, &amountCents, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.AmountUSD = float64(amountCents) / 100
		records = append(records, r)
	}
	return records, rows.Err()
}

func (l *Loader) recentCharges(ctx context.Context, accountID, excludeID string, at time.Time) ([]rules.ChargeRecord, error) {
	rows, err := l.client.Query(ctx, `
		SELECT event_id, object_id, country, failed, created_at
		FROM events
		WHERE account_id = ?
		  AND event_type LIKE 'charge.%'
		  AND created_at >= ?
		  AND created_at <= ?
		  AND event_id != ?
		ORDER BY created_at
	`, accountID, at.Add(-l.config.ChargeLookback), at, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []rules.ChargeRecord
	for rows.Next() {
		var r rules.ChargeRecord
		if err := rows.Scan(&r.EventID, &r.ChargeID, &r.Country, &r.Failed, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (l *Loader) recentBankChanges(ctx context.Context, accountID, excludeID string, at time.Time) ([]rules.BankChangeRecord, error) {
	rows, err := l.client.Query(ctx, `
		SELECT event_id, created_at
		FROM events
		WHERE account_id = ?
		  AND event_type = ?
		  AND created_at >= ?
		  AND created_at <= ?
		  AND event_id != ?
		ORDER BY created_at
	`, accountID, schema.TypeExternalAccountCreated, at.Add(-l.config.BankChangeLookback), at, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []rules.BankChangeRecord
	for rows.Next() {
		var r rules.BankChangeRecord
		if err := rows.Scan(&r.EventID, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// accountMeta returns the latest account record, or nil when the
// account has never been seen. Unknown is not an error.
func (l *Loader) accountMeta(ctx context.Context, accountID string) (*rules.AccountMeta, error) {
	rows, err := l.client.Query(ctx, `
		SELECT country, payouts_enabled
		FROM account_meta FINAL
		WHERE account_id = ?
		LIMIT 1
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var meta rules.AccountMeta
	if err := rows.Scan(&meta.Country, &meta.PayoutsEnabled); err != nil {
		return nil, err
	}
	return &meta, nil
}
