// Package rules provides the fraud rule evaluators and their
// account-overridable configuration.
package rules

import "time"

// Severity represents alert severity levels.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank returns a numeric rank for severity comparison.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether s is at or above the given threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.Rank() >= threshold.Rank()
}

// IsValid checks if the severity is a valid value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// AlertType identifies which rule produced an alert.
type AlertType string

const (
	TypeVelocity            AlertType = "velocity"
	TypeBankSwap            AlertType = "bank_swap"
	TypeGeoMismatch         AlertType = "geo_mismatch"
	TypeSuddenPayoutDisable AlertType = "sudden_payout_disable"
	TypeFailedChargeBurst   AlertType = "failed_charge_burst"
	TypeHighRiskReview      AlertType = "high_risk_review"
)

// Candidate is a provisional alert emitted by a rule evaluator.
// The engine decides which candidates become persisted alerts.
type Candidate struct {
	Type          AlertType `json:"type"`
	Severity      Severity  `json:"severity"`
	Message       string    `json:"message"`
	AccountID     string    `json:"account_id"`
	SourceEventID string    `json:"source_event_id,omitempty"`
	PayoutID      string    `json:"payout_id,omitempty"`
}

// PayoutRecord is one historical payout in the evaluation context.
type PayoutRecord struct {
	EventID   string
	PayoutID  string
	AmountUSD float64
	CreatedAt time.Time
}

// ChargeRecord is one historical charge in the evaluation context.
type ChargeRecord struct {
	EventID   string
	ChargeID  string
	Country   string
	Failed    bool
	CreatedAt time.Time
}

// BankChangeRecord is one historical external-account change.
type BankChangeRecord struct {
	EventID   string
	CreatedAt time.Time
}

// AccountMeta is the account metadata slice of the context.
// A missing record means "unknown", never an error.
type AccountMeta struct {
	Country        string
	PayoutsEnabled bool
}

// Context is the bounded look-back history an evaluator sees.
// All slices exclude the triggering event itself.
type Context struct {
	RecentPayouts     []PayoutRecord
	RecentCharges     []ChargeRecord
	RecentBankChanges []BankChangeRecord
	Account           *AccountMeta
}
