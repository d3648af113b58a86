package rules

import (
	"fmt"
	"time"

	"payout-guardian/internal/schema"
)

// Evaluator is a single fraud rule. Evaluators are pure functions over
// the event, its context, and the effective rule-set: no I/O, no state.
type Evaluator interface {
	Name() string
	Evaluate(event *schema.Event, evalCtx *Context, set *RuleSet) ([]Candidate, error)
}

// ---------------------------------------------------------------------------
// Velocity breach
// ---------------------------------------------------------------------------

// VelocityEvaluator flags accounts that issue payouts faster than the
// configured rate. Only payout events are inspected.
type VelocityEvaluator struct{}

// NewVelocityEvaluator creates the velocity-breach evaluator.
func NewVelocityEvaluator() *VelocityEvaluator {
	return &VelocityEvaluator{}
}

func (v *VelocityEvaluator) Name() string {
	return string(TypeVelocity)
}

func (v *VelocityEvaluator) Evaluate(event *schema.Event, evalCtx *Context, set *RuleSet) ([]Candidate, error) {
	if !event.IsPayout() {
		return nil, nil
	}

	cfg := set.VelocityBreach
	cutoff := event.Time().Add(-time.Duration(cfg.WindowSeconds) * time.Second)

	// The context excludes the triggering event, so count it explicitly.
	total := 1
	for _, p := range evalCtx.RecentPayouts {
		if !p.CreatedAt.Before(cutoff) {
			total++
		}
	}

	if total <= cfg.MaxPayouts {
		return nil, nil
	}

	return []Candidate{{
		Type:          TypeVelocity,
		Severity:      SeverityHigh,
		Message:       fmt.Sprintf("%d payouts inside %ds window", total, cfg.WindowSeconds),
		AccountID:     event.AccountID,
		SourceEventID: event.ID,
		PayoutID:      event.ObjectID(),
	}}, nil
}

// ---------------------------------------------------------------------------
// Bank account swap
// ---------------------------------------------------------------------------

// BankSwapEvaluator flags large payouts issued shortly after the
// account's external bank account was changed.
type BankSwapEvaluator struct{}

// NewBankSwapEvaluator creates the bank-account-swap evaluator.
func NewBankSwapEvaluator() *BankSwapEvaluator {
	return &BankSwapEvaluator{}
}

func (b *BankSwapEvaluator) Name() string {
	return string(TypeBankSwap)
}

func (b *BankSwapEvaluator) Evaluate(event *schema.Event, evalCtx *Context, set *RuleSet) ([]Candidate, error) {
	if !event.IsPayout() {
		return nil, nil
	}

	cfg := set.BankSwap
	amount := event.AmountUSD()
	if amount < cfg.MinPayoutUSD {
		return nil, nil
	}

	cutoff := event.Time().Add(-time.Duration(cfg.LookbackMinutes) * time.Minute)
	swapped := false
	for _, c := range evalCtx.RecentBankChanges {
		if !c.CreatedAt.Before(cutoff) {
			swapped = true
			break
		}
	}
	if !swapped {
		return nil, nil
	}

	return []Candidate{{
		Type:     TypeBankSwap,
		Severity: SeverityMedium,
		Message: fmt.Sprintf("bank account changed within %d min of a $%.2f payout",
			cfg.LookbackMinutes, amount),
		AccountID:     event.AccountID,
		SourceEventID: event.ID,
		PayoutID:      event.ObjectID(),
	}}, nil
}

// ---------------------------------------------------------------------------
// Geo mismatch
// ---------------------------------------------------------------------------

// GeoMismatchEvaluator flags accounts whose recent charges come from
// more distinct countries than expected given the account's registered
// country. An unknown account country means no evaluation, not an error.
type GeoMismatchEvaluator struct{}

// NewGeoMismatchEvaluator creates the geo-mismatch evaluator.
func NewGeoMismatchEvaluator() *GeoMismatchEvaluator {
	return &GeoMismatchEvaluator{}
}

func (g *GeoMismatchEvaluator) Name() string {
	return string(TypeGeoMismatch)
}

func (g *GeoMismatchEvaluator) Evaluate(event *schema.Event, evalCtx *Context, set *RuleSet) ([]Candidate, error) {
	if !event.IsCharge() {
		return nil, nil
	}

	if evalCtx.Account == nil || evalCtx.Account.Country == "" {
		return nil, nil
	}
	home := evalCtx.Account.Country

	foreign := make(map[string]bool)
	offending := ""
	for _, c := range evalCtx.RecentCharges {
		if c.Country != "" && c.Country != home {
			foreign[c.Country] = true
			offending = c.Country
		}
	}
	if country := event.PayloadString("country"); country != "" && country != home {
		foreign[country] = true
		offending = country
	}

	if len(foreign) <= set.GeoMismatch.MismatchChargeCount {
		return nil, nil
	}

	return []Candidate{{
		Type:     TypeGeoMismatch,
		Severity: SeverityMedium,
		Message: fmt.Sprintf("charges from %s conflict with account country %s (%d distinct foreign countries)",
			offending, home, len(foreign)),
		AccountID:     event.AccountID,
		SourceEventID: event.ID,
	}}, nil
}

// ---------------------------------------------------------------------------
// Platform-wide supplemental rules
// ---------------------------------------------------------------------------

// ToggleConfig enables or disables one supplemental rule.
type ToggleConfig struct {
	Enabled bool `yaml:"enabled"`
}

// PlatformRules configures the supplemental rules that ship platform
// wide and sit outside the per-account rule-set document.
type PlatformRules struct {
	PayoutDisable  ToggleConfig `yaml:"sudden_payout_disable"`
	HighRiskReview ToggleConfig `yaml:"high_risk_review"`
	Burst          BurstConfig  `yaml:"failed_charge_burst"`
}

// DefaultPlatformRules enables every supplemental rule with the default
// burst thresholds.
func DefaultPlatformRules() PlatformRules {
	return PlatformRules{
		PayoutDisable:  ToggleConfig{Enabled: true},
		HighRiskReview: ToggleConfig{Enabled: true},
		Burst:          DefaultBurstConfig(),
	}
}

// ---------------------------------------------------------------------------
// Sudden payout disable
// ---------------------------------------------------------------------------

// PayoutDisableEvaluator flags accounts whose payouts_enabled flag
// flips from true to false, usually a sign the processor intervened.
type PayoutDisableEvaluator struct{}

// NewPayoutDisableEvaluator creates the sudden-payout-disable evaluator.
func NewPayoutDisableEvaluator() *PayoutDisableEvaluator {
	return &PayoutDisableEvaluator{}
}

func (p *PayoutDisableEvaluator) Name() string {
	return string(TypeSuddenPayoutDisable)
}

func (p *PayoutDisableEvaluator) Evaluate(event *schema.Event, evalCtx *Context, set *RuleSet) ([]Candidate, error) {
	if event.Type != schema.TypeAccountUpdated {
		return nil, nil
	}

	cur, curOK := event.PayloadBool("payouts_enabled")
	prev, prevOK := event.PreviousBool("payouts_enabled")
	if !curOK || !prevOK || cur || !prev {
		return nil, nil
	}

	return []Candidate{{
		Type:          TypeSuddenPayoutDisable,
		Severity:      SeverityMedium,
		Message:       fmt.Sprintf("payouts were disabled for account %s", event.AccountID),
		AccountID:     event.AccountID,
		SourceEventID: event.ID,
	}}, nil
}

// ---------------------------------------------------------------------------
// Failed charge burst
// ---------------------------------------------------------------------------

// BurstConfig configures the failed-charge-burst evaluator. These
// thresholds are platform-wide, not part of the per-account rule-set.
type BurstConfig struct {
	Enabled        bool `yaml:"enabled"`
	MinFailedCount int  `yaml:"min_failed_count"`
	WindowMinutes  int  `yaml:"window_minutes"`
}

// DefaultBurstConfig returns the default burst thresholds.
func DefaultBurstConfig() BurstConfig {
	return BurstConfig{
		Enabled:        true,
		MinFailedCount: 3,
		WindowMinutes:  5,
	}
}

// FailedChargeBurstEvaluator flags a spike of failed charges inside a
// short window.
type FailedChargeBurstEvaluator struct {
	config BurstConfig
}

// NewFailedChargeBurstEvaluator creates the failed-charge-burst evaluator.
func NewFailedChargeBurstEvaluator(cfg BurstConfig) *FailedChargeBurstEvaluator {
	return &FailedChargeBurstEvaluator{config: cfg}
}

func (f *FailedChargeBurstEvaluator) Name() string {
	return string(TypeFailedChargeBurst)
}

func (f *FailedChargeBurstEvaluator) Evaluate(event *schema.Event, evalCtx *Context, set *RuleSet) ([]Candidate, error) {
	if event.Type != schema.TypeChargeFailed {
		return nil, nil
	}

	cutoff := event.Time().Add(-time.Duration(f.config.WindowMinutes) * time.Minute)
	count := 1
	for _, c := range evalCtx.RecentCharges {
		if c.Failed && !c.CreatedAt.Before(cutoff) {
			count++
		}
	}

	if count < f.config.MinFailedCount {
		return nil, nil
	}

	return []Candidate{{
		Type:     TypeFailedChargeBurst,
		Severity: SeverityHigh,
		Message: fmt.Sprintf("%d failed charges in the last %d minutes (threshold %d)",
			count, f.config.WindowMinutes, f.config.MinFailedCount),
		AccountID:     event.AccountID,
		SourceEventID: event.ID,
	}}, nil
}

// ---------------------------------------------------------------------------
// High-risk review
// ---------------------------------------------------------------------------

// HighRiskReviewEvaluator flags reviews the processor's own risk engine
// opened. Reviews opened for other reasons (manual holds, verification)
// are ignored.
type HighRiskReviewEvaluator struct{}

// NewHighRiskReviewEvaluator creates the high-risk-review evaluator.
func NewHighRiskReviewEvaluator() *HighRiskReviewEvaluator {
	return &HighRiskReviewEvaluator{}
}

func (h *HighRiskReviewEvaluator) Name() string {
	return string(TypeHighRiskReview)
}

func (h *HighRiskReviewEvaluator) Evaluate(event *schema.Event, evalCtx *Context, set *RuleSet) ([]Candidate, error) {
	if event.Type != schema.TypeReviewOpened {
		return nil, nil
	}
	if event.PayloadString("reason") != "rule" {
		return nil, nil
	}

	msg := fmt.Sprintf("risk review opened for account %s", event.AccountID)
	if review := event.ObjectID(); review != "" {
		msg = fmt.Sprintf("risk review %s opened for account %s", review, event.AccountID)
	}

	return []Candidate{{
		Type:          TypeHighRiskReview,
		Severity:      SeverityHigh,
		Message:       msg,
		AccountID:     event.AccountID,
		SourceEventID: event.ID,
	}}, nil
}
