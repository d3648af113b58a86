package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
)

// RuleSet is the account-overridable rule configuration. The document
// has exactly three top-level keys; anything else is rejected and the
// override fails closed to the platform defaults.
type RuleSet struct {
	VelocityBreach VelocityBreachRule `json:"velocityBreach" validate:"required"`
	BankSwap       BankSwapRule       `json:"bankSwap" validate:"required"`
	GeoMismatch    GeoMismatchRule    `json:"geoMismatch" validate:"required"`
}

// VelocityBreachRule configures the velocity-breach evaluator.
type VelocityBreachRule struct {
	MaxPayouts    int `json:"maxPayouts" validate:"min=1"`
	WindowSeconds int `json:"windowSeconds" validate:"min=1"`
}

// BankSwapRule configures the bank-account-swap evaluator.
type BankSwapRule struct {
	LookbackMinutes int     `json:"lookbackMinutes" validate:"min=1"`
	MinPayoutUSD    float64 `json:"minPayoutUsd" validate:"min=0"`
}

// GeoMismatchRule configures the geo-mismatch evaluator.
type GeoMismatchRule struct {
	MismatchChargeCount int `json:"mismatchChargeCount" validate:"min=1"`
}

// DefaultRuleSet returns the platform default rule configuration.
func DefaultRuleSet() *RuleSet {
	return &RuleSet{
		VelocityBreach: VelocityBreachRule{MaxPayouts: 3, WindowSeconds: 60},
		BankSwap:       BankSwapRule{LookbackMinutes: 5, MinPayoutUSD: 1000},
		GeoMismatch:    GeoMismatchRule{MismatchChargeCount: 2},
	}
}

var ruleSetValidate = validator.New()

// requiredKeys are the exact top-level keys a rule-set document must carry.
var requiredKeys = []string{"velocityBreach", "bankSwap", "geoMismatch"}

// ParseRuleSet decodes and validates a rule-set JSON document.
// Unknown top-level or nested keys, missing required keys, and numeric
// fields below their minimums are all rejected.
func ParseRuleSet(data []byte) (*RuleSet, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("rule-set is not a JSON object: %w", err)
	}

	for _, key := range requiredKeys {
		if _, ok := raw[key]; !ok {
			return nil, fmt.Errorf("rule-set missing required key %q", key)
		}
	}
	if len(raw) != len(requiredKeys) {
		for key := range raw {
			known := false
			for _, k := range requiredKeys {
				if key == k {
					known = true
					break
				}
			}
			if !known {
				return nil, fmt.Errorf("rule-set has unknown key %q", key)
			}
		}
	}

	var set RuleSet
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&set); err != nil {
		return nil, fmt.Errorf("rule-set decode failed: %w", err)
	}

	if err := set.Validate(); err != nil {
		return nil, err
	}

	return &set, nil
}

// Validate checks the rule-set against the schema minimums.
func (r *RuleSet) Validate() error {
	if err := ruleSetValidate.Struct(r); err != nil {
		return fmt.Errorf("rule-set validation failed: %w", err)
	}
	return nil
}

// OverrideSource fetches the raw rule-set override for an account.
// A nil document means no override exists.
type OverrideSource interface {
	RuleSetOverride(ctx context.Context, accountID string) ([]byte, error)
}

// Resolver resolves the effective rule-set for an account: the account's
// validated override when present, the platform defaults otherwise.
// Invalid overrides fail closed to the defaults.
type Resolver struct {
	defaults  *RuleSet
	overrides OverrideSource
}

// NewResolver creates a rule-set resolver. overrides may be nil, in which
// case every account gets the defaults.
func NewResolver(defaults *RuleSet, overrides OverrideSource) *Resolver {
	if defaults == nil {
		defaults = DefaultRuleSet()
	}
	return &Resolver{defaults: defaults, overrides: overrides}
}

// Resolve returns the effective rule-set for the account.
func (r *Resolver) Resolve(ctx context.Context, accountID string) *RuleSet {
	if r.overrides == nil {
		return r.defaults
	}

	data, err := r.overrides.RuleSetOverride(ctx, accountID)
	if err != nil {
		slog.Warn("rule-set override fetch failed, using defaults",
			"account_id", accountID,
			"error", err,
		)
		return r.defaults
	}
	if data == nil {
		return r.defaults
	}

	set, err := ParseRuleSet(data)
	if err != nil {
		slog.Warn("invalid rule-set override, failing closed to defaults",
			"account_id", accountID,
			"error", err,
		)
		return r.defaults
	}

	return set
}
