package rules

import (
	"context"
	"errors"
	"testing"
)

func TestParseRuleSetAcceptsDefaults(t *testing.T) {
	doc := []byte(`{
		"velocityBreach": {"maxPayouts": 3, "windowSeconds": 60},
		"bankSwap": {"lookbackMinutes": 5, "minPayoutUsd": 1000},
		"geoMismatch": {"mismatchChargeCount": 2}
	}`)

	set, err := ParseRuleSet(doc)
	if err != nil {
		t.Fatalf("expected valid rule-set, got: %v", err)
	}
	if set.VelocityBreach.MaxPayouts != 3 || set.VelocityBreach.WindowSeconds != 60 {
		t.Errorf("velocityBreach = %+v", set.VelocityBreach)
	}
	if set.BankSwap.MinPayoutUSD != 1000 {
		t.Errorf("bankSwap.minPayoutUsd = %v, want 1000", set.BankSwap.MinPayoutUSD)
	}
}

func TestParseRuleSetRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `velocity go brrr`},
		{"missing key", `{
			"velocityBreach": {"maxPayouts": 3, "windowSeconds": 60},
			"bankSwap": {"lookbackMinutes": 5, "minPayoutUsd": 1000}
		}`},
		{"unknown top-level key", `{
			"velocityBreach": {"maxPayouts": 3, "windowSeconds": 60},
			"bankSwap": {"lookbackMinutes": 5, "minPayoutUsd": 1000},
			"geoMismatch": {"mismatchChargeCount": 2},
			"cryptoScam": {"enabled": true}
		}`},
		{"unknown nested key", `{
			"velocityBreach": {"maxPayouts": 3, "windowSeconds": 60, "burst": 10},
			"bankSwap": {"lookbackMinutes": 5, "minPayoutUsd": 1000},
			"geoMismatch": {"mismatchChargeCount": 2}
		}`},
		{"below minimum", `{
			"velocityBreach": {"maxPayouts": 0, "windowSeconds": 60},
			"bankSwap": {"lookbackMinutes": 5, "minPayoutUsd": 1000},
			"geoMismatch": {"mismatchChargeCount": 2}
		}`},
		{"negative window", `{
			"velocityBreach": {"maxPayouts": 3, "windowSeconds": -1},
			"bankSwap": {"lookbackMinutes": 5, "minPayoutUsd": 1000},
			"geoMismatch": {"mismatchChargeCount": 2}
		}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRuleSet([]byte(tt.doc)); err == nil {
				t.Errorf("expected parse error for %s", tt.name)
			}
		})
	}
}

type fakeOverrides struct {
	doc []byte
	err error
}

func (f *fakeOverrides) RuleSetOverride(_ context.Context, _ string) ([]byte, error) {
	return f.doc, f.err
}

func TestResolveUsesValidOverride(t *testing.T) {
	src := &fakeOverrides{doc: []byte(`{
		"velocityBreach": {"maxPayouts": 10, "windowSeconds": 120},
		"bankSwap": {"lookbackMinutes": 30, "minPayoutUsd": 500},
		"geoMismatch": {"mismatchChargeCount": 5}
	}`)}

	r := NewResolver(nil, src)
	set := r.Resolve(context.Background(), "acct_001")
	if set.VelocityBreach.MaxPayouts != 10 {
		t.Errorf("maxPayouts = %d, want 10 from override", set.VelocityBreach.MaxPayouts)
	}
}

func TestResolveFailsClosedToDefaults(t *testing.T) {
	tests := []struct {
		name string
		src  OverrideSource
	}{
		{"no override source", nil},
		{"no override document", &fakeOverrides{}},
		{"fetch error", &fakeOverrides{err: errors.New("store down")}},
		{"invalid override", &fakeOverrides{doc: []byte(`{"velocityBreach": {}}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(nil, tt.src)
			set := r.Resolve(context.Background(), "acct_001")
			def := DefaultRuleSet()
			if *set != *def {
				t.Errorf("Resolve() = %+v, want defaults %+v", set, def)
			}
		})
	}
}
