package rules

import (
	"testing"
	"time"

	"payout-guardian/internal/schema"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func payoutEvent(id string, at time.Time, amountCents float64) *schema.Event {
	return &schema.Event{
		ID:        id,
		Type:      schema.TypePayoutCreated,
		AccountID: "acct_001",
		CreatedAt: at.UnixMilli(),
		Payload: map[string]any{
			"object_id": "po_" + id,
			"amount":    amountCents,
		},
	}
}

func chargeEvent(id string, at time.Time, country string, failed bool) *schema.Event {
	typ := schema.TypeChargeSucceeded
	if failed {
		typ = schema.TypeChargeFailed
	}
	return &schema.Event{
		ID:        id,
		Type:      typ,
		AccountID: "acct_001",
		CreatedAt: at.UnixMilli(),
		Payload: map[string]any{
			"object_id": "ch_" + id,
			"country":   country,
		},
	}
}

func TestVelocityFiresAboveThreshold(t *testing.T) {
	ev := NewVelocityEvaluator()
	set := DefaultRuleSet() // maxPayouts 3, window 60s

	evalCtx := &Context{
		RecentPayouts: []PayoutRecord{
			{EventID: "evt_a", CreatedAt: testNow.Add(-55 * time.Second)},
			{EventID: "evt_b", CreatedAt: testNow.Add(-30 * time.Second)},
			{EventID: "evt_c", CreatedAt: testNow.Add(-15 * time.Second)},
		},
	}

	got, err := ev.Evaluate(payoutEvent("evt_d", testNow, 5000), evalCtx, set)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one candidate, got %d", len(got))
	}
	if got[0].Type != TypeVelocity || got[0].Severity != SeverityHigh {
		t.Errorf("candidate = %+v, want velocity/high", got[0])
	}
	if got[0].PayoutID != "po_evt_d" {
		t.Errorf("payoutID = %q, want po_evt_d", got[0].PayoutID)
	}
}

func TestVelocityQuietAtThreshold(t *testing.T) {
	ev := NewVelocityEvaluator()
	set := DefaultRuleSet()

	evalCtx := &Context{
		RecentPayouts: []PayoutRecord{
			{EventID: "evt_b", CreatedAt: testNow.Add(-30 * time.Second)},
			{EventID: "evt_c", CreatedAt: testNow.Add(-15 * time.Second)},
		},
	}

	got, err := ev.Evaluate(payoutEvent("evt_d", testNow, 5000), evalCtx, set)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no candidates at the threshold, got %d", len(got))
	}
}

func TestVelocityIgnoresPayoutsOutsideWindow(t *testing.T) {
	ev := NewVelocityEvaluator()
	set := DefaultRuleSet()

	evalCtx := &Context{
		RecentPayouts: []PayoutRecord{
			{EventID: "evt_old1", CreatedAt: testNow.Add(-90 * time.Second)},
			{EventID: "evt_old2", CreatedAt: testNow.Add(-80 * time.Second)},
			{EventID: "evt_old3", CreatedAt: testNow.Add(-70 * time.Second)},
			{EventID: "evt_b", CreatedAt: testNow.Add(-30 * time.Second)},
		},
	}

	got, err := ev.Evaluate(payoutEvent("evt_d", testNow, 5000), evalCtx, set)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no candidates, got %d", len(got))
	}
}

func TestVelocitySkipsNonPayoutEvents(t *testing.T) {
	ev := NewVelocityEvaluator()
	got, err := ev.Evaluate(chargeEvent("evt_x", testNow, "US", false), &Context{}, DefaultRuleSet())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no candidates for a charge event, got %d", len(got))
	}
}

func TestBankSwapFiresOnRecentChange(t *testing.T) {
	ev := NewBankSwapEvaluator()
	set := DefaultRuleSet() // lookback 5m, min $1000

	evalCtx := &Context{
		RecentBankChanges: []BankChangeRecord{
			{EventID: "evt_swap", CreatedAt: testNow.Add(-2 * time.Minute)},
		},
	}

	// 150000 cents = $1500, above the floor.
	got, err := ev.Evaluate(payoutEvent("evt_p", testNow, 150000), evalCtx, set)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one candidate, got %d", len(got))
	}
	if got[0].Type != TypeBankSwap || got[0].Severity != SeverityMedium {
		t.Errorf("candidate = %+v, want bank_swap/medium", got[0])
	}
}

func TestBankSwapIgnoresSmallPayouts(t *testing.T) {
	ev := NewBankSwapEvaluator()
	set := DefaultRuleSet()

	evalCtx := &Context{
		RecentBankChanges: []BankChangeRecord{
			{EventID: "evt_swap", CreatedAt: testNow.Add(-2 * time.Minute)},
		},
	}

	// 50000 cents = $500, below the floor.
	got, err := ev.Evaluate(payoutEvent("evt_p", testNow, 50000), evalCtx, set)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no candidates below the payout floor, got %d", len(got))
	}
}

func TestBankSwapIgnoresStaleChanges(t *testing.T) {
	ev := NewBankSwapEvaluator()
	set := DefaultRuleSet()

	evalCtx := &Context{
		RecentBankChanges: []BankChangeRecord{
			{EventID: "evt_swap", CreatedAt: testNow.Add(-20 * time.Minute)},
		},
	}

	got, err := ev.Evaluate(payoutEvent("evt_p", testNow, 150000), evalCtx, set)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no candidates for a stale bank change, got %d", len(got))
	}
}

func TestGeoMismatchFiresOnDistinctForeignCountries(t *testing.T) {
	ev := NewGeoMismatchEvaluator()
	set := DefaultRuleSet() // mismatchChargeCount 2

	evalCtx := &Context{
		Account: &AccountMeta{Country: "US", PayoutsEnabled: true},
		RecentCharges: []ChargeRecord{
			{EventID: "evt_1", Country: "BR", CreatedAt: testNow.Add(-10 * time.Minute)},
			{EventID: "evt_2", Country: "NG", CreatedAt: testNow.Add(-5 * time.Minute)},
			{EventID: "evt_3", Country: "US", CreatedAt: testNow.Add(-3 * time.Minute)},
		},
	}

	got, err := ev.Evaluate(chargeEvent("evt_4", testNow, "RU", false), evalCtx, set)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one candidate, got %d", len(got))
	}
	if got[0].Severity != SeverityMedium {
		t.Errorf("severity = %q, want medium", got[0].Severity)
	}
}

func TestGeoMismatchCountsDistinctCountriesOnly(t *testing.T) {
	ev := NewGeoMismatchEvaluator()
	set := DefaultRuleSet()

	// Three foreign charges but only two distinct countries.
	evalCtx := &Context{
		Account: &AccountMeta{Country: "US", PayoutsEnabled: true},
		RecentCharges: []ChargeRecord{
			{EventID: "evt_1", Country: "BR", CreatedAt: testNow.Add(-10 * time.Minute)},
			{EventID: "evt_2", Country: "BR", CreatedAt: testNow.Add(-5 * time.Minute)},
		},
	}

	got, err := ev.Evaluate(chargeEvent("evt_3", testNow, "BR", false), evalCtx, set)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no candidates for repeated single country, got %d", len(got))
	}
}

func TestGeoMismatchUnknownAccountCountry(t *testing.T) {
	ev := NewGeoMismatchEvaluator()
	set := DefaultRuleSet()

	for _, evalCtx := range []*Context{
		{Account: nil},
		{Account: &AccountMeta{Country: ""}},
	} {
		got, err := ev.Evaluate(chargeEvent("evt_1", testNow, "BR", false), evalCtx, set)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("expected no candidates with unknown account country, got %d", len(got))
		}
	}
}

func TestPayoutDisableFiresOnTrueToFalse(t *testing.T) {
	ev := NewPayoutDisableEvaluator()

	event := &schema.Event{
		ID:        "evt_1",
		Type:      schema.TypeAccountUpdated,
		AccountID: "acct_001",
		CreatedAt: testNow.UnixMilli(),
		Payload: map[string]any{
			"payouts_enabled": false,
			"previous_attributes": map[string]any{
				"payouts_enabled": true,
			},
		},
	}

	got, err := ev.Evaluate(event, &Context{}, DefaultRuleSet())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one candidate, got %d", len(got))
	}
	if got[0].Type != TypeSuddenPayoutDisable || got[0].Severity != SeverityMedium {
		t.Errorf("candidate = %+v, want sudden_payout_disable/medium", got[0])
	}
}

func TestPayoutDisableQuietWithoutFlip(t *testing.T) {
	ev := NewPayoutDisableEvaluator()

	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"no previous attributes", map[string]any{"payouts_enabled": false}},
		{"still enabled", map[string]any{
			"payouts_enabled":     true,
			"previous_attributes": map[string]any{"payouts_enabled": true},
		}},
		{"was already disabled", map[string]any{
			"payouts_enabled":     false,
			"previous_attributes": map[string]any{"payouts_enabled": false},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := &schema.Event{
				ID:        "evt_1",
				Type:      schema.TypeAccountUpdated,
				AccountID: "acct_001",
				CreatedAt: testNow.UnixMilli(),
				Payload:   tt.payload,
			}
			got, err := ev.Evaluate(event, &Context{}, DefaultRuleSet())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != 0 {
				t.Errorf("expected no candidates, got %d", len(got))
			}
		})
	}
}

func TestFailedChargeBurstFiresAtThreshold(t *testing.T) {
	ev := NewFailedChargeBurstEvaluator(DefaultBurstConfig()) // 3 in 5m

	evalCtx := &Context{
		RecentCharges: []ChargeRecord{
			{EventID: "evt_1", Failed: true, CreatedAt: testNow.Add(-4 * time.Minute)},
			{EventID: "evt_2", Failed: true, CreatedAt: testNow.Add(-2 * time.Minute)},
			{EventID: "evt_3", Failed: false, CreatedAt: testNow.Add(-1 * time.Minute)},
		},
	}

	got, err := ev.Evaluate(chargeEvent("evt_4", testNow, "US", true), evalCtx, DefaultRuleSet())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one candidate, got %d", len(got))
	}
	if got[0].Type != TypeFailedChargeBurst || got[0].Severity != SeverityHigh {
		t.Errorf("candidate = %+v, want failed_charge_burst/high", got[0])
	}
}

func TestFailedChargeBurstIgnoresOldFailures(t *testing.T) {
	ev := NewFailedChargeBurstEvaluator(DefaultBurstConfig())

	evalCtx := &Context{
		RecentCharges: []ChargeRecord{
			{EventID: "evt_1", Failed: true, CreatedAt: testNow.Add(-30 * time.Minute)},
			{EventID: "evt_2", Failed: true, CreatedAt: testNow.Add(-20 * time.Minute)},
		},
	}

	got, err := ev.Evaluate(chargeEvent("evt_3", testNow, "US", true), evalCtx, DefaultRuleSet())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no candidates, got %d", len(got))
	}
}

func TestHighRiskReviewFiresOnRuleReason(t *testing.T) {
	ev := NewHighRiskReviewEvaluator()

	event := &schema.Event{
		ID:        "evt_1",
		Type:      schema.TypeReviewOpened,
		AccountID: "acct_001",
		CreatedAt: testNow.UnixMilli(),
		Payload: map[string]any{
			"object_id": "prv_001",
			"reason":    "rule",
		},
	}

	got, err := ev.Evaluate(event, &Context{}, DefaultRuleSet())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one candidate, got %d", len(got))
	}
	if got[0].Type != TypeHighRiskReview || got[0].Severity != SeverityHigh {
		t.Errorf("candidate = %+v, want high_risk_review/high", got[0])
	}
}

func TestHighRiskReviewIgnoresOtherReasons(t *testing.T) {
	ev := NewHighRiskReviewEvaluator()

	tests := []struct {
		name      string
		eventType string
		reason    string
	}{
		{"manual review", schema.TypeReviewOpened, "manual"},
		{"missing reason", schema.TypeReviewOpened, ""},
		{"wrong event type", schema.TypeChargeSucceeded, "rule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := map[string]any{"object_id": "prv_001"}
			if tt.reason != "" {
				payload["reason"] = tt.reason
			}
			event := &schema.Event{
				ID:        "evt_1",
				Type:      tt.eventType,
				AccountID: "acct_001",
				CreatedAt: testNow.UnixMilli(),
				Payload:   payload,
			}
			got, err := ev.Evaluate(event, &Context{}, DefaultRuleSet())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != 0 {
				t.Errorf("expected no candidates, got %d", len(got))
			}
		})
	}
}
