package intake

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"payout-guardian/internal/engine"
	"payout-guardian/internal/rules"
	"payout-guardian/internal/schema"
	"payout-guardian/internal/store"
)

type recordingWriter struct {
	events []*schema.Event
	err    error
}

func (w *recordingWriter) Write(_ context.Context, event *schema.Event) error {
	if w.err != nil {
		return w.err
	}
	w.events = append(w.events, event)
	return nil
}

type fakeEngine struct {
	result *engine.Result
	err    error
	calls  int
}

func (f *fakeEngine) Evaluate(_ context.Context, _ *schema.Event) (*engine.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type recordingPauser struct {
	alerts []*store.Alert
}

func (p *recordingPauser) Consider(alert *store.Alert) {
	p.alerts = append(p.alerts, alert)
}

func validEventJSON(t *testing.T, id string) []byte {
	t.Helper()
	raw, err := json.Marshal(&schema.Event{
		ID:        id,
		Type:      schema.TypePayoutCreated,
		AccountID: "acct_001",
		CreatedAt: time.Now().UnixMilli(),
		Payload: map[string]any{
			"object_id": "po_" + id,
			"amount":    float64(150000),
		},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return raw
}

func newTestPipeline(eng Evaluator, writer HistoryWriter, pauser Pauser) (*Pipeline, *store.MemoryStore, *MemoryMarker) {
	st := store.NewMemoryStore()
	marker := NewMemoryMarker()
	p := NewPipeline(schema.NewValidator(), writer, eng, st, store.PlanChannels("email", "chat"), pauser, marker, slog.Default())
	return p, st, marker
}

func TestHandleCreatesAlertAndJobs(t *testing.T) {
	candidate := rules.Candidate{
		Type:          rules.TypeVelocity,
		Severity:      rules.SeverityHigh,
		Message:       "4 payouts inside 60s window",
		AccountID:     "acct_001",
		SourceEventID: "evt_1",
	}
	eng := &fakeEngine{result: &engine.Result{Candidates: []rules.Candidate{candidate}}}
	writer := &recordingWriter{}
	pauser := &recordingPauser{}
	p, st, marker := newTestPipeline(eng, writer, pauser)

	if err := p.Handle(context.Background(), validEventJSON(t, "evt_1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(writer.events) != 1 {
		t.Errorf("history writes = %d, want 1", len(writer.events))
	}
	alerts, err := st.ListAlerts(context.Background(), store.AlertFilter{})
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	jobs, err := st.ListJobs(context.Background(), alerts[0].ID)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("jobs = %d, want one per channel", len(jobs))
	}
	if len(pauser.alerts) != 1 {
		t.Errorf("pauser considered %d alerts, want 1", len(pauser.alerts))
	}
	if seen, _ := marker.Seen(context.Background(), "evt_1"); !seen {
		t.Error("expected event to be marked processed")
	}
}

// flakyFanOutStore fails the first N fan-out calls and then recovers.
type flakyFanOutStore struct {
	store.Store
	failures int
	calls    int
}

func (f *flakyFanOutStore) FanOutNotifications(ctx context.Context, alertID uuid.UUID, channels []store.ChannelPlan) ([]*store.NotificationJob, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("sqlite is locked")
	}
	return f.Store.FanOutNotifications(ctx, alertID, channels)
}

func TestHandleFanOutFailureDoesNotDuplicateAlerts(t *testing.T) {
	candidate := rules.Candidate{
		Type:          rules.TypeVelocity,
		Severity:      rules.SeverityHigh,
		Message:       "4 payouts inside 60s window",
		AccountID:     "acct_001",
		SourceEventID: "evt_f",
	}
	eng := &fakeEngine{result: &engine.Result{Candidates: []rules.Candidate{candidate}}}
	mem := store.NewMemoryStore()
	flaky := &flakyFanOutStore{Store: mem, failures: 1}
	marker := NewMemoryMarker()
	p := NewPipeline(schema.NewValidator(), &recordingWriter{}, eng, flaky, store.PlanChannels("email"), nil, marker, slog.Default())

	// A fan-out failure must not fail the message: the alert already
	// exists, and an uncommitted offset would recreate it on redelivery.
	if err := p.Handle(context.Background(), validEventJSON(t, "evt_f")); err != nil {
		t.Fatalf("Handle with failed fan-out: %v", err)
	}
	if seen, _ := marker.Seen(context.Background(), "evt_f"); !seen {
		t.Error("event must be marked processed even when fan-out fails")
	}

	// Simulate the broker redelivering the same message anyway.
	if err := p.Handle(context.Background(), validEventJSON(t, "evt_f")); err != nil {
		t.Fatalf("Handle on redelivery: %v", err)
	}

	alerts, err := mem.ListAlerts(context.Background(), store.AlertFilter{})
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d after redelivery, want 1", len(alerts))
	}

	// The missing jobs are the reconciliation sweep's problem.
	jobs, _ := mem.ListJobs(context.Background(), alerts[0].ID)
	if len(jobs) != 0 {
		t.Errorf("jobs = %d, want 0 until reconciliation", len(jobs))
	}
}

func TestHandleRecordsUnconfiguredChannels(t *testing.T) {
	candidate := rules.Candidate{
		Type:      rules.TypeVelocity,
		Severity:  rules.SeverityHigh,
		Message:   "4 payouts inside 60s window",
		AccountID: "acct_001",
	}
	eng := &fakeEngine{result: &engine.Result{Candidates: []rules.Candidate{candidate}}}
	st := store.NewMemoryStore()
	plans := []store.ChannelPlan{
		{Name: "email", Configured: true},
		{Name: "chat", Configured: false},
	}
	p := NewPipeline(schema.NewValidator(), &recordingWriter{}, eng, st, plans, nil, NewMemoryMarker(), slog.Default())

	if err := p.Handle(context.Background(), validEventJSON(t, "evt_u")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	alerts, _ := st.ListAlerts(context.Background(), store.AlertFilter{})
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].DeliveryStatus["chat"] != store.DeliveryNotConfigured {
		t.Errorf("delivery[chat] = %s, want not_configured", alerts[0].DeliveryStatus["chat"])
	}
	jobs, _ := st.ListJobs(context.Background(), alerts[0].ID)
	if len(jobs) != 1 {
		t.Errorf("jobs = %d, want only the configured channel", len(jobs))
	}
}

func TestHandleSkipsAlreadyProcessedEvent(t *testing.T) {
	eng := &fakeEngine{result: &engine.Result{}}
	writer := &recordingWriter{}
	p, _, marker := newTestPipeline(eng, writer, nil)

	if err := marker.Mark(context.Background(), "evt_dup"); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if err := p.Handle(context.Background(), validEventJSON(t, "evt_dup")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(writer.events) != 0 {
		t.Error("duplicate event must not be written to history")
	}
	if eng.calls != 0 {
		t.Error("duplicate event must not be evaluated")
	}
}

func TestHandleRejectsMalformedAndInvalidEvents(t *testing.T) {
	eng := &fakeEngine{result: &engine.Result{}}
	writer := &recordingWriter{}
	p, _, marker := newTestPipeline(eng, writer, nil)

	cases := []struct {
		name string
		raw  []byte
	}{
		{"malformed json", []byte("{not json")},
		{"missing id", []byte(`{"type":"payout.created","createdAt":1700000000000}`)},
		{"bad type format", []byte(`{"id":"evt_x","type":"Payout Created","createdAt":1700000000000}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := p.Handle(context.Background(), tc.raw)
			var reject *RejectError
			if !errors.As(err, &reject) {
				t.Fatalf("err = %v, want RejectError", err)
			}
		})
	}

	if len(writer.events) != 0 {
		t.Error("rejected events must not reach history")
	}
	if seen, _ := marker.Seen(context.Background(), "evt_x"); seen {
		t.Error("rejected events must not be marked processed")
	}
}

func TestHandleLeavesEventUnmarkedOnWriteFailure(t *testing.T) {
	eng := &fakeEngine{result: &engine.Result{}}
	writer := &recordingWriter{err: errors.New("clickhouse down")}
	p, _, marker := newTestPipeline(eng, writer, nil)

	err := p.Handle(context.Background(), validEventJSON(t, "evt_w"))
	if err == nil {
		t.Fatal("expected an error when the history write fails")
	}
	var reject *RejectError
	if errors.As(err, &reject) {
		t.Error("infrastructure failures must stay retryable, not rejected")
	}
	if seen, _ := marker.Seen(context.Background(), "evt_w"); seen {
		t.Error("failed event must not be marked, redelivery has to retry it")
	}
}

func TestHandleQuietEventCreatesNothing(t *testing.T) {
	eng := &fakeEngine{result: &engine.Result{Suppressed: 1}}
	writer := &recordingWriter{}
	p, st, _ := newTestPipeline(eng, writer, nil)

	if err := p.Handle(context.Background(), validEventJSON(t, "evt_q")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	alerts, err := st.ListAlerts(context.Background(), store.AlertFilter{})
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("alerts = %d, want 0", len(alerts))
	}
}

func TestKafkaConfigValidate(t *testing.T) {
	cfg := DefaultKafkaConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}

	bad := DefaultKafkaConfig()
	bad.Brokers = nil
	if err := bad.Validate(); err == nil {
		t.Error("expected error for empty brokers")
	}

	sasl := DefaultKafkaConfig()
	sasl.SecurityProtocol = "SASL_SSL"
	sasl.SASLMechanism = "SCRAM-SHA-256"
	if err := sasl.Validate(); err == nil {
		t.Error("expected error for SASL without credentials")
	}
	sasl.SASLUsername = "guardian"
	sasl.SASLPassword = "secret"
	if err := sasl.Validate(); err != nil {
		t.Errorf("SASL config with credentials should validate: %v", err)
	}
}
