package retention

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"payout-guardian/internal/archive"
	"payout-guardian/internal/rules"
	"payout-guardian/internal/store"
)

type fakeTTLClient struct {
	queries []string
	err     error
}

func (f *fakeTTLClient) Exec(_ context.Context, query string, _ ...any) error {
	if f.err != nil {
		return f.err
	}
	f.queries = append(f.queries, query)
	return nil
}

func TestApplyEventTTL(t *testing.T) {
	client := &fakeTTLClient{}
	if err := ApplyEventTTL(context.Background(), client, 90*24*time.Hour); err != nil {
		t.Fatalf("ApplyEventTTL: %v", err)
	}
	if len(client.queries) != 1 {
		t.Fatalf("queries = %d, want 1", len(client.queries))
	}
	if !strings.Contains(client.queries[0], "INTERVAL 90 DAY DELETE") {
		t.Errorf("unexpected TTL query: %s", client.queries[0])
	}
}

func TestApplyEventTTLSkipsZero(t *testing.T) {
	client := &fakeTTLClient{}
	if err := ApplyEventTTL(context.Background(), client, 0); err != nil {
		t.Fatalf("ApplyEventTTL: %v", err)
	}
	if len(client.queries) != 0 {
		t.Error("zero TTL must not alter the table")
	}
}

func newAlert(accountID string) *store.Alert {
	return store.NewAlert(rules.Candidate{
		Type:      rules.TypeVelocity,
		Severity:  rules.SeverityHigh,
		Message:   "4 payouts inside 60s window",
		AccountID: accountID,
	})
}

func TestReconcileRepairsPartialFanOut(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	alert := newAlert("acct_001")
	if err := st.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	// Only one of the two channels got a job before the crash.
	if _, err := st.FanOutNotifications(ctx, alert.ID, store.PlanChannels("email")); err != nil {
		t.Fatalf("FanOutNotifications: %v", err)
	}

	m := NewManager(st, nil, store.PlanChannels("email", "chat"), DefaultConfig(), nil)
	repaired, err := m.ReconcileFanOuts(ctx)
	if err != nil {
		t.Fatalf("ReconcileFanOuts: %v", err)
	}
	if repaired != 1 {
		t.Errorf("repaired = %d, want 1", repaired)
	}

	jobs, err := st.ListJobs(ctx, alert.ID)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("jobs after reconcile = %d, want 2", len(jobs))
	}

	repaired, err = m.ReconcileFanOuts(ctx)
	if err != nil {
		t.Fatalf("second ReconcileFanOuts: %v", err)
	}
	if repaired != 0 {
		t.Errorf("second pass repaired = %d, want 0", repaired)
	}
}

func TestReconcileTreatsUnconfiguredAsCovered(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	alert := newAlert("acct_001")
	if err := st.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	plans := []store.ChannelPlan{
		{Name: "email", Configured: true},
		{Name: "chat", Configured: false},
	}
	if _, err := st.FanOutNotifications(ctx, alert.ID, plans); err != nil {
		t.Fatalf("FanOutNotifications: %v", err)
	}

	// The unconfigured channel is recorded on the alert, not jobless
	// and missing, so the sweep has nothing to repair.
	m := NewManager(st, nil, plans, DefaultConfig(), nil)
	repaired, err := m.ReconcileFanOuts(ctx)
	if err != nil {
		t.Fatalf("ReconcileFanOuts: %v", err)
	}
	if repaired != 0 {
		t.Errorf("repaired = %d, want 0", repaired)
	}
	jobs, _ := st.ListJobs(ctx, alert.ID)
	if len(jobs) != 1 {
		t.Errorf("jobs = %d, want 1", len(jobs))
	}
}

func TestPurgeRemovesExpiredResolvedAlerts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	old := newAlert("acct_old")
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	if err := st.CreateAlert(ctx, old); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if err := st.ResolveAlert(ctx, old.ID, "ops"); err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}

	fresh := newAlert("acct_fresh")
	if err := st.CreateAlert(ctx, fresh); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	cfg := DefaultConfig()
	cfg.AlertTTL = 24 * time.Hour
	m := NewManager(st, nil, nil, cfg, nil)

	purged, err := m.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	if _, err := st.GetAlert(ctx, old.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("expired alert should be gone")
	}
	if _, err := st.GetAlert(ctx, fresh.ID); err != nil {
		t.Errorf("fresh alert should survive: %v", err)
	}
}

type recordingArchiver struct {
	records []archive.Record
	err     error
}

func (a *recordingArchiver) Archive(_ context.Context, records []archive.Record) error {
	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, records...)
	return nil
}

func TestPurgeArchivesBeforeDeleting(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	old := newAlert("acct_old")
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	if err := st.CreateAlert(ctx, old); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if _, err := st.FanOutNotifications(ctx, old.ID, store.PlanChannels("email")); err != nil {
		t.Fatalf("FanOutNotifications: %v", err)
	}
	if err := st.ResolveAlert(ctx, old.ID, "ops"); err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}

	arch := &recordingArchiver{}
	cfg := DefaultConfig()
	cfg.AlertTTL = 24 * time.Hour
	cfg.ArchiveBeforePurge = true
	m := NewManager(st, arch, store.PlanChannels("email"), cfg, nil)

	purged, err := m.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	if len(arch.records) != 1 {
		t.Fatalf("archived = %d, want 1", len(arch.records))
	}
	if len(arch.records[0].Jobs) != 1 {
		t.Errorf("archived jobs = %d, want 1", len(arch.records[0].Jobs))
	}
}

func TestPurgeSkippedWhenArchiveFails(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	old := newAlert("acct_old")
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	if err := st.CreateAlert(ctx, old); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if err := st.ResolveAlert(ctx, old.ID, "ops"); err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}

	arch := &recordingArchiver{err: errors.New("bucket unavailable")}
	cfg := DefaultConfig()
	cfg.AlertTTL = 24 * time.Hour
	cfg.ArchiveBeforePurge = true
	m := NewManager(st, arch, nil, cfg, nil)

	if _, err := m.Purge(ctx); err == nil {
		t.Fatal("expected purge to fail when the archive upload fails")
	}
	if _, err := st.GetAlert(ctx, old.ID); err != nil {
		t.Error("alert must survive a failed archive so the next sweep retries")
	}
}
