package tui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"payout-guardian/internal/rules"
	"payout-guardian/internal/store"
)

func sampleAlerts() []*store.Alert {
	a := store.NewAlert(rules.Candidate{
		Type:      rules.TypeVelocity,
		Severity:  rules.SeverityHigh,
		Message:   "4 payouts inside 60s window",
		AccountID: "acct_001",
	})
	b := store.NewAlert(rules.Candidate{
		Type:      rules.TypeGeoMismatch,
		Severity:  rules.SeverityMedium,
		Message:   "charges from 3 countries",
		AccountID: "acct_002",
	})
	return []*store.Alert{a, b}
}

func TestClientListAlerts(t *testing.T) {
	alerts := sampleAlerts()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/alerts" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"alerts": alerts, "total": len(alerts)})
	}))
	defer srv.Close()

	got, err := NewClient(srv.URL).ListAlerts(50)
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("alerts = %d, want 2", len(got))
	}
	if got[0].AccountID != "acct_001" {
		t.Errorf("first account = %s", got[0].AccountID)
	}
}

func TestClientRetryChannelError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).RetryChannel("id", "email")
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Errorf("err = %v, want 409 mention", err)
	}
}

func TestModelNavigation(t *testing.T) {
	m := New("http://localhost:0")
	m.alerts = sampleAlerts()

	var model tea.Model = m
	model, _ = model.Update(tea.KeyMsg{Type: tea.KeyDown})
	if model.(*Model).cursor != 1 {
		t.Errorf("cursor = %d, want 1", model.(*Model).cursor)
	}
	model, _ = model.Update(tea.KeyMsg{Type: tea.KeyDown})
	if model.(*Model).cursor != 1 {
		t.Errorf("cursor past end = %d, want 1", model.(*Model).cursor)
	}
	model, _ = model.Update(tea.KeyMsg{Type: tea.KeyUp})
	if model.(*Model).cursor != 0 {
		t.Errorf("cursor = %d, want 0", model.(*Model).cursor)
	}
}

func TestModelClampsCursorOnRefresh(t *testing.T) {
	m := New("http://localhost:0")
	m.alerts = sampleAlerts()
	m.cursor = 1

	var model tea.Model = m
	model, _ = model.Update(alertsMsg{alerts: m.alerts[:1]})
	if model.(*Model).cursor != 0 {
		t.Errorf("cursor = %d, want clamped to 0", model.(*Model).cursor)
	}
}

func TestModelViewShowsAlerts(t *testing.T) {
	m := New("http://localhost:0")
	m.alerts = sampleAlerts()
	m.stats = &store.Stats{TotalAlerts: 2, DeadLetters: 1}

	view := m.View()
	if !strings.Contains(view, "acct_001") || !strings.Contains(view, "geo_mismatch") {
		t.Error("view missing alert rows")
	}
	if !strings.Contains(view, "dead letters: 1") {
		t.Error("view missing stats line")
	}
}

func TestModelQuit(t *testing.T) {
	m := New("http://localhost:0")
	model, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if !model.(*Model).quitting {
		t.Error("expected quitting state")
	}
	if cmd == nil {
		t.Error("expected tea.Quit command")
	}
	if model.(*Model).View() != "" {
		t.Error("quitting view should be empty")
	}
}
