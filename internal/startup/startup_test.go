package startup

import (
	"log/slog"
	"os"
	"testing"

	"payout-guardian/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusOK:      "OK",
		StatusWarning: "WARNING",
		StatusError:   "ERROR",
		StatusSkipped: "SKIPPED",
		Status(99):    "UNKNOWN",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %s, want %s", status, got, want)
		}
	}
}

func TestDiagnosticsPassOnDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.HTTPPort = 18089

	d := NewDiagnostics(cfg, quietLogger())
	results := d.RunAll()

	if len(results) == 0 {
		t.Fatal("expected diagnostic results")
	}
	if d.HasErrors() {
		for _, r := range results {
			if r.Status == StatusError {
				t.Errorf("unexpected error check %s: %s", r.Name, r.Message)
			}
		}
	}
}

func TestDiagnosticsFlagInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.HTTPPort = 18090
	cfg.Store.Driver = "postgres"

	d := NewDiagnostics(cfg, quietLogger())
	d.RunAll()

	if !d.HasErrors() {
		t.Error("expected config validation to fail")
	}
}

func TestDiagnosticsWarnOnMissingControllerEndpoint(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.HTTPPort = 18091
	cfg.Action.Enabled = true
	cfg.Controller.BaseURL = ""

	d := NewDiagnostics(cfg, quietLogger())
	d.RunAll()

	if !d.HasWarnings() {
		t.Error("expected a warning for auto-pause without a controller endpoint")
	}
}
