// Package startup provides startup diagnostics for the guardian daemon.
package startup

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"

	"payout-guardian/internal/config"
)

// DiagnosticResult represents the result of a diagnostic check.
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// Diagnostics runs startup diagnostics against the loaded configuration.
type Diagnostics struct {
	cfg     *config.Config
	results []DiagnosticResult
	logger  *slog.Logger
}

// NewDiagnostics creates a new diagnostics runner.
func NewDiagnostics(cfg *config.Config, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagnostics{cfg: cfg, logger: logger}
}

// RunAll runs all diagnostic checks and returns the results.
func (d *Diagnostics) RunAll() []DiagnosticResult {
	d.logger.Info("running startup diagnostics")

	d.checkSystem()
	d.checkConfiguration()
	d.checkHTTPPort()
	d.checkSecrets()

	d.printSummary()
	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       fmt.Sprintf("%d", runtime.NumCPU()),
		},
	})
}

func (d *Diagnostics) checkConfiguration() {
	configPath := os.Getenv("GUARDIAN_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "Config file not found, using defaults",
			Details: map[string]string{"path": configPath},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusOK,
			Message: "Config file found",
			Details: map[string]string{"path": configPath},
		})
	}

	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusError,
			Message: fmt.Sprintf("Configuration validation failed: %s", err),
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusOK,
			Message: "Configuration is valid",
		})
	}
}

func (d *Diagnostics) checkHTTPPort() {
	addr := fmt.Sprintf(":%d", d.cfg.Server.HTTPPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "http_port",
			Status:  StatusError,
			Message: fmt.Sprintf("Port unavailable: %s", err),
			Details: map[string]string{"port": fmt.Sprintf("%d", d.cfg.Server.HTTPPort)},
		})
		return
	}
	ln.Close()
	d.addResult(DiagnosticResult{
		Name:    "http_port",
		Status:  StatusOK,
		Message: "Port available",
		Details: map[string]string{"port": fmt.Sprintf("%d", d.cfg.Server.HTTPPort)},
	})
}

func (d *Diagnostics) checkSecrets() {
	if d.cfg.Email.URL != "" && d.cfg.Email.APIKey == "" {
		d.addResult(DiagnosticResult{
			Name:    "email_credentials",
			Status:  StatusWarning,
			Message: "Email endpoint configured without an API key",
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:   "email_credentials",
			Status: StatusOK,
		})
	}

	if d.cfg.Action.Enabled && d.cfg.Controller.BaseURL == "" {
		d.addResult(DiagnosticResult{
			Name:    "payout_controller",
			Status:  StatusWarning,
			Message: "Auto-pause enabled without a controller endpoint; actions will fail",
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:   "payout_controller",
			Status: StatusOK,
		})
	}
}

func (d *Diagnostics) printSummary() {
	var ok, warnings, errors int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		}
	}
	d.logger.Info("startup diagnostics complete",
		"passed", ok,
		"warnings", warnings,
		"errors", errors,
	)
}

// HasErrors reports whether any check failed.
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings reports whether any check produced a warning.
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}
