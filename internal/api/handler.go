// Package api exposes alert management over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"payout-guardian/internal/rules"
	"payout-guardian/internal/store"
)

// HealthChecker reports the liveness of one dependency.
type HealthChecker func(ctx context.Context) error

// Handler provides HTTP handlers for alert management.
type Handler struct {
	store  store.Store
	health map[string]HealthChecker
	logger *slog.Logger
}

// NewHandler creates a new alert handler. health maps dependency names
// to their liveness checks and may be nil.
func NewHandler(st store.Store, health map[string]HealthChecker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: st, health: health, logger: logger}
}

// RegisterRoutes registers alert routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/alerts", h.HandleListAlerts)
	mux.HandleFunc("GET /v1/alerts/stats", h.HandleStats)
	mux.HandleFunc("GET /v1/alerts/{id}", h.HandleGetAlert)
	mux.HandleFunc("GET /v1/alerts/{id}/jobs", h.HandleListJobs)
	mux.HandleFunc("POST /v1/alerts/{id}/resolve", h.HandleResolve)
	mux.HandleFunc("POST /v1/alerts/{id}/retry", h.HandleRetry)
	mux.HandleFunc("GET /health", h.HandleHealth)
}

// HandleListAlerts handles GET /v1/alerts requests.
func (h *Handler) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := store.AlertFilter{}

	if status := q.Get("status"); status != "" {
		s := store.AlertStatus(status)
		filter.Status = &s
	}
	if delivery := q.Get("delivery"); delivery != "" {
		d := store.DeliveryStatus(delivery)
		filter.DeliveryStatus = &d
	}
	if severity := q.Get("severity"); severity != "" {
		s := rules.Severity(severity)
		filter.Severity = &s
	}
	if alertType := q.Get("type"); alertType != "" {
		t := rules.AlertType(alertType)
		filter.Type = &t
	}
	if account := q.Get("account_id"); account != "" {
		filter.AccountID = account
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = &t
		}
	}
	if until := q.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			filter.Until = &t
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			filter.Limit = l
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o >= 0 {
			filter.Offset = o
		}
	}

	if filter.Limit == 0 {
		filter.Limit = 100
	}

	alerts, err := h.store.ListAlerts(ctx, filter)
	if err != nil {
		h.logger.Error("failed to list alerts", "error", err)
		h.writeError(w, http.StatusInternalServerError, "list_error", "failed to list alerts")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"total":  len(alerts),
	})
}

// HandleGetAlert handles GET /v1/alerts/{id} requests.
func (h *Handler) HandleGetAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	alert, err := h.store.GetAlert(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "alert not found")
		return
	}

	h.writeJSON(w, http.StatusOK, alert)
}

// HandleListJobs handles GET /v1/alerts/{id}/jobs requests.
func (h *Handler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	if _, err := h.store.GetAlert(r.Context(), id); err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "alert not found")
		return
	}
	jobs, err := h.store.ListJobs(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list jobs", "alert_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "list_error", "failed to list notification jobs")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

type resolveRequest struct {
	User string `json:"user"`
}

// HandleResolve handles POST /v1/alerts/{id}/resolve requests.
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.User == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "user field is required")
		return
	}

	if err := h.store.ResolveAlert(r.Context(), id, req.User); err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "alert not found")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

type retryRequest struct {
	Channel string `json:"channel"`
}

// HandleRetry handles POST /v1/alerts/{id}/retry requests. One channel
// per call; only dead-lettered channels can be retried.
func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Channel == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "channel field is required")
		return
	}

	err := h.store.RetryChannel(r.Context(), id, req.Channel)
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "no such alert or channel")
	case errors.Is(err, store.ErrNotRetryable):
		h.writeError(w, http.StatusConflict, "not_retryable", "channel is not in a failed state")
	case err != nil:
		h.logger.Error("failed to retry channel", "alert_id", id, "channel", req.Channel, "error", err)
		h.writeError(w, http.StatusInternalServerError, "retry_error", "failed to retry channel")
	default:
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "retry_scheduled", "channel": req.Channel})
	}
}

// HandleStats handles GET /v1/alerts/stats requests.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to compute stats", "error", err)
		h.writeError(w, http.StatusInternalServerError, "stats_error", "failed to compute stats")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// HandleHealth handles GET /health requests. Any failing dependency
// turns the response into a 503 with per-check detail.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.health))
	healthy := true
	for name, check := range h.health {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	h.writeJSON(w, status, map[string]interface{}{
		"status": state,
		"checks": checks,
	})
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "invalid alert ID format")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
