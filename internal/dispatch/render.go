package dispatch

import (
	"fmt"
	"strings"

	"payout-guardian/internal/store"
)

// Render turns a persisted alert into the message sent for one job.
func Render(alert *store.Alert, job *store.NotificationJob) *Message {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", alert.Message)
	fmt.Fprintf(&b, "Account: %s\n", alert.AccountID)
	if alert.PayoutID != "" {
		fmt.Fprintf(&b, "Payout: %s\n", alert.PayoutID)
	}
	fmt.Fprintf(&b, "Detected: %s\n", alert.CreatedAt.Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "Alert: %s", alert.ID)

	return &Message{
		AlertID:        alert.ID.String(),
		AccountID:      alert.AccountID,
		IdempotencyKey: job.IdempotencyKey(),
		Subject: fmt.Sprintf("[%s] %s alert for account %s",
			strings.ToUpper(string(alert.Severity)), ruleTitle(alert), alert.AccountID),
		Body:     b.String(),
		Severity: string(alert.Severity),
	}
}

func ruleTitle(alert *store.Alert) string {
	switch alert.Type {
	case "velocity":
		return "Payout velocity"
	case "bank_swap":
		return "Bank account swap"
	case "geo_mismatch":
		return "Geo mismatch"
	case "sudden_payout_disable":
		return "Payouts disabled"
	case "failed_charge_burst":
		return "Failed charge burst"
	case "high_risk_review":
		return "High-risk review"
	default:
		return string(alert.Type)
	}
}
