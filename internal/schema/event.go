// Package schema defines the canonical event shape for Payout Guardian.
// Every verified processor event is normalized to this structure before
// it reaches the rule engine.
package schema

import (
	"strings"
	"time"
)

// Event represents a verified payment-processor event.
// Events are immutable once stored; the pipeline is idempotent under
// re-delivery of the same ID.
type Event struct {
	ID        string         `json:"id" validate:"required,max=128"`
	Type      string         `json:"type" validate:"required,event_type,max=128"`
	AccountID string         `json:"accountId,omitempty" validate:"max=128"`
	CreatedAt int64          `json:"createdAt" validate:"required"` // epoch milliseconds
	Payload   map[string]any `json:"payload,omitempty"`
}

// Well-known event types. The processor emits more; these are the ones
// the rule evaluators care about.
const (
	TypePayoutCreated          = "payout.created"
	TypePayoutPaid             = "payout.paid"
	TypeChargeSucceeded        = "charge.succeeded"
	TypeChargeFailed           = "charge.failed"
	TypeExternalAccountCreated = "external_account.created"
	TypeAccountUpdated         = "account.updated"
	TypeReviewOpened           = "review.opened"
)

// Time returns the event timestamp as a time.Time.
func (e *Event) Time() time.Time {
	return time.UnixMilli(e.CreatedAt).UTC()
}

// IsPayout reports whether the event describes a payout.
func (e *Event) IsPayout() bool {
	return strings.HasPrefix(e.Type, "payout.")
}

// IsCharge reports whether the event describes a charge.
func (e *Event) IsCharge() bool {
	return strings.HasPrefix(e.Type, "charge.")
}

// PayloadString returns the named payload field as a string, or "" when
// absent or of another type.
func (e *Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

// PayloadNumber returns the named payload field as a float64.
// JSON numbers decode to float64, so this covers amounts and counts.
func (e *Event) PayloadNumber(key string) (float64, bool) {
	if e.Payload == nil {
		return 0, false
	}
	n, ok := e.Payload[key].(float64)
	return n, ok
}

// PayloadBool returns the named payload field as a bool.
func (e *Event) PayloadBool(key string) (bool, bool) {
	if e.Payload == nil {
		return false, false
	}
	b, ok := e.Payload[key].(bool)
	return b, ok
}

// PreviousBool returns a bool field from the payload's previous_attributes
// object, used by update-type events to expose the prior value.
func (e *Event) PreviousBool(key string) (bool, bool) {
	if e.Payload == nil {
		return false, false
	}
	prev, ok := e.Payload["previous_attributes"].(map[string]any)
	if !ok {
		return false, false
	}
	b, ok := prev[key].(bool)
	return b, ok
}

// AmountUSD returns the payout/charge amount in whole dollars.
// Processor amounts arrive in cents.
func (e *Event) AmountUSD() float64 {
	cents, ok := e.PayloadNumber("amount")
	if !ok {
		return 0
	}
	return cents / 100
}

// ObjectID returns the processor-assigned id of the payload object
// (payout id, charge id), or "" when absent.
func (e *Event) ObjectID() string {
	return e.PayloadString("object_id")
}
