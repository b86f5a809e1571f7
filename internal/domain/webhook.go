/**
 * @description
 * Models for inbound provider webhooks. Events carry correlation metadata
 * (invoice id and idempotency key) so the reconciler can map them back onto
 * local charge state. Events are transient; only a short-lived dedup record of
 * processed event ids is kept.
 */
package domain

import "time"

// ProviderWebhookEvent is the top-level payload of one provider callback.
type ProviderWebhookEvent struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"` // e.g. "charge.succeeded"
	CreatedAt time.Time        `json:"created_at"`
	Data      WebhookEventData `json:"data"`
}

// WebhookEventData is the charge-level detail inside a webhook event.
type WebhookEventData struct {
	TransactionID  string `json:"transaction_id"`
	InvoiceID      string `json:"invoice_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
	FailureReason  string `json:"failure_reason,omitempty"`
}

// Webhook event types the reconciler acts on. Anything else is acknowledged
// and ignored.
const (
	WebhookChargeSucceeded = "charge.succeeded"
	WebhookChargeFailed    = "charge.failed"
	WebhookChargePending   = "charge.pending"
)
