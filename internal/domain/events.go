/**
 * @description
 * Structured events the engine publishes to the external audit collaborator
 * and to the account-status collaborator. Emission is fire-and-forget but
 * always happens after the state change is durably committed.
 */
package domain

import "time"

// AuditEvent records one state transition on a billing entity.
type AuditEvent struct {
	Action     string    `json:"action"` // e.g. "invoice.paid"
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Before     string    `json:"before"`
	After      string    `json:"after"`
	Actor      string    `json:"actor"`
	Timestamp  time.Time `json:"timestamp"`
}

// AccountStatusEvent signals the account collaborator that service usage for a
// user should be blocked or restored.
type AccountStatusEvent struct {
	UserID    string    `json:"user_id"`
	InvoiceID string    `json:"invoice_id"`
	Suspended bool      `json:"suspended"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// ActorSystem is the actor recorded for scheduler- and reconciler-driven
// transitions where no caller identity is present.
const ActorSystem = "system"
