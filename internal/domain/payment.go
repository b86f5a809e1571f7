/**
 * @description
 * Payment attempt records. The attempt list is append-only and owned by the
 * invoice; two attempts with the same idempotency key are the same logical
 * attempt, which is the first layer of double-charge protection.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// AttemptOutcome is the recorded result of one charge attempt.
type AttemptOutcome string

const (
	AttemptSucceeded AttemptOutcome = "succeeded"
	AttemptFailed    AttemptOutcome = "failed"

	// AttemptPending means the provider outcome is unknown (timeout) or still
	// settling. Pending attempts are never auto-retried; reconciliation or a
	// webhook resolves them.
	AttemptPending AttemptOutcome = "pending"
)

// ReconciliationFlag records a mismatch between local attempt records and
// provider-side transactions, queued for manual review.
type ReconciliationFlag struct {
	ID            uuid.UUID  `json:"id"`
	Kind          string     `json:"kind"` // "missing_at_provider", "missing_locally", "amount_mismatch", "above_ceiling"
	InvoiceID     *uuid.UUID `json:"invoice_id,omitempty"`
	AttemptID     *uuid.UUID `json:"attempt_id,omitempty"`
	ProviderTxnID *string    `json:"provider_txn_id,omitempty"`
	Details       string     `json:"details"`
	CreatedAt     time.Time  `json:"created_at"`
}

// PaymentAttempt is one recorded charge execution against an invoice.
type PaymentAttempt struct {
	ID                uuid.UUID      `json:"id"`
	InvoiceID         uuid.UUID      `json:"invoice_id"`
	IdempotencyKey    string         `json:"idempotency_key"`
	PaymentMethodRef  string         `json:"payment_method_ref"`
	ProviderTxnID     *string        `json:"provider_txn_id,omitempty"`
	Outcome           AttemptOutcome `json:"outcome"`
	FailureReason     *string        `json:"failure_reason,omitempty"`
	Amount            int64          `json:"amount"`
	Currency          string         `json:"currency"`
	FlaggedForReview  bool           `json:"flagged_for_review"`
	AttemptedAt       time.Time      `json:"attempted_at"`
}
