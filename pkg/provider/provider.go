/**
 * @description
 * Payment provider capability set. Any concrete provider (Stripe today) plugs
 * in behind this interface; the stub implementation in stubprovider backs the
 * test suite. Providers must honor the idempotency key server-side; that is
 * the second layer of double-charge protection after the local attempt dedup.
 */
package provider

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable marks transport-level or provider 5xx failures. The
	// charge was not executed; retrying is safe.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrTimeout means the provider may or may not have executed the charge.
	// Callers must treat the outcome as unknown.
	ErrTimeout = errors.New("provider request timed out")
)

// TransactionStatus is the provider-side state of a charge.
type TransactionStatus string

const (
	StatusSucceeded TransactionStatus = "succeeded"
	StatusFailed    TransactionStatus = "failed"
	StatusPending   TransactionStatus = "pending"
)

// CustomerParams identifies a platform user to the provider.
type CustomerParams struct {
	UserID string
	Email  string
	Name   string
}

// PaymentMethodParams is raw payment data handed to the provider for
// tokenization. Card data never touches our persistence.
type PaymentMethodParams struct {
	CustomerRef string
	CardNumber  string
	ExpMonth    int64
	ExpYear     int64
	CVC         string
}

// ChargeRequest is one charge execution against a provider.
type ChargeRequest struct {
	CustomerRef      string
	PaymentMethodRef string
	Amount           int64
	Currency         string
	IdempotencyKey   string
	Description      string
	Metadata         map[string]string
}

// ChargeResult is the provider's answer to a charge request.
type ChargeResult struct {
	Success       bool
	TransactionID string
	Status        TransactionStatus
	FailureReason string
}

// RefundResult is the provider's answer to a refund request.
type RefundResult struct {
	Success  bool
	RefundID string
	Status   TransactionStatus
}

// Transaction is one provider-side charge record, as listed during
// reconciliation. Metadata carries the correlation back to our invoice.
type Transaction struct {
	ID             string
	InvoiceID      string
	IdempotencyKey string
	Amount         int64
	Currency       string
	Status         TransactionStatus
	CreatedAt      time.Time
}

// Provider is the capability set every payment provider must implement.
type Provider interface {
	CreateCustomer(ctx context.Context, params CustomerParams) (string, error)
	TokenizePaymentMethod(ctx context.Context, params PaymentMethodParams) (string, error)
	ChargeCustomer(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	RefundCharge(ctx context.Context, transactionID string, amount int64) (*RefundResult, error)

	// ListTransactions returns provider-side charges in [from, to) for the
	// reconciliation backstop.
	ListTransactions(ctx context.Context, from, to time.Time) ([]Transaction, error)
}
