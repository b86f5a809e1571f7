/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the settlement engine needs. The business logic in internal/app is
 * written against this interface so tests can substitute hand-written stubs
 * for the PostgreSQL implementation.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/ridepool/billing-service/internal/domain"
)

var (
	ErrLedgerEntryNotFound = errors.New("ledger entry not found")
	ErrInvoiceNotFound     = errors.New("invoice not found")
	ErrAttemptNotFound     = errors.New("payment attempt not found")
	ErrScheduleNotFound    = errors.New("settlement schedule not found")

	// ErrDuplicateInvoice means a non-cancelled invoice already exists for the
	// (user, period) pair.
	ErrDuplicateInvoice = errors.New("invoice already exists for period")

	// ErrStateConflict means a compare-and-set transition matched no row: the
	// invoice was not in any of the expected prior states.
	ErrStateConflict = errors.New("invoice state conflict")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Usage ledger methods
	// RecordTripUsage accumulates one trip into the (user, period) entry. The
	// returned bool is false when the trip id was already recorded for the
	// period and the call was an idempotent no-op.
	RecordTripUsage(ctx context.Context, userID uuid.UUID, periodKey string, cost domain.TripCost) (*domain.UsageLedgerEntry, bool, error)
	GetLedgerEntry(ctx context.Context, userID uuid.UUID, periodKey string) (*domain.UsageLedgerEntry, error)
	// FreezeLedgerPeriod marks the period closed; ErrPeriodFrozen if already
	// frozen, domain.ErrPeriodAlreadyInvoiced if an invoice references it.
	FreezeLedgerPeriod(ctx context.Context, userID uuid.UUID, periodKey string) (*domain.UsageLedgerEntry, error)
	// InsertAdjustment appends a dated correction. Permitted after freezing;
	// historical totals are never mutated.
	InsertAdjustment(ctx context.Context, userID uuid.UUID, periodKey string, adj domain.Adjustment) error

	// Invoice methods
	// CreateInvoice persists the invoice with its line items and stamps the
	// backing ledger entry, all in one transaction. ErrDuplicateInvoice when a
	// non-cancelled invoice already covers the (user, period) pair.
	CreateInvoice(ctx context.Context, invoice *domain.Invoice) error
	GetInvoiceByID(ctx context.Context, invoiceID uuid.UUID) (*domain.Invoice, error)
	GetInvoiceForPeriod(ctx context.Context, userID uuid.UUID, periodKey string) (*domain.Invoice, error)
	// TransitionInvoice is the engine's sole mutual-exclusion point: a
	// conditional UPDATE that moves the invoice to `to` only if its current
	// status is one of `from`. ErrStateConflict when no row matched.
	TransitionInvoice(ctx context.Context, invoiceID uuid.UUID, from []domain.InvoiceStatus, to domain.InvoiceStatus, dueAt *time.Time) (*domain.Invoice, error)
	// MarkInvoicesOverdue flips sent invoices past their due date to overdue.
	MarkInvoicesOverdue(ctx context.Context, now time.Time) ([]domain.Invoice, error)
	SetInvoiceReviewFlag(ctx context.Context, invoiceID uuid.UUID, flagged bool) error

	// Payment attempt methods
	FindAttemptByKey(ctx context.Context, invoiceID uuid.UUID, idempotencyKey string) (*domain.PaymentAttempt, error)
	// RecordAttempt appends an attempt; if the (invoice, key) pair already
	// exists the stored attempt is returned and the bool is false.
	RecordAttempt(ctx context.Context, attempt *domain.PaymentAttempt) (*domain.PaymentAttempt, bool, error)
	// SettleInvoice records a succeeded attempt and transitions the invoice to
	// paid in one transaction. This is the atomic update all concurrent charge
	// paths converge on. Replays with a known key and an already-paid invoice
	// are no-ops returning current state.
	SettleInvoice(ctx context.Context, attempt *domain.PaymentAttempt) (*domain.Invoice, error)
	// ResolveAttempt finalizes a pending attempt from reconciliation or a webhook.
	ResolveAttempt(ctx context.Context, attemptID uuid.UUID, outcome domain.AttemptOutcome, providerTxnID, failureReason *string) error
	ListPendingAttempts(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentAttempt, error)
	ListAttemptsInWindow(ctx context.Context, from, to time.Time) ([]domain.PaymentAttempt, error)

	// Settlement schedule methods
	GetSchedule(ctx context.Context, invoiceID uuid.UUID) (*domain.SettlementSchedule, error)
	// ScheduleRetry creates or updates the active schedule row with the next
	// retry time and incremented count.
	ScheduleRetry(ctx context.Context, invoiceID, userID uuid.UUID, retryCount int, nextRetryAt time.Time, lastFailure string) error
	MarkScheduleExhausted(ctx context.Context, invoiceID uuid.UUID, lastFailure string) error
	MarkScheduleSuspended(ctx context.Context, invoiceID uuid.UUID) error
	// ResolveSchedule marks the schedule resolved and closes any active notice.
	ResolveSchedule(ctx context.Context, invoiceID uuid.UUID) error
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.SettlementSchedule, error)
	ListExhaustedSchedules(ctx context.Context, limit int) ([]domain.SettlementSchedule, error)
	ListExpiredNotices(ctx context.Context, now time.Time, limit int) ([]domain.SettlementSchedule, error)

	// Dunning notice methods
	// CreateNotice inserts a notice and moves the schedule to notice_sent. A
	// partial unique index keeps at most one unresolved notice per invoice.
	CreateNotice(ctx context.Context, notice domain.DunningNotice, graceExpiresAt time.Time) error
	// EscalateNotice resolves the current notice and inserts the next severity.
	EscalateNotice(ctx context.Context, notice domain.DunningNotice, graceExpiresAt time.Time) error
	GetActiveNotice(ctx context.Context, invoiceID uuid.UUID) (*domain.DunningNotice, error)

	// Reconciliation methods
	InsertReconciliationFlag(ctx context.Context, flag domain.ReconciliationFlag) error
	ListReconciliationFlags(ctx context.Context, limit int) ([]domain.ReconciliationFlag, error)
}
