/**
 * @description
 * Charge execution against the payment provider. The at-most-once guarantee
 * rests on three layers: the caller-supplied idempotency key deduped in our
 * attempts table, the same key forwarded to the provider, and a conditional
 * status UPDATE that settles the invoice. The provider call always completes
 * before the settle update, and no database lock is held across it.
 *
 * A provider timeout is the one outcome we cannot classify: money may or may
 * not have moved. The attempt is recorded pending and left for the webhook or
 * the reconciliation job. It is never auto-retried.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/ridepool/billing-service/internal/domain"
	"github.com/ridepool/billing-service/internal/store"
	"github.com/ridepool/billing-service/pkg/provider"
)

// ChargeOutcome is what a charge call reports back to the caller.
type ChargeOutcome struct {
	Attempt *domain.PaymentAttempt `json:"attempt"`
	Invoice *domain.Invoice        `json:"invoice"`
	// Replayed is true when the key matched a prior attempt and no provider
	// call was made.
	Replayed bool `json:"replayed"`
}

// Charge executes a payment for an invoice. The idempotency key is supplied
// by the caller; replaying a key returns the original attempt without
// touching the provider.
func (s *Service) Charge(ctx context.Context, invoiceID uuid.UUID, paymentMethodRef, idempotencyKey string) (*ChargeOutcome, error) {
	if idempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", domain.ErrValidation)
	}
	if paymentMethodRef == "" {
		return nil, fmt.Errorf("%w: payment method is required", domain.ErrValidation)
	}

	invoice, err := s.repo.GetInvoiceByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	// Key replay short-circuits before any validation or provider contact.
	if prior, err := s.repo.FindAttemptByKey(ctx, invoiceID, idempotencyKey); err == nil {
		if prior.Outcome == domain.AttemptSucceeded || prior.Outcome == domain.AttemptPending {
			return &ChargeOutcome{Attempt: prior, Invoice: invoice, Replayed: true}, nil
		}
		// A failed attempt under the same key is also final for that key.
		return &ChargeOutcome{Attempt: prior, Invoice: invoice, Replayed: true}, domain.ErrChargeFailed
	} else if !errors.Is(err, store.ErrAttemptNotFound) {
		return nil, err
	}

	if invoice.TotalAmount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if !payable(invoice.Status) {
		return nil, domain.ErrInvalidStateTransition
	}

	flagged := s.settings.AmountCeiling > 0 && invoice.TotalAmount > s.settings.AmountCeiling
	if flagged {
		if err := s.repo.SetInvoiceReviewFlag(ctx, invoiceID, true); err != nil {
			log.Printf("WARN: failed to flag invoice %s for review: %v", invoiceID, err)
		}
	}

	callCtx := ctx
	if s.settings.ChargeTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.settings.ChargeTimeout)
		defer cancel()
	}

	result, provErr := s.provider.ChargeCustomer(callCtx, provider.ChargeRequest{
		CustomerRef:      invoice.CustomerRef,
		PaymentMethodRef: paymentMethodRef,
		Amount:           invoice.TotalAmount,
		Currency:         invoice.Currency,
		IdempotencyKey:   idempotencyKey,
		Description:      fmt.Sprintf("ride usage %s", invoice.PeriodKey),
		Metadata: map[string]string{
			"invoice_id":      invoiceID.String(),
			"idempotency_key": idempotencyKey,
		},
	})

	attempt := &domain.PaymentAttempt{
		ID:               uuid.New(),
		InvoiceID:        invoiceID,
		IdempotencyKey:   idempotencyKey,
		PaymentMethodRef: paymentMethodRef,
		Amount:           invoice.TotalAmount,
		Currency:         invoice.Currency,
		FlaggedForReview: flagged,
		AttemptedAt:      s.now(),
	}

	switch {
	case provErr == nil && result.Success:
		attempt.Outcome = domain.AttemptSucceeded
		if result.TransactionID != "" {
			txnID := result.TransactionID
			attempt.ProviderTxnID = &txnID
		}
		settled, err := s.repo.SettleInvoice(ctx, attempt)
		if err != nil {
			return nil, err
		}
		if err := s.repo.ResolveSchedule(ctx, invoiceID); err != nil {
			log.Printf("WARN: failed to resolve schedule for paid invoice %s: %v", invoiceID, err)
		}
		s.publishAudit(ctx, "invoice.paid", "invoice", invoiceID.String(), string(invoice.Status), string(domain.InvoicePaid), domain.ActorSystem)
		return &ChargeOutcome{Attempt: attempt, Invoice: settled}, nil

	case isTimeout(provErr):
		attempt.Outcome = domain.AttemptPending
		recorded, _, err := s.repo.RecordAttempt(ctx, attempt)
		if err != nil {
			return nil, err
		}
		s.publishAudit(ctx, "charge.pending", "invoice", invoiceID.String(), string(invoice.Status), string(invoice.Status), domain.ActorSystem)
		return &ChargeOutcome{Attempt: recorded, Invoice: invoice}, domain.ErrProviderTimeout

	case errors.Is(provErr, provider.ErrUnavailable):
		// Nothing was attempted provider-side; no attempt row is written so
		// the caller may retry with the same key.
		return nil, domain.ErrProviderUnavailable

	case provErr != nil:
		return nil, fmt.Errorf("provider charge failed: %w", provErr)

	case result.Status == provider.StatusPending:
		// The provider accepted the charge but has not settled it. Same rule
		// as a timeout: the outcome is unknown, so the attempt is recorded
		// pending and never auto-retried. The webhook or reconciliation
		// finishes it.
		attempt.Outcome = domain.AttemptPending
		if result.TransactionID != "" {
			txnID := result.TransactionID
			attempt.ProviderTxnID = &txnID
		}
		recorded, _, err := s.repo.RecordAttempt(ctx, attempt)
		if err != nil {
			return nil, err
		}
		s.publishAudit(ctx, "charge.pending", "invoice", invoiceID.String(), string(invoice.Status), string(invoice.Status), domain.ActorSystem)
		return &ChargeOutcome{Attempt: recorded, Invoice: invoice}, domain.ErrChargePending

	default:
		attempt.Outcome = domain.AttemptFailed
		reason := result.FailureReason
		if reason == "" {
			reason = "declined by provider"
		}
		attempt.FailureReason = &reason
		if result.TransactionID != "" {
			txnID := result.TransactionID
			attempt.ProviderTxnID = &txnID
		}
		recorded, _, err := s.repo.RecordAttempt(ctx, attempt)
		if err != nil {
			return nil, err
		}
		s.publishAudit(ctx, "charge.failed", "invoice", invoiceID.String(), string(invoice.Status), string(invoice.Status), domain.ActorSystem)
		s.handOffFailure(ctx, invoice, reason)
		return &ChargeOutcome{Attempt: recorded, Invoice: invoice}, fmt.Errorf("%w: %s", domain.ErrChargeFailed, reason)
	}
}

// handOffFailure feeds a terminal decline into the retry scheduler, creating
// the first schedule row for an API-initiated charge and advancing the count
// for a scheduled one. An invoice already escalated past retries stays with
// the dunning ladder.
func (s *Service) handOffFailure(ctx context.Context, invoice *domain.Invoice, reason string) {
	retryCount := 0
	if schedule, err := s.repo.GetSchedule(ctx, invoice.ID); err == nil {
		if schedule.State != domain.ScheduleActive {
			return
		}
		retryCount = schedule.RetryCount
	} else if !errors.Is(err, store.ErrScheduleNotFound) {
		log.Printf("WARN: failed to read schedule for invoice %s: %v", invoice.ID, err)
		return
	}
	if err := s.RegisterChargeFailure(ctx, invoice.ID, invoice.UserID, retryCount, reason); err != nil {
		log.Printf("WARN: failed to hand invoice %s to the retry scheduler: %v", invoice.ID, err)
	}
}

// RegisterChargeFailure hands a failed invoice to the retry scheduler. The
// next attempt time follows the exponential backoff policy; once retries are
// spent the schedule moves to exhausted for the dunning job to pick up.
func (s *Service) RegisterChargeFailure(ctx context.Context, invoiceID, userID uuid.UUID, retryCount int, failure string) error {
	policy := s.settings.RetryPolicy
	if policy.Exhausted(retryCount) {
		if err := s.repo.ScheduleRetry(ctx, invoiceID, userID, retryCount, s.now(), failure); err != nil {
			return err
		}
		if err := s.repo.MarkScheduleExhausted(ctx, invoiceID, failure); err != nil {
			return err
		}
		s.publishAudit(ctx, "dunning.exhausted", "invoice", invoiceID.String(), "active", "exhausted", domain.ActorSystem)
		return nil
	}

	nextAt := s.now().Add(policy.NextDelay(retryCount))
	if err := s.repo.ScheduleRetry(ctx, invoiceID, userID, retryCount+1, nextAt, failure); err != nil {
		return err
	}
	s.publishAudit(ctx, "retry.scheduled", "invoice", invoiceID.String(), "", "active", domain.ActorSystem)
	return nil
}

func payable(status domain.InvoiceStatus) bool {
	for _, s := range domain.PayableStatuses() {
		if status == s {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, provider.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		domain.IsTimeout(err)
}

// retryKey is the deterministic idempotency key scheduled retries use, so a
// job that fires twice for the same retry number replays instead of
// double-charging.
func retryKey(invoiceID uuid.UUID, retryCount int) string {
	return fmt.Sprintf("retry-%s-%d", invoiceID, retryCount)
}
