/**
 * @description
 * Application side of webhook intake: once the HTTP layer has verified the
 * signature, timestamp and event-id uniqueness, the event lands here and is
 * applied through the same state transitions the synchronous charge path
 * uses. The webhook and charge paths therefore converge on the identical
 * conditional update, and a webhook for an already-settled invoice is a
 * harmless no-op.
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
)

// ApplyWebhookEvent maps a verified provider event onto local state.
func (s *Service) ApplyWebhookEvent(ctx context.Context, event domain.ProviderWebhookEvent) error {
	invoiceID, err := uuid.Parse(event.Data.InvoiceID)
	if err != nil {
		return fmt.Errorf("%w: event %s carries no usable invoice id", domain.ErrValidation, event.ID)
	}
	if event.Data.IdempotencyKey == "" {
		return fmt.Errorf("%w: event %s carries no idempotency key", domain.ErrValidation, event.ID)
	}

	switch event.Type {
	case domain.WebhookChargeSucceeded:
		return s.applyChargeSucceeded(ctx, invoiceID, event)
	case domain.WebhookChargeFailed:
		return s.applyChargeFailed(ctx, invoiceID, event)
	case domain.WebhookChargePending:
		// Informational; the attempt is already pending locally or will be
		// caught by reconciliation.
		return nil
	default:
		log.Printf("WARN: ignoring webhook event %s with unknown type %q", event.ID, event.Type)
		return nil
	}
}

func (s *Service) applyChargeSucceeded(ctx context.Context, invoiceID uuid.UUID, event domain.ProviderWebhookEvent) error {
	invoice, err := s.repo.GetInvoiceByID(ctx, invoiceID)
	if err != nil {
		return err
	}
	if invoice.Status == domain.InvoicePaid {
		return nil
	}

	attempt := &domain.PaymentAttempt{
		ID:             uuid.New(),
		InvoiceID:      invoiceID,
		IdempotencyKey: event.Data.IdempotencyKey,
		Outcome:        domain.AttemptSucceeded,
		Amount:         event.Data.Amount,
		Currency:       event.Data.Currency,
		AttemptedAt:    s.now(),
	}
	if prior, err := s.repo.FindAttemptByKey(ctx, invoiceID, event.Data.IdempotencyKey); err == nil {
		// Keep the original attempt row; the settle upsert flips its outcome.
		attempt = prior
		attempt.Outcome = domain.AttemptSucceeded
	} else if !errors.Is(err, store.ErrAttemptNotFound) {
		return err
	}
	if event.Data.TransactionID != "" {
		txnID := event.Data.TransactionID
		attempt.ProviderTxnID = &txnID
	}

	before := invoice.Status
	if _, err := s.repo.SettleInvoice(ctx, attempt); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			// Not in a payable state and not paid: cancelled or draft. Leave
			// it for reconciliation to flag.
			log.Printf("WARN: webhook %s reported success for invoice %s in state %s", event.ID, invoiceID, before)
			return nil
		}
		return err
	}
	if err := s.repo.ResolveSchedule(ctx, invoiceID); err != nil {
		log.Printf("WARN: failed to resolve schedule for invoice %s: %v", invoiceID, err)
	}

	s.publishAudit(ctx, "invoice.paid", "invoice", invoiceID.String(), string(before), string(domain.InvoicePaid), domain.ActorSystem)
	return nil
}

func (s *Service) applyChargeFailed(ctx context.Context, invoiceID uuid.UUID, event domain.ProviderWebhookEvent) error {
	prior, err := s.repo.FindAttemptByKey(ctx, invoiceID, event.Data.IdempotencyKey)
	if err != nil {
		if errors.Is(err, store.ErrAttemptNotFound) {
			log.Printf("WARN: webhook %s reports failure for unknown attempt on invoice %s", event.ID, invoiceID)
			return nil
		}
		return err
	}
	if prior.Outcome != domain.AttemptPending {
		return nil
	}

	reason := event.Data.FailureReason
	if reason == "" {
		reason = "charge failed at provider"
	}
	var txnID *string
	if event.Data.TransactionID != "" {
		id := event.Data.TransactionID
		txnID = &id
	}
	if err := s.repo.ResolveAttempt(ctx, prior.ID, domain.AttemptFailed, txnID, &reason); err != nil {
		return err
	}
	s.publishAudit(ctx, "charge.failed", "invoice", invoiceID.String(), "", "", domain.ActorSystem)

	invoice, err := s.repo.GetInvoiceByID(ctx, invoiceID)
	if err != nil {
		return err
	}
	if invoice.Status == domain.InvoicePaid || invoice.Status == domain.InvoiceCancelled {
		return nil
	}

	retryCount := 0
	if schedule, err := s.repo.GetSchedule(ctx, invoiceID); err == nil {
		retryCount = schedule.RetryCount
	}
	return s.RegisterChargeFailure(ctx, invoiceID, invoice.UserID, retryCount, reason)
}
