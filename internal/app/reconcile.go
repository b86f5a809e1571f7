/**
 * @description
 * Reconciliation backstop: cross-checks the provider's transaction log
 * against local payment attempts for a time window. Its main job is closing
 * out pending attempts left behind by provider timeouts. A pending attempt
 * whose provider-side charge succeeded settles the invoice here, without a
 * second ChargeCustomer call. Everything that does not line up becomes a
 * review flag, never an automatic correction.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ridepool/billing-service/internal/domain"
	"github.com/ridepool/billing-service/internal/store"
	"github.com/ridepool/billing-service/pkg/provider"
)

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	ProviderTransactions int `json:"provider_transactions"`
	LocalAttempts        int `json:"local_attempts"`
	ResolvedPending      int `json:"resolved_pending"`
	Flagged              int `json:"flagged"`
}

// Reconcile lists provider transactions in [from, to) and resolves or flags
// every disagreement with the local attempt log.
func (s *Service) Reconcile(ctx context.Context, from, to time.Time) (*ReconcileResult, error) {
	txns, err := s.provider.ListTransactions(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider transactions: %w", err)
	}

	attempts, err := s.repo.ListAttemptsInWindow(ctx, from, to)
	if err != nil {
		return nil, err
	}

	result := &ReconcileResult{
		ProviderTransactions: len(txns),
		LocalAttempts:        len(attempts),
	}

	local := make(map[string]*domain.PaymentAttempt, len(attempts))
	for i := range attempts {
		local[attemptKey(attempts[i].InvoiceID.String(), attempts[i].IdempotencyKey)] = &attempts[i]
	}

	seen := make(map[string]bool, len(txns))
	for _, txn := range txns {
		key := attemptKey(txn.InvoiceID, txn.IdempotencyKey)
		seen[key] = true

		attempt, ok := local[key]
		if !ok {
			s.flagMismatch(ctx, result, domain.ReconciliationFlag{
				ID:            uuid.New(),
				Kind:          "missing_locally",
				ProviderTxnID: strPtr(txn.ID),
				Details:       fmt.Sprintf("provider charge %s (%d %s) has no local attempt for invoice %q key %q", txn.ID, txn.Amount, txn.Currency, txn.InvoiceID, txn.IdempotencyKey),
			})
			continue
		}

		if attempt.Amount != txn.Amount {
			s.flagMismatch(ctx, result, domain.ReconciliationFlag{
				ID:            uuid.New(),
				Kind:          "amount_mismatch",
				InvoiceID:     &attempt.InvoiceID,
				AttemptID:     &attempt.ID,
				ProviderTxnID: strPtr(txn.ID),
				Details:       fmt.Sprintf("local attempt amount %d differs from provider amount %d", attempt.Amount, txn.Amount),
			})
			continue
		}

		if attempt.Outcome == domain.AttemptPending {
			if err := s.resolvePending(ctx, attempt, txn, result); err != nil {
				return nil, err
			}
		}
	}

	// Local attempts the provider has no record of. A succeeded local
	// attempt without a provider transaction is the serious case; a pending
	// one means the original request most likely never landed.
	for key, attempt := range local {
		if seen[key] {
			continue
		}
		if attempt.Outcome == domain.AttemptFailed {
			continue
		}
		// Fresh pendings get time to settle before they count as mismatches;
		// the webhook usually arrives first.
		if attempt.Outcome == domain.AttemptPending && s.settings.PendingMinAge > 0 &&
			s.now().Sub(attempt.AttemptedAt) < s.settings.PendingMinAge {
			continue
		}
		s.flagMismatch(ctx, result, domain.ReconciliationFlag{
			ID:        uuid.New(),
			Kind:      "missing_at_provider",
			InvoiceID: &attempt.InvoiceID,
			AttemptID: &attempt.ID,
			Details:   fmt.Sprintf("local %s attempt %s has no provider transaction in window", attempt.Outcome, attempt.ID),
		})
	}

	if err := s.flagStalePending(ctx, from, result); err != nil {
		return nil, err
	}

	return result, nil
}

// flagStalePending surfaces attempts stuck in pending since before the window
// under inspection. The window pass cannot see them, and every run they stay
// unresolved is a run the money state is unknown.
func (s *Service) flagStalePending(ctx context.Context, windowStart time.Time, result *ReconcileResult) error {
	if s.settings.PendingMinAge <= 0 {
		return nil
	}

	stuck, err := s.repo.ListPendingAttempts(ctx, s.now().Add(-s.settings.PendingMinAge), jobBatchSize)
	if err != nil {
		return err
	}
	for i := range stuck {
		attempt := &stuck[i]
		if !attempt.AttemptedAt.Before(windowStart) {
			continue
		}
		s.flagMismatch(ctx, result, domain.ReconciliationFlag{
			ID:        uuid.New(),
			Kind:      "stale_pending",
			InvoiceID: &attempt.InvoiceID,
			AttemptID: &attempt.ID,
			Details:   fmt.Sprintf("attempt %s pending since %s, outside the reconciliation window", attempt.ID, attempt.AttemptedAt.Format(time.RFC3339)),
		})
	}
	return nil
}

// resolvePending finalizes a pending attempt from the provider's terminal
// status. Success settles the invoice through the same conditional update the
// charge path uses.
func (s *Service) resolvePending(ctx context.Context, attempt *domain.PaymentAttempt, txn provider.Transaction, result *ReconcileResult) error {
	switch txn.Status {
	case provider.StatusSucceeded:
		settled := *attempt
		settled.Outcome = domain.AttemptSucceeded
		settled.ProviderTxnID = strPtr(txn.ID)

		invoice, err := s.repo.SettleInvoice(ctx, &settled)
		if err != nil {
			if errors.Is(err, store.ErrStateConflict) || errors.Is(err, store.ErrInvoiceNotFound) {
				s.flagMismatch(ctx, result, domain.ReconciliationFlag{
					ID:            uuid.New(),
					Kind:          "missing_locally",
					InvoiceID:     &attempt.InvoiceID,
					AttemptID:     &attempt.ID,
					ProviderTxnID: strPtr(txn.ID),
					Details:       fmt.Sprintf("provider charge %s succeeded but invoice could not be settled: %v", txn.ID, err),
				})
				return nil
			}
			return err
		}
		if err := s.repo.ResolveSchedule(ctx, attempt.InvoiceID); err != nil {
			return err
		}

		result.ResolvedPending++
		s.publishAudit(ctx, "invoice.paid", "invoice", invoice.ID.String(), string(domain.InvoiceSent), string(domain.InvoicePaid), domain.ActorSystem)
		return nil

	case provider.StatusFailed:
		reason := "charge failed at provider"
		if err := s.repo.ResolveAttempt(ctx, attempt.ID, domain.AttemptFailed, strPtr(txn.ID), &reason); err != nil {
			return err
		}
		result.ResolvedPending++
		s.publishAudit(ctx, "charge.failed", "invoice", attempt.InvoiceID.String(), "", "", domain.ActorSystem)

		// Collection resumes where it left off.
		retryCount := 0
		if schedule, err := s.repo.GetSchedule(ctx, attempt.InvoiceID); err == nil {
			retryCount = schedule.RetryCount
		}
		invoice, err := s.repo.GetInvoiceByID(ctx, attempt.InvoiceID)
		if err != nil {
			return err
		}
		return s.RegisterChargeFailure(ctx, attempt.InvoiceID, invoice.UserID, retryCount, reason)

	default:
		// Still pending at the provider as well; nothing to do this pass.
		return nil
	}
}

func (s *Service) flagMismatch(ctx context.Context, result *ReconcileResult, flag domain.ReconciliationFlag) {
	if err := s.repo.InsertReconciliationFlag(ctx, flag); err != nil {
		// A lost flag only delays review until the next pass rediscovers it.
		return
	}
	result.Flagged++
}

func attemptKey(invoiceID, idempotencyKey string) string {
	return invoiceID + "/" + idempotencyKey
}

func strPtr(s string) *string {
	return &s
}
