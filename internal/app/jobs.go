/**
 * @description
 * Scheduled job implementations: due retry firing, dunning escalation,
 * overdue marking and reconciliation. All jobs poll persisted schedule rows,
 * so a restart loses nothing, and every firing re-reads invoice state before
 * acting. A retry that fires after the invoice was settled or cancelled is a
 * no-op that closes the schedule.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ridepool/billing-service/internal/domain"
)

const jobBatchSize = 100

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	svc    *Service
	logger *slog.Logger

	// defaultPaymentMethod backs scheduled retries; invoices carry no stored
	// payment method of their own, the provider resolves the customer's
	// default from the customer ref.
	defaultPaymentMethod string

	reconcileLookback time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(svc *Service, logger *slog.Logger, defaultPaymentMethod string, reconcileLookback time.Duration) *Jobs {
	return &Jobs{
		svc:                  svc,
		logger:               logger,
		defaultPaymentMethod: defaultPaymentMethod,
		reconcileLookback:    reconcileLookback,
	}
}

// RunDueRetries fires every settlement schedule whose retry time has arrived.
func (j *Jobs) RunDueRetries() {
	ctx := context.Background()
	now := j.svc.now()

	schedules, err := j.svc.repo.ListDueRetries(ctx, now, jobBatchSize)
	if err != nil {
		j.logger.Error("failed to list due retries", "error", err)
		return
	}
	if len(schedules) == 0 {
		return
	}
	j.logger.Info("firing due retries", "count", len(schedules))

	for _, schedule := range schedules {
		j.fireRetry(ctx, schedule)
	}
}

func (j *Jobs) fireRetry(ctx context.Context, schedule domain.SettlementSchedule) {
	invoice, err := j.svc.repo.GetInvoiceByID(ctx, schedule.InvoiceID)
	if err != nil {
		j.logger.Error("retry fired for unknown invoice", "invoice_id", schedule.InvoiceID, "error", err)
		return
	}

	// State is re-read at fire time. Settled or voided invoices end the
	// schedule instead of charging.
	if invoice.Status == domain.InvoicePaid || invoice.Status == domain.InvoiceCancelled {
		if err := j.svc.repo.ResolveSchedule(ctx, schedule.InvoiceID); err != nil {
			j.logger.Error("failed to resolve stale schedule", "invoice_id", schedule.InvoiceID, "error", err)
		}
		j.logger.Info("retry skipped, invoice already settled", "invoice_id", schedule.InvoiceID, "status", invoice.Status)
		return
	}

	key := retryKey(schedule.InvoiceID, schedule.RetryCount)
	outcome, err := j.svc.Charge(ctx, schedule.InvoiceID, j.defaultPaymentMethod, key)

	switch {
	case err == nil:
		j.logger.Info("scheduled retry settled invoice", "invoice_id", schedule.InvoiceID, "retry", schedule.RetryCount)

	case errors.Is(err, domain.ErrProviderTimeout), errors.Is(err, domain.ErrChargePending):
		// Pending outcomes are owned by reconciliation and the webhook from
		// here on. The schedule is left untouched so a later firing replays
		// the same key, which returns without a provider call.
		j.logger.Warn("scheduled retry left a pending attempt", "invoice_id", schedule.InvoiceID, "retry", schedule.RetryCount)

	case errors.Is(err, domain.ErrChargeFailed):
		// Charge handed a fresh decline to the scheduler itself. A replayed
		// key means an earlier firing recorded the failure but crashed before
		// the schedule advanced, so the hand-off happens here.
		reason := err.Error()
		if outcome != nil && outcome.Attempt != nil && outcome.Attempt.FailureReason != nil {
			reason = *outcome.Attempt.FailureReason
		}
		if outcome != nil && outcome.Replayed {
			if regErr := j.svc.RegisterChargeFailure(ctx, schedule.InvoiceID, schedule.UserID, schedule.RetryCount, reason); regErr != nil {
				j.logger.Error("failed to reschedule after retry failure", "invoice_id", schedule.InvoiceID, "error", regErr)
				return
			}
		}
		j.logger.Info("scheduled retry failed", "invoice_id", schedule.InvoiceID, "retry", schedule.RetryCount, "reason", reason)

	case errors.Is(err, domain.ErrProviderUnavailable):
		// No attempt row was written, so no hand-off happened inside Charge.
		if regErr := j.svc.RegisterChargeFailure(ctx, schedule.InvoiceID, schedule.UserID, schedule.RetryCount, err.Error()); regErr != nil {
			j.logger.Error("failed to reschedule after retry failure", "invoice_id", schedule.InvoiceID, "error", regErr)
			return
		}
		j.logger.Info("scheduled retry deferred, provider unavailable", "invoice_id", schedule.InvoiceID, "retry", schedule.RetryCount)

	case errors.Is(err, domain.ErrInvalidStateTransition):
		// Someone moved the invoice out of a payable state between our read
		// and the charge. The next firing resolves the schedule.
		j.logger.Info("retry skipped, invoice no longer payable", "invoice_id", schedule.InvoiceID, "status", invoice.Status)

	default:
		j.logger.Error("scheduled retry errored", "invoice_id", schedule.InvoiceID, "error", err)
	}
}

// RunDunningEscalation walks the dunning ladder: exhausted schedules get a
// first notice, expired first notices escalate to final, and expired final
// notices suspend the invoice and signal account status.
func (j *Jobs) RunDunningEscalation() {
	ctx := context.Background()
	now := j.svc.now()

	exhausted, err := j.svc.repo.ListExhaustedSchedules(ctx, jobBatchSize)
	if err != nil {
		j.logger.Error("failed to list exhausted schedules", "error", err)
		return
	}
	for _, schedule := range exhausted {
		j.sendFirstNotice(ctx, schedule, now)
	}

	expired, err := j.svc.repo.ListExpiredNotices(ctx, now, jobBatchSize)
	if err != nil {
		j.logger.Error("failed to list expired notices", "error", err)
		return
	}
	for _, schedule := range expired {
		j.escalate(ctx, schedule, now)
	}
}

func (j *Jobs) sendFirstNotice(ctx context.Context, schedule domain.SettlementSchedule, now time.Time) {
	if j.scheduleIsStale(ctx, schedule.InvoiceID) {
		return
	}

	notice := domain.DunningNotice{
		ID:        uuid.New(),
		InvoiceID: schedule.InvoiceID,
		UserID:    schedule.UserID,
		Severity:  domain.NoticeFirst,
		SentAt:    now,
	}
	if err := j.svc.repo.CreateNotice(ctx, notice, now.Add(j.svc.settings.NoticeGrace)); err != nil {
		j.logger.Error("failed to create first notice", "invoice_id", schedule.InvoiceID, "error", err)
		return
	}

	j.svc.publishAudit(ctx, "dunning.notice_sent", "invoice", schedule.InvoiceID.String(), "exhausted", "notice_sent", domain.ActorSystem)
	j.logger.Info("first dunning notice sent", "invoice_id", schedule.InvoiceID, "user_id", schedule.UserID)
}

func (j *Jobs) escalate(ctx context.Context, schedule domain.SettlementSchedule, now time.Time) {
	if j.scheduleIsStale(ctx, schedule.InvoiceID) {
		return
	}

	severity := domain.NoticeFirst
	if schedule.NoticeSeverity != nil {
		severity = *schedule.NoticeSeverity
	}

	if severity == domain.NoticeFirst {
		notice := domain.DunningNotice{
			ID:        uuid.New(),
			InvoiceID: schedule.InvoiceID,
			UserID:    schedule.UserID,
			Severity:  domain.NoticeFinal,
			SentAt:    now,
		}
		if err := j.svc.repo.EscalateNotice(ctx, notice, now.Add(j.svc.settings.NoticeGrace)); err != nil {
			j.logger.Error("failed to escalate notice", "invoice_id", schedule.InvoiceID, "error", err)
			return
		}
		j.svc.publishAudit(ctx, "dunning.escalated", "invoice", schedule.InvoiceID.String(), "first", "final", domain.ActorSystem)
		j.logger.Info("dunning notice escalated to final", "invoice_id", schedule.InvoiceID)
		return
	}

	// Final notice grace lapsed: suspend.
	invoice, err := j.svc.repo.TransitionInvoice(ctx, schedule.InvoiceID,
		[]domain.InvoiceStatus{domain.InvoiceSent, domain.InvoiceOverdue}, domain.InvoiceSuspended, nil)
	if err != nil {
		j.logger.Error("failed to suspend invoice", "invoice_id", schedule.InvoiceID, "error", err)
		return
	}
	if err := j.svc.repo.MarkScheduleSuspended(ctx, schedule.InvoiceID); err != nil {
		j.logger.Error("failed to mark schedule suspended", "invoice_id", schedule.InvoiceID, "error", err)
	}

	j.svc.publishAudit(ctx, "invoice.suspended", "invoice", schedule.InvoiceID.String(), string(domain.InvoiceOverdue), string(domain.InvoiceSuspended), domain.ActorSystem)
	j.svc.publishAccountStatus(ctx, invoice, true, "final dunning notice expired unpaid")
	j.logger.Warn("invoice suspended after final notice", "invoice_id", schedule.InvoiceID, "user_id", schedule.UserID)
}

// scheduleIsStale closes the schedule and reports true when the invoice no
// longer needs collecting.
func (j *Jobs) scheduleIsStale(ctx context.Context, invoiceID uuid.UUID) bool {
	invoice, err := j.svc.repo.GetInvoiceByID(ctx, invoiceID)
	if err != nil {
		j.logger.Error("dunning fired for unknown invoice", "invoice_id", invoiceID, "error", err)
		return true
	}
	if invoice.Status == domain.InvoicePaid || invoice.Status == domain.InvoiceCancelled {
		if err := j.svc.repo.ResolveSchedule(ctx, invoiceID); err != nil {
			j.logger.Error("failed to resolve stale schedule", "invoice_id", invoiceID, "error", err)
		}
		return true
	}
	return false
}

// RunOverdueMarking flips sent invoices past their due date into overdue.
func (j *Jobs) RunOverdueMarking() {
	ctx := context.Background()

	invoices, err := j.svc.repo.MarkInvoicesOverdue(ctx, j.svc.now())
	if err != nil {
		j.logger.Error("failed to mark invoices overdue", "error", err)
		return
	}
	for _, invoice := range invoices {
		j.svc.publishAudit(ctx, "invoice.overdue", "invoice", invoice.ID.String(), string(domain.InvoiceSent), string(domain.InvoiceOverdue), domain.ActorSystem)
	}
	if len(invoices) > 0 {
		j.logger.Info("marked invoices overdue", "count", len(invoices))
	}
}

// RunReconciliation cross-checks the recent provider transaction window
// against local attempts.
func (j *Jobs) RunReconciliation() {
	ctx := context.Background()
	to := j.svc.now()
	from := to.Add(-j.reconcileLookback)

	result, err := j.svc.Reconcile(ctx, from, to)
	if err != nil {
		j.logger.Error("reconciliation failed", "error", err)
		return
	}
	j.logger.Info("reconciliation complete",
		"window_from", from, "window_to", to,
		"provider_txns", result.ProviderTransactions,
		"resolved_pending", result.ResolvedPending,
		"flagged", result.Flagged)
}
