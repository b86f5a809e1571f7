/**
 * @description
 * Core business logic for the billing settlement engine: usage accumulation,
 * period close, invoice generation and lifecycle moves. Charge execution
 * lives in charge.go, scheduled work in jobs.go, reconciliation in
 * reconcile.go.
 *
 * Audit events are published after the database commit that they describe,
 * fire and forget. A publish failure is logged, never propagated.
 *
 * @dependencies
 * - internal/store: persistence interface.
 * - internal/domain: billing entities and sentinel errors.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ridepool/billing-service/internal/domain"
	"github.com/ridepool/billing-service/internal/store"
	"github.com/ridepool/billing-service/pkg/provider"
)

// AuditExchange is the topic exchange all billing audit events go to.
const AuditExchange = "billing.audit"

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Settings holds the business knobs the service runs with.
type Settings struct {
	Currency       string
	DueIn          time.Duration // sent → due window when the caller passes no due date
	AmountCeiling  int64         // charges above this are flagged for manual review
	ChargeTimeout  time.Duration // per-call provider budget
	PendingMinAge  time.Duration // pending attempts younger than this are left alone
	RetryPolicy    *domain.RetryPolicy
	NoticeGrace    time.Duration // time a dunning notice waits before escalating
}

// Service provides the business logic for billing and settlement.
type Service struct {
	repo      store.Repository
	provider  provider.Provider
	publisher EventPublisher
	settings  Settings
	now       func() time.Time
}

// NewService creates a new billing service.
func NewService(repo store.Repository, prov provider.Provider, publisher EventPublisher, settings Settings) *Service {
	return &Service{
		repo:      repo,
		provider:  prov,
		publisher: publisher,
		settings:  settings,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RecordUsage accumulates one completed trip into the user's ledger for the
// period. Replays of the same trip ID return the current snapshot unchanged.
func (s *Service) RecordUsage(ctx context.Context, userID uuid.UUID, periodKey string, cost domain.TripCost) (*domain.UsageLedgerEntry, error) {
	if err := domain.ValidatePeriodKey(periodKey); err != nil {
		return nil, err
	}
	if cost.TripID == "" {
		return nil, fmt.Errorf("%w: trip id is required", domain.ErrValidation)
	}
	if cost.BaseFare < 0 || cost.DistanceFee < 0 || cost.TimeFee < 0 || cost.Surcharges < 0 {
		return nil, fmt.Errorf("%w: negative cost component", domain.ErrValidation)
	}
	if cost.DistanceKm < 0 || cost.DurationMin < 0 {
		return nil, fmt.Errorf("%w: negative trip metrics", domain.ErrValidation)
	}

	entry, applied, err := s.repo.RecordTripUsage(ctx, userID, periodKey, cost)
	if err != nil {
		return nil, err
	}
	if !applied {
		log.Printf("WARN: duplicate trip %s for user %s period %s ignored", cost.TripID, userID, periodKey)
		return entry, nil
	}

	s.publishAudit(ctx, "usage.recorded", "ledger", fmt.Sprintf("%s/%s", userID, periodKey), "", "", domain.ActorSystem)
	return entry, nil
}

// ClosePeriod freezes the ledger entry so it can be invoiced.
func (s *Service) ClosePeriod(ctx context.Context, userID uuid.UUID, periodKey string, actor string) (*domain.UsageLedgerEntry, error) {
	if err := domain.ValidatePeriodKey(periodKey); err != nil {
		return nil, err
	}

	entry, err := s.repo.FreezeLedgerPeriod(ctx, userID, periodKey)
	if err != nil {
		return nil, err
	}

	s.publishAudit(ctx, "ledger.period_closed", "ledger", fmt.Sprintf("%s/%s", userID, periodKey), "open", "frozen", actor)
	return entry, nil
}

// GetUsage returns the ledger snapshot including adjustments.
func (s *Service) GetUsage(ctx context.Context, userID uuid.UUID, periodKey string) (*domain.UsageLedgerEntry, error) {
	if err := domain.ValidatePeriodKey(periodKey); err != nil {
		return nil, err
	}
	return s.repo.GetLedgerEntry(ctx, userID, periodKey)
}

// AppendAdjustment records a manual correction against a period. Adjustments
// stay appendable after the freeze but not once an invoice exists.
func (s *Service) AppendAdjustment(ctx context.Context, userID uuid.UUID, periodKey, actor, reason string, amount int64) (*domain.UsageLedgerEntry, error) {
	if err := domain.ValidatePeriodKey(periodKey); err != nil {
		return nil, err
	}
	if actor == "" || reason == "" {
		return nil, fmt.Errorf("%w: adjustment actor and reason are required", domain.ErrValidation)
	}

	entry, err := s.repo.GetLedgerEntry(ctx, userID, periodKey)
	if err != nil {
		return nil, err
	}
	if entry.InvoiceID != nil {
		return nil, domain.ErrPeriodAlreadyInvoiced
	}

	adj := domain.Adjustment{
		ID:        uuid.New(),
		Actor:     actor,
		Reason:    reason,
		Amount:    amount,
		CreatedAt: s.now(),
	}
	if err := s.repo.InsertAdjustment(ctx, userID, periodKey, adj); err != nil {
		return nil, err
	}

	s.publishAudit(ctx, "ledger.adjusted", "ledger", fmt.Sprintf("%s/%s", userID, periodKey), "", "", actor)
	return s.repo.GetLedgerEntry(ctx, userID, periodKey)
}

// GenerateInvoice builds the invoice for a frozen ledger period. Calling it
// again for the same (user, period) returns the existing invoice.
func (s *Service) GenerateInvoice(ctx context.Context, userID uuid.UUID, periodKey string, customerRef string) (*domain.Invoice, error) {
	if err := domain.ValidatePeriodKey(periodKey); err != nil {
		return nil, err
	}

	entry, err := s.repo.GetLedgerEntry(ctx, userID, periodKey)
	if err != nil {
		return nil, err
	}
	if !entry.Frozen {
		return nil, fmt.Errorf("%w: period %s is not closed", domain.ErrValidation, periodKey)
	}
	if entry.InvoiceID != nil {
		existing, err := s.repo.GetInvoiceByID(ctx, *entry.InvoiceID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrInvoiceNotFound) {
			return nil, err
		}
	}

	items := domain.BuildLineItems(*entry)
	invoice := &domain.Invoice{
		ID:          uuid.New(),
		UserID:      userID,
		PeriodKey:   periodKey,
		Currency:    s.settings.Currency,
		LineItems:   items,
		TotalAmount: entry.Total(),
		Status:      domain.InvoiceDraft,
		CustomerRef: customerRef,
	}
	if err := invoice.ValidateTotal(); err != nil {
		return nil, err
	}

	if err := s.repo.CreateInvoice(ctx, invoice); err != nil {
		if errors.Is(err, store.ErrDuplicateInvoice) {
			return s.repo.GetInvoiceForPeriod(ctx, userID, periodKey)
		}
		return nil, err
	}

	s.publishAudit(ctx, "invoice.generated", "invoice", invoice.ID.String(), "", string(domain.InvoiceDraft), domain.ActorSystem)
	return invoice, nil
}

// SendInvoice moves draft → sent and sets the due date. A zero dueAt falls
// back to now + the configured due window.
func (s *Service) SendInvoice(ctx context.Context, invoiceID uuid.UUID, dueAt time.Time, actor string) (*domain.Invoice, error) {
	if dueAt.IsZero() {
		dueAt = s.now().Add(s.settings.DueIn)
	}

	invoice, err := s.repo.TransitionInvoice(ctx, invoiceID,
		[]domain.InvoiceStatus{domain.InvoiceDraft}, domain.InvoiceSent, &dueAt)
	if err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return nil, domain.ErrInvalidStateTransition
		}
		return nil, err
	}

	s.publishAudit(ctx, "invoice.sent", "invoice", invoiceID.String(), string(domain.InvoiceDraft), string(domain.InvoiceSent), actor)
	return invoice, nil
}

// CancelInvoice voids a draft or sent invoice and closes any schedule for it.
func (s *Service) CancelInvoice(ctx context.Context, invoiceID uuid.UUID, actor string) (*domain.Invoice, error) {
	invoice, err := s.repo.TransitionInvoice(ctx, invoiceID,
		[]domain.InvoiceStatus{domain.InvoiceDraft, domain.InvoiceSent}, domain.InvoiceCancelled, nil)
	if err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return nil, domain.ErrInvalidStateTransition
		}
		return nil, err
	}

	if err := s.repo.ResolveSchedule(ctx, invoiceID); err != nil {
		log.Printf("WARN: failed to resolve schedule for cancelled invoice %s: %v", invoiceID, err)
	}

	s.publishAudit(ctx, "invoice.cancelled", "invoice", invoiceID.String(), "", string(domain.InvoiceCancelled), actor)
	return invoice, nil
}

// GetInvoice loads an invoice with line items and attempt history.
func (s *Service) GetInvoice(ctx context.Context, invoiceID uuid.UUID) (*domain.Invoice, error) {
	return s.repo.GetInvoiceByID(ctx, invoiceID)
}

// ReinstateInvoice is the privileged reversal of a suspension. The invoice
// moves back to overdue so normal collection can resume, and the dunning
// record is resolved.
func (s *Service) ReinstateInvoice(ctx context.Context, invoiceID uuid.UUID, actor string) (*domain.Invoice, error) {
	if actor == "" || actor == domain.ActorSystem {
		return nil, fmt.Errorf("%w: reinstatement requires a named actor", domain.ErrValidation)
	}

	invoice, err := s.repo.TransitionInvoice(ctx, invoiceID,
		[]domain.InvoiceStatus{domain.InvoiceSuspended}, domain.InvoiceOverdue, nil)
	if err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return nil, domain.ErrInvalidStateTransition
		}
		return nil, err
	}

	if err := s.repo.ResolveSchedule(ctx, invoiceID); err != nil {
		log.Printf("WARN: failed to resolve schedule for reinstated invoice %s: %v", invoiceID, err)
	}

	s.publishAudit(ctx, "invoice.reinstated", "invoice", invoiceID.String(), string(domain.InvoiceSuspended), string(domain.InvoiceOverdue), actor)
	s.publishAccountStatus(ctx, invoice, false, "invoice reinstated by "+actor)
	return invoice, nil
}

// DunningStatus is the collection state of one invoice: the persisted
// schedule row plus the unresolved notice, when one exists.
type DunningStatus struct {
	Schedule *domain.SettlementSchedule `json:"schedule,omitempty"`
	Notice   *domain.DunningNotice      `json:"notice,omitempty"`
}

// GetDunningStatus reports where an invoice sits in the retry/dunning
// machine. An invoice that never failed a charge has no schedule row.
func (s *Service) GetDunningStatus(ctx context.Context, invoiceID uuid.UUID) (*DunningStatus, error) {
	if _, err := s.repo.GetInvoiceByID(ctx, invoiceID); err != nil {
		return nil, err
	}

	status := &DunningStatus{}
	schedule, err := s.repo.GetSchedule(ctx, invoiceID)
	if err != nil && !errors.Is(err, store.ErrScheduleNotFound) {
		return nil, err
	}
	status.Schedule = schedule

	notice, err := s.repo.GetActiveNotice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	status.Notice = notice
	return status, nil
}

// ListReviewFlags returns recent reconciliation mismatches for manual review.
func (s *Service) ListReviewFlags(ctx context.Context, limit int) ([]domain.ReconciliationFlag, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListReconciliationFlags(ctx, limit)
}

func (s *Service) publishAudit(ctx context.Context, action, entityType, entityID, before, after, actor string) {
	if s.publisher == nil {
		return
	}
	event := domain.AuditEvent{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Before:     before,
		After:      after,
		Actor:      actor,
		Timestamp:  s.now(),
	}
	if err := s.publisher.Publish(ctx, AuditExchange, action, event); err != nil {
		log.Printf("WARN: failed to publish audit event %s for %s: %v", action, entityID, err)
	}
}

func (s *Service) publishAccountStatus(ctx context.Context, invoice *domain.Invoice, suspended bool, reason string) {
	if s.publisher == nil {
		return
	}
	event := domain.AccountStatusEvent{
		UserID:    invoice.UserID.String(),
		InvoiceID: invoice.ID.String(),
		Suspended: suspended,
		Reason:    reason,
		Timestamp: s.now(),
	}
	routingKey := "account.reinstated"
	if suspended {
		routingKey = "account.suspended"
	}
	if err := s.publisher.Publish(ctx, AuditExchange, routingKey, event); err != nil {
		log.Printf("WARN: failed to publish account status for invoice %s: %v", invoice.ID, err)
	}
}
