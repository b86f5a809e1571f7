package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ridepool/billing-service/internal/domain"
	"github.com/ridepool/billing-service/internal/store"
)

// fakeRepo is an in-memory store.Repository with the same transition
// semantics as the Postgres implementation, so the service layer can be
// tested end to end without a database.
type fakeRepo struct {
	store.Repository

	mu sync.Mutex

	ledgers     map[string]*domain.UsageLedgerEntry
	trips       map[string]bool
	adjustments map[string][]domain.Adjustment
	invoices    map[uuid.UUID]*domain.Invoice
	attempts    []*domain.PaymentAttempt
	schedules   map[uuid.UUID]*domain.SettlementSchedule
	notices     map[uuid.UUID][]*domain.DunningNotice
	flags       []domain.ReconciliationFlag

	settleCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		ledgers:     make(map[string]*domain.UsageLedgerEntry),
		trips:       make(map[string]bool),
		adjustments: make(map[string][]domain.Adjustment),
		invoices:    make(map[uuid.UUID]*domain.Invoice),
		schedules:   make(map[uuid.UUID]*domain.SettlementSchedule),
		notices:     make(map[uuid.UUID][]*domain.DunningNotice),
	}
}

func ledgerKey(userID uuid.UUID, periodKey string) string {
	return userID.String() + "/" + periodKey
}

func (f *fakeRepo) RecordTripUsage(ctx context.Context, userID uuid.UUID, periodKey string, cost domain.TripCost) (*domain.UsageLedgerEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := ledgerKey(userID, periodKey)
	entry, ok := f.ledgers[key]
	if ok && entry.Frozen {
		return nil, false, domain.ErrPeriodFrozen
	}
	if !ok {
		entry = &domain.UsageLedgerEntry{UserID: userID, PeriodKey: periodKey, CreatedAt: time.Now()}
		f.ledgers[key] = entry
	}

	tripKey := key + "/" + cost.TripID
	if f.trips[tripKey] {
		return f.snapshotLocked(userID, periodKey), false, nil
	}
	f.trips[tripKey] = true

	entry.RideCount++
	entry.TotalDistanceKm += cost.DistanceKm
	entry.TotalDurationMin += cost.DurationMin
	entry.Costs.BaseFare += cost.BaseFare
	entry.Costs.DistanceFee += cost.DistanceFee
	entry.Costs.TimeFee += cost.TimeFee
	entry.Costs.Surcharges += cost.Surcharges
	entry.UpdatedAt = time.Now()

	return f.snapshotLocked(userID, periodKey), true, nil
}

func (f *fakeRepo) snapshotLocked(userID uuid.UUID, periodKey string) *domain.UsageLedgerEntry {
	key := ledgerKey(userID, periodKey)
	entry := *f.ledgers[key]
	entry.Adjustments = append([]domain.Adjustment(nil), f.adjustments[key]...)
	return &entry
}

func (f *fakeRepo) GetLedgerEntry(ctx context.Context, userID uuid.UUID, periodKey string) (*domain.UsageLedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ledgers[ledgerKey(userID, periodKey)]; !ok {
		return nil, store.ErrLedgerEntryNotFound
	}
	return f.snapshotLocked(userID, periodKey), nil
}

func (f *fakeRepo) FreezeLedgerPeriod(ctx context.Context, userID uuid.UUID, periodKey string) (*domain.UsageLedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.ledgers[ledgerKey(userID, periodKey)]
	if !ok {
		return nil, store.ErrLedgerEntryNotFound
	}
	if entry.InvoiceID != nil {
		return nil, domain.ErrPeriodAlreadyInvoiced
	}
	if entry.Frozen {
		return nil, domain.ErrPeriodFrozen
	}
	now := time.Now()
	entry.Frozen = true
	entry.FrozenAt = &now
	return f.snapshotLocked(userID, periodKey), nil
}

func (f *fakeRepo) InsertAdjustment(ctx context.Context, userID uuid.UUID, periodKey string, adj domain.Adjustment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ledgerKey(userID, periodKey)
	f.adjustments[key] = append(f.adjustments[key], adj)
	return nil
}

func (f *fakeRepo) CreateInvoice(ctx context.Context, invoice *domain.Invoice) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.invoices {
		if existing.UserID == invoice.UserID && existing.PeriodKey == invoice.PeriodKey && existing.Status != domain.InvoiceCancelled {
			return store.ErrDuplicateInvoice
		}
	}
	stored := *invoice
	f.invoices[invoice.ID] = &stored
	if entry, ok := f.ledgers[ledgerKey(invoice.UserID, invoice.PeriodKey)]; ok {
		id := invoice.ID
		entry.InvoiceID = &id
	}
	return nil
}

func (f *fakeRepo) GetInvoiceByID(ctx context.Context, invoiceID uuid.UUID) (*domain.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	invoice, ok := f.invoices[invoiceID]
	if !ok {
		return nil, store.ErrInvoiceNotFound
	}
	clone := *invoice
	for _, attempt := range f.attempts {
		if attempt.InvoiceID == invoiceID {
			clone.Attempts = append(clone.Attempts, *attempt)
		}
	}
	return &clone, nil
}

func (f *fakeRepo) GetInvoiceForPeriod(ctx context.Context, userID uuid.UUID, periodKey string) (*domain.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, invoice := range f.invoices {
		if invoice.UserID == userID && invoice.PeriodKey == periodKey && invoice.Status != domain.InvoiceCancelled {
			clone := *invoice
			return &clone, nil
		}
	}
	return nil, store.ErrInvoiceNotFound
}

func (f *fakeRepo) TransitionInvoice(ctx context.Context, invoiceID uuid.UUID, from []domain.InvoiceStatus, to domain.InvoiceStatus, dueAt *time.Time) (*domain.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	invoice, ok := f.invoices[invoiceID]
	if !ok {
		return nil, store.ErrInvoiceNotFound
	}
	matched := false
	for _, status := range from {
		if invoice.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		return nil, store.ErrStateConflict
	}
	invoice.Status = to
	if dueAt != nil {
		invoice.DueAt = dueAt
	}
	if to == domain.InvoicePaid {
		now := time.Now()
		invoice.PaidAt = &now
	}
	clone := *invoice
	return &clone, nil
}

func (f *fakeRepo) MarkInvoicesOverdue(ctx context.Context, now time.Time) ([]domain.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var flipped []domain.Invoice
	for _, invoice := range f.invoices {
		if invoice.Status == domain.InvoiceSent && invoice.DueAt != nil && invoice.DueAt.Before(now) {
			invoice.Status = domain.InvoiceOverdue
			flipped = append(flipped, *invoice)
		}
	}
	return flipped, nil
}

func (f *fakeRepo) SetInvoiceReviewFlag(ctx context.Context, invoiceID uuid.UUID, flagged bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if invoice, ok := f.invoices[invoiceID]; ok {
		invoice.ReviewFlagged = flagged
	}
	return nil
}

func (f *fakeRepo) FindAttemptByKey(ctx context.Context, invoiceID uuid.UUID, idempotencyKey string) (*domain.PaymentAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findAttemptLocked(invoiceID, idempotencyKey)
}

func (f *fakeRepo) findAttemptLocked(invoiceID uuid.UUID, idempotencyKey string) (*domain.PaymentAttempt, error) {
	for _, attempt := range f.attempts {
		if attempt.InvoiceID == invoiceID && attempt.IdempotencyKey == idempotencyKey {
			clone := *attempt
			return &clone, nil
		}
	}
	return nil, store.ErrAttemptNotFound
}

func (f *fakeRepo) RecordAttempt(ctx context.Context, attempt *domain.PaymentAttempt) (*domain.PaymentAttempt, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, err := f.findAttemptLocked(attempt.InvoiceID, attempt.IdempotencyKey); err == nil {
		return existing, false, nil
	}
	stored := *attempt
	f.attempts = append(f.attempts, &stored)
	clone := stored
	return &clone, true, nil
}

func (f *fakeRepo) SettleInvoice(ctx context.Context, attempt *domain.PaymentAttempt) (*domain.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleCalls++

	invoice, ok := f.invoices[attempt.InvoiceID]
	if !ok {
		return nil, store.ErrInvoiceNotFound
	}

	if existing, err := f.findAttemptLocked(attempt.InvoiceID, attempt.IdempotencyKey); err == nil {
		for _, stored := range f.attempts {
			if stored.ID == existing.ID {
				stored.Outcome = domain.AttemptSucceeded
				if stored.ProviderTxnID == nil {
					stored.ProviderTxnID = attempt.ProviderTxnID
				}
				stored.FailureReason = nil
			}
		}
	} else {
		stored := *attempt
		stored.Outcome = domain.AttemptSucceeded
		f.attempts = append(f.attempts, &stored)
	}

	if invoice.Status == domain.InvoicePaid {
		clone := *invoice
		return &clone, nil
	}
	payable := false
	for _, status := range domain.PayableStatuses() {
		if invoice.Status == status {
			payable = true
			break
		}
	}
	if !payable {
		return nil, store.ErrStateConflict
	}

	invoice.Status = domain.InvoicePaid
	now := time.Now()
	invoice.PaidAt = &now
	clone := *invoice
	return &clone, nil
}

func (f *fakeRepo) ResolveAttempt(ctx context.Context, attemptID uuid.UUID, outcome domain.AttemptOutcome, providerTxnID, failureReason *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, attempt := range f.attempts {
		if attempt.ID == attemptID {
			attempt.Outcome = outcome
			if providerTxnID != nil {
				attempt.ProviderTxnID = providerTxnID
			}
			attempt.FailureReason = failureReason
			return nil
		}
	}
	return store.ErrAttemptNotFound
}

func (f *fakeRepo) ListPendingAttempts(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pending []domain.PaymentAttempt
	for _, attempt := range f.attempts {
		if attempt.Outcome == domain.AttemptPending && attempt.AttemptedAt.Before(olderThan) {
			pending = append(pending, *attempt)
		}
	}
	return pending, nil
}

func (f *fakeRepo) ListAttemptsInWindow(ctx context.Context, from, to time.Time) ([]domain.PaymentAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.PaymentAttempt
	for _, attempt := range f.attempts {
		if !attempt.AttemptedAt.Before(from) && attempt.AttemptedAt.Before(to) {
			out = append(out, *attempt)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetSchedule(ctx context.Context, invoiceID uuid.UUID) (*domain.SettlementSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	schedule, ok := f.schedules[invoiceID]
	if !ok {
		return nil, store.ErrScheduleNotFound
	}
	clone := *schedule
	return &clone, nil
}

func (f *fakeRepo) ScheduleRetry(ctx context.Context, invoiceID, userID uuid.UUID, retryCount int, nextRetryAt time.Time, lastFailure string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	at := nextRetryAt
	failure := lastFailure
	f.schedules[invoiceID] = &domain.SettlementSchedule{
		InvoiceID:   invoiceID,
		UserID:      userID,
		State:       domain.ScheduleActive,
		RetryCount:  retryCount,
		NextRetryAt: &at,
		LastFailure: &failure,
	}
	return nil
}

func (f *fakeRepo) MarkScheduleExhausted(ctx context.Context, invoiceID uuid.UUID, lastFailure string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	schedule, ok := f.schedules[invoiceID]
	if !ok || schedule.State != domain.ScheduleActive {
		return store.ErrScheduleNotFound
	}
	schedule.State = domain.ScheduleExhausted
	schedule.NextRetryAt = nil
	failure := lastFailure
	schedule.LastFailure = &failure
	return nil
}

func (f *fakeRepo) MarkScheduleSuspended(ctx context.Context, invoiceID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if schedule, ok := f.schedules[invoiceID]; ok {
		schedule.State = domain.ScheduleSuspended
		schedule.GraceExpiresAt = nil
	}
	return nil
}

func (f *fakeRepo) ResolveSchedule(ctx context.Context, invoiceID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if schedule, ok := f.schedules[invoiceID]; ok {
		schedule.State = domain.ScheduleResolved
		schedule.NextRetryAt = nil
		schedule.GraceExpiresAt = nil
	}
	now := time.Now()
	for _, notice := range f.notices[invoiceID] {
		if notice.ResolvedAt == nil {
			notice.ResolvedAt = &now
		}
	}
	return nil
}

func (f *fakeRepo) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.SettlementSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []domain.SettlementSchedule
	for _, schedule := range f.schedules {
		if schedule.State == domain.ScheduleActive && schedule.NextRetryAt != nil && !schedule.NextRetryAt.After(now) {
			due = append(due, *schedule)
		}
	}
	return due, nil
}

func (f *fakeRepo) ListExhaustedSchedules(ctx context.Context, limit int) ([]domain.SettlementSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SettlementSchedule
	for _, schedule := range f.schedules {
		if schedule.State == domain.ScheduleExhausted {
			out = append(out, *schedule)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListExpiredNotices(ctx context.Context, now time.Time, limit int) ([]domain.SettlementSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SettlementSchedule
	for _, schedule := range f.schedules {
		if schedule.State == domain.ScheduleNoticeSent && schedule.GraceExpiresAt != nil && !schedule.GraceExpiresAt.After(now) {
			out = append(out, *schedule)
		}
	}
	return out, nil
}

func (f *fakeRepo) CreateNotice(ctx context.Context, notice domain.DunningNotice, graceExpiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.notices[notice.InvoiceID] {
		if existing.ResolvedAt == nil {
			return nil
		}
	}
	stored := notice
	f.notices[notice.InvoiceID] = append(f.notices[notice.InvoiceID], &stored)
	if schedule, ok := f.schedules[notice.InvoiceID]; ok && schedule.State == domain.ScheduleExhausted {
		schedule.State = domain.ScheduleNoticeSent
		severity := notice.Severity
		schedule.NoticeSeverity = &severity
		grace := graceExpiresAt
		schedule.GraceExpiresAt = &grace
	}
	return nil
}

func (f *fakeRepo) EscalateNotice(ctx context.Context, notice domain.DunningNotice, graceExpiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for _, existing := range f.notices[notice.InvoiceID] {
		if existing.ResolvedAt == nil {
			existing.ResolvedAt = &now
		}
	}
	stored := notice
	f.notices[notice.InvoiceID] = append(f.notices[notice.InvoiceID], &stored)
	if schedule, ok := f.schedules[notice.InvoiceID]; ok {
		severity := notice.Severity
		schedule.NoticeSeverity = &severity
		grace := graceExpiresAt
		schedule.GraceExpiresAt = &grace
	}
	return nil
}

func (f *fakeRepo) GetActiveNotice(ctx context.Context, invoiceID uuid.UUID) (*domain.DunningNotice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, notice := range f.notices[invoiceID] {
		if notice.ResolvedAt == nil {
			clone := *notice
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) InsertReconciliationFlag(ctx context.Context, flag domain.ReconciliationFlag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags = append(f.flags, flag)
	return nil
}

func (f *fakeRepo) ListReconciliationFlags(ctx context.Context, limit int) ([]domain.ReconciliationFlag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ReconciliationFlag(nil), f.flags...), nil
}

// recordingPublisher captures audit events for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, routingKey)
	return nil
}

func (p *recordingPublisher) published(routingKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range p.events {
		if key == routingKey {
			return true
		}
	}
	return false
}

func testSettings() Settings {
	return Settings{
		Currency:      "usd",
		DueIn:         14 * 24 * time.Hour,
		AmountCeiling: 1_000_000,
		ChargeTimeout: time.Second,
		PendingMinAge: time.Minute,
		RetryPolicy:   domain.NewRetryPolicy(time.Hour, 8*time.Hour, 3, 0, 1),
		NoticeGrace:   24 * time.Hour,
	}
}
