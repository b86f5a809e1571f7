package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ridepool/billing-service/internal/domain"
	"github.com/ridepool/billing-service/pkg/provider"
	"github.com/ridepool/billing-service/pkg/provider/stubprovider"
)

func newTestJobs(repo *fakeRepo, prov *stubprovider.Provider, pub *recordingPublisher) (*Jobs, *Service) {
	svc := NewService(repo, prov, pub, testSettings())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := NewJobs(svc, logger, "pm_default", 24*time.Hour)
	return jobs, svc
}

func TestRunDueRetries_FiredRetryNoOpsOnPaidInvoice(t *testing.T) {
	repo := newFakeRepo()
	prov := stubprovider.New(nil)
	jobs, _ := newTestJobs(repo, prov, &recordingPublisher{})

	invoice := seedInvoice(repo, domain.InvoicePaid, 12000)
	past := time.Now().Add(-time.Minute)
	repo.schedules[invoice.ID] = &domain.SettlementSchedule{
		InvoiceID:   invoice.ID,
		UserID:      invoice.UserID,
		State:       domain.ScheduleActive,
		RetryCount:  1,
		NextRetryAt: &past,
	}

	jobs.RunDueRetries()

	if prov.ChargeCalls != 0 {
		t.Fatal("retry for a paid invoice must not reach the provider")
	}
	schedule, _ := repo.GetSchedule(context.Background(), invoice.ID)
	if schedule.State != domain.ScheduleResolved {
		t.Fatalf("expected resolved schedule, got %s", schedule.State)
	}
}

func TestRunDueRetries_SuccessSettles(t *testing.T) {
	repo := newFakeRepo()
	prov := stubprovider.New(nil)
	pub := &recordingPublisher{}
	jobs, _ := newTestJobs(repo, prov, pub)

	invoice := seedInvoice(repo, domain.InvoiceOverdue, 12000)
	past := time.Now().Add(-time.Minute)
	repo.schedules[invoice.ID] = &domain.SettlementSchedule{
		InvoiceID:   invoice.ID,
		UserID:      invoice.UserID,
		State:       domain.ScheduleActive,
		RetryCount:  2,
		NextRetryAt: &past,
	}

	jobs.RunDueRetries()

	current, _ := repo.GetInvoiceByID(context.Background(), invoice.ID)
	if current.Status != domain.InvoicePaid {
		t.Fatalf("expected invoice paid after retry, got %s", current.Status)
	}
	schedule, _ := repo.GetSchedule(context.Background(), invoice.ID)
	if schedule.State != domain.ScheduleResolved {
		t.Fatalf("expected resolved schedule, got %s", schedule.State)
	}
}

func TestRunDueRetries_RefiredRetryReusesKey(t *testing.T) {
	repo := newFakeRepo()
	prov := stubprovider.New(nil)
	jobs, _ := newTestJobs(repo, prov, &recordingPublisher{})

	invoice := seedInvoice(repo, domain.InvoiceOverdue, 12000)
	past := time.Now().Add(-time.Minute)
	repo.schedules[invoice.ID] = &domain.SettlementSchedule{
		InvoiceID:   invoice.ID,
		UserID:      invoice.UserID,
		State:       domain.ScheduleActive,
		RetryCount:  1,
		NextRetryAt: &past,
	}

	jobs.RunDueRetries()
	// Simulate the schedule row surviving a crash before its update: the
	// second firing replays the same deterministic key.
	repo.schedules[invoice.ID].State = domain.ScheduleActive
	repo.schedules[invoice.ID].NextRetryAt = &past
	jobs.RunDueRetries()

	if prov.ExecutedCharges() != 1 {
		t.Fatalf("expected one provider debit across refires, got %d", prov.ExecutedCharges())
	}
}

func TestRunDueRetries_ReplayedDeclineStillAdvancesSchedule(t *testing.T) {
	repo := newFakeRepo()
	prov := stubprovider.New(nil)
	jobs, _ := newTestJobs(repo, prov, &recordingPublisher{})
	ctx := context.Background()

	invoice := seedInvoice(repo, domain.InvoiceOverdue, 12000)
	past := time.Now().Add(-time.Minute)
	repo.schedules[invoice.ID] = &domain.SettlementSchedule{
		InvoiceID:   invoice.ID,
		UserID:      invoice.UserID,
		State:       domain.ScheduleActive,
		RetryCount:  1,
		NextRetryAt: &past,
	}
	// An earlier firing recorded the decline but crashed before the schedule
	// advanced; this firing replays the key.
	reason := "card_declined"
	repo.attempts = append(repo.attempts, &domain.PaymentAttempt{
		ID:             uuid.New(),
		InvoiceID:      invoice.ID,
		IdempotencyKey: retryKey(invoice.ID, 1),
		Outcome:        domain.AttemptFailed,
		FailureReason:  &reason,
		AttemptedAt:    time.Now().Add(-time.Hour),
	})

	jobs.RunDueRetries()

	if prov.ExecutedCharges() != 0 {
		t.Fatalf("replayed decline must not debit, got %d", prov.ExecutedCharges())
	}
	schedule, _ := repo.GetSchedule(ctx, invoice.ID)
	if schedule.State != domain.ScheduleActive || schedule.RetryCount != 2 {
		t.Fatalf("expected schedule advanced to retry 2, got %s retry=%d", schedule.State, schedule.RetryCount)
	}
}

func TestDecline_WalksRetriesIntoFirstNotice(t *testing.T) {
	repo := newFakeRepo()
	prov := stubprovider.New(stubprovider.StaticPolicy{
		Outcome: stubprovider.Outcome{Status: provider.StatusFailed, FailureReason: "card_declined"},
	})
	pub := &recordingPublisher{}
	jobs, svc := newTestJobs(repo, prov, pub)
	ctx := context.Background()

	invoice := seedInvoice(repo, domain.InvoiceSent, 12000)

	// A manual charge declines; that alone must seed the schedule.
	if _, err := svc.Charge(ctx, invoice.ID, "pm_1", "manual-1"); !errors.Is(err, domain.ErrChargeFailed) {
		t.Fatalf("expected decline, got %v", err)
	}

	// Every scheduled retry declines too. MaxRetries is 3 in testSettings,
	// so three firings spend the budget.
	for i := 0; i < 3; i++ {
		schedule, err := repo.GetSchedule(ctx, invoice.ID)
		if err != nil {
			t.Fatalf("firing %d: %v", i, err)
		}
		if schedule.State != domain.ScheduleActive {
			t.Fatalf("firing %d: expected active schedule, got %s", i, schedule.State)
		}
		past := time.Now().Add(-time.Minute)
		repo.schedules[invoice.ID].NextRetryAt = &past
		jobs.RunDueRetries()
	}

	schedule, _ := repo.GetSchedule(ctx, invoice.ID)
	if schedule.State != domain.ScheduleExhausted {
		t.Fatalf("expected exhausted schedule after the budget, got %s", schedule.State)
	}

	jobs.RunDunningEscalation()
	schedule, _ = repo.GetSchedule(ctx, invoice.ID)
	if schedule.State != domain.ScheduleNoticeSent || schedule.NoticeSeverity == nil || *schedule.NoticeSeverity != domain.NoticeFirst {
		t.Fatalf("expected notice_sent(first), got %s %v", schedule.State, schedule.NoticeSeverity)
	}
	if !pub.published("dunning.notice_sent") {
		t.Fatal("expected dunning.notice_sent event")
	}
}

func TestRunDunningEscalation_FullLadder(t *testing.T) {
	repo := newFakeRepo()
	prov := stubprovider.New(nil)
	pub := &recordingPublisher{}
	jobs, _ := newTestJobs(repo, prov, pub)
	ctx := context.Background()

	invoice := seedInvoice(repo, domain.InvoiceOverdue, 12000)
	failure := "card_declined"
	repo.schedules[invoice.ID] = &domain.SettlementSchedule{
		InvoiceID:   invoice.ID,
		UserID:      invoice.UserID,
		State:       domain.ScheduleExhausted,
		RetryCount:  3,
		LastFailure: &failure,
	}

	// Pass 1: exhausted becomes notice_sent(first).
	jobs.RunDunningEscalation()
	schedule, _ := repo.GetSchedule(ctx, invoice.ID)
	if schedule.State != domain.ScheduleNoticeSent || schedule.NoticeSeverity == nil || *schedule.NoticeSeverity != domain.NoticeFirst {
		t.Fatalf("expected notice_sent(first), got %s %v", schedule.State, schedule.NoticeSeverity)
	}
	if !pub.published("dunning.notice_sent") {
		t.Fatal("expected dunning.notice_sent event")
	}

	// Pass 2: grace expired, first escalates to final.
	expired := time.Now().Add(-time.Minute)
	repo.schedules[invoice.ID].GraceExpiresAt = &expired
	jobs.RunDunningEscalation()
	schedule, _ = repo.GetSchedule(ctx, invoice.ID)
	if schedule.NoticeSeverity == nil || *schedule.NoticeSeverity != domain.NoticeFinal {
		t.Fatalf("expected final severity, got %v", schedule.NoticeSeverity)
	}

	// Pass 3: final grace expired, invoice suspends and account is signaled.
	repo.schedules[invoice.ID].GraceExpiresAt = &expired
	jobs.RunDunningEscalation()
	current, _ := repo.GetInvoiceByID(ctx, invoice.ID)
	if current.Status != domain.InvoiceSuspended {
		t.Fatalf("expected suspended invoice, got %s", current.Status)
	}
	schedule, _ = repo.GetSchedule(ctx, invoice.ID)
	if schedule.State != domain.ScheduleSuspended {
		t.Fatalf("expected suspended schedule, got %s", schedule.State)
	}
	if !pub.published("account.suspended") {
		t.Fatal("expected account.suspended event")
	}
}

func TestRunDunningEscalation_PaymentDuringGraceResolves(t *testing.T) {
	repo := newFakeRepo()
	prov := stubprovider.New(nil)
	jobs, svc := newTestJobs(repo, prov, &recordingPublisher{})
	ctx := context.Background()

	invoice := seedInvoice(repo, domain.InvoiceOverdue, 12000)
	repo.schedules[invoice.ID] = &domain.SettlementSchedule{
		InvoiceID:  invoice.ID,
		UserID:     invoice.UserID,
		State:      domain.ScheduleExhausted,
		RetryCount: 3,
	}
	jobs.RunDunningEscalation()

	// Customer pays while the first notice grace is running.
	if _, err := svc.Charge(ctx, invoice.ID, "pm_1", "manual-1"); err != nil {
		t.Fatalf("charge: %v", err)
	}

	expired := time.Now().Add(-time.Minute)
	repo.schedules[invoice.ID].State = domain.ScheduleNoticeSent
	repo.schedules[invoice.ID].GraceExpiresAt = &expired
	jobs.RunDunningEscalation()

	current, _ := repo.GetInvoiceByID(ctx, invoice.ID)
	if current.Status != domain.InvoicePaid {
		t.Fatalf("paid invoice must never suspend, got %s", current.Status)
	}
}

func TestRunOverdueMarking(t *testing.T) {
	repo := newFakeRepo()
	pub := &recordingPublisher{}
	jobs, _ := newTestJobs(repo, stubprovider.New(nil), pub)

	invoice := seedInvoice(repo, domain.InvoiceSent, 12000)
	past := time.Now().Add(-time.Hour)
	repo.invoices[invoice.ID].DueAt = &past

	jobs.RunOverdueMarking()

	current, _ := repo.GetInvoiceByID(context.Background(), invoice.ID)
	if current.Status != domain.InvoiceOverdue {
		t.Fatalf("expected overdue, got %s", current.Status)
	}
	if !pub.published("invoice.overdue") {
		t.Fatal("expected invoice.overdue event")
	}
}

func TestRetryPolicyTimeoutNotRetryable(t *testing.T) {
	if domain.IsRetryable(provider.ErrTimeout) {
		t.Fatal("timeouts must never classify as retryable")
	}
}
