/**
 * @description
 * Retry and dunning domain: the per-invoice settlement schedule persisted in
 * Postgres (restart-safe, never an in-memory timer) and the exponential backoff
 * policy with seedable jitter used to space retries out.
 */
package domain

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ScheduleState is the retry/dunning state machine position for one invoice.
type ScheduleState string

const (
	ScheduleActive     ScheduleState = "active"
	ScheduleExhausted  ScheduleState = "exhausted"
	ScheduleNoticeSent ScheduleState = "notice_sent"
	ScheduleSuspended  ScheduleState = "suspended"
	ScheduleResolved   ScheduleState = "resolved"
)

// NoticeSeverity orders the dunning escalation sequence.
type NoticeSeverity string

const (
	NoticeFirst NoticeSeverity = "first"
	NoticeFinal NoticeSeverity = "final"
)

// SettlementSchedule is the persisted scheduler row for one invoice. Jobs poll
// due rows and re-evaluate current invoice state on firing, so a retry that
// fires after the invoice was paid or cancelled is a no-op.
type SettlementSchedule struct {
	InvoiceID       uuid.UUID       `json:"invoice_id"`
	UserID          uuid.UUID       `json:"user_id"`
	State           ScheduleState   `json:"state"`
	RetryCount      int             `json:"retry_count"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty"`
	NoticeSeverity  *NoticeSeverity `json:"notice_severity,omitempty"`
	GraceExpiresAt  *time.Time      `json:"grace_expires_at,omitempty"`
	LastFailure     *string         `json:"last_failure,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// DunningNotice is one escalation notice for an overdue invoice. At most one
// unresolved notice exists per invoice at a time.
type DunningNotice struct {
	ID         uuid.UUID      `json:"id"`
	InvoiceID  uuid.UUID      `json:"invoice_id"`
	UserID     uuid.UUID      `json:"user_id"`
	Severity   NoticeSeverity `json:"severity"`
	SentAt     time.Time      `json:"sent_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// RetryPolicy computes backoff delays: base * 2^retryCount capped at Cap, plus
// up to JitterFraction of the delay in random jitter. The rand source is
// injected so tests stay deterministic.
type RetryPolicy struct {
	Base           time.Duration
	Cap            time.Duration
	MaxRetries     int
	JitterFraction float64

	// One policy instance is shared by HTTP handlers and cron jobs, so the
	// jitter source is guarded.
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetryPolicy builds a policy with a seeded jitter source.
func NewRetryPolicy(base, cap time.Duration, maxRetries int, jitterFraction float64, seed int64) *RetryPolicy {
	return &RetryPolicy{
		Base:           base,
		Cap:            cap,
		MaxRetries:     maxRetries,
		JitterFraction: jitterFraction,
		rng:            rand.New(rand.NewSource(seed)),
	}
}

// NextDelay returns the backoff before attempt number retryCount+1. Delays are
// strictly increasing until the cap, then constant (jitter aside).
func (p *RetryPolicy) NextDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := p.Base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.Cap {
			delay = p.Cap
			break
		}
	}
	if delay > p.Cap {
		delay = p.Cap
	}
	if p.JitterFraction > 0 && p.rng != nil {
		p.mu.Lock()
		jitter := time.Duration(p.rng.Float64() * p.JitterFraction * float64(delay))
		p.mu.Unlock()
		delay += jitter
	}
	return delay
}

// Exhausted reports whether the retry budget is spent.
func (p *RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}
