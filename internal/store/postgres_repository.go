/**
 * @description
 * PostgreSQL implementation of the `Repository` interface using pgx. State
 * transitions are expressed as conditional UPDATEs (compare-and-set on the
 * prior status) so concurrent charge paths, scheduled retries and webhook
 * handling converge without any application-level locking. Uniqueness
 * constraints back the idempotency guarantees: (invoice_id, idempotency_key)
 * on payment_attempts, a partial unique index on non-cancelled invoices per
 * (user_id, period_key), and a partial unique index on unresolved dunning
 * notices per invoice.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pooling.
 */
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ridepool/billing-service/internal/domain"
)

// PostgresRepository is the pgx-backed implementation of Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository backed by the given pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const ledgerColumns = `user_id, period_key, ride_count, total_distance_km, total_duration_min,
	base_fare, distance_fee, time_fee, surcharges, frozen, frozen_at, invoice_id, created_at, updated_at`

func scanLedgerEntry(row pgx.Row) (*domain.UsageLedgerEntry, error) {
	var entry domain.UsageLedgerEntry
	if err := row.Scan(
		&entry.UserID,
		&entry.PeriodKey,
		&entry.RideCount,
		&entry.TotalDistanceKm,
		&entry.TotalDurationMin,
		&entry.Costs.BaseFare,
		&entry.Costs.DistanceFee,
		&entry.Costs.TimeFee,
		&entry.Costs.Surcharges,
		&entry.Frozen,
		&entry.FrozenAt,
		&entry.InvoiceID,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &entry, nil
}

// RecordTripUsage accumulates one trip into the running totals. The trip id
// table dedupes re-deliveries of the same trip completion.
func (r *PostgresRepository) RecordTripUsage(ctx context.Context, userID uuid.UUID, periodKey string, cost domain.TripCost) (*domain.UsageLedgerEntry, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	var frozen bool
	err = tx.QueryRow(ctx,
		`SELECT frozen FROM usage_ledger WHERE user_id = $1 AND period_key = $2 FOR UPDATE`,
		userID, periodKey,
	).Scan(&frozen)
	if err != nil && err != pgx.ErrNoRows {
		return nil, false, err
	}
	if frozen {
		return nil, false, domain.ErrPeriodFrozen
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO ledger_trips (user_id, period_key, trip_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, period_key, trip_id) DO NOTHING`,
		userID, periodKey, cost.TripID,
	)
	if err != nil {
		return nil, false, err
	}

	applied := tag.RowsAffected() > 0
	if applied {
		query := `
			INSERT INTO usage_ledger (
				user_id, period_key, ride_count, total_distance_km, total_duration_min,
				base_fare, distance_fee, time_fee, surcharges
			)
			VALUES ($1, $2, 1, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id, period_key) DO UPDATE
			SET ride_count         = usage_ledger.ride_count + 1,
			    total_distance_km  = usage_ledger.total_distance_km + EXCLUDED.total_distance_km,
			    total_duration_min = usage_ledger.total_duration_min + EXCLUDED.total_duration_min,
			    base_fare          = usage_ledger.base_fare + EXCLUDED.base_fare,
			    distance_fee       = usage_ledger.distance_fee + EXCLUDED.distance_fee,
			    time_fee           = usage_ledger.time_fee + EXCLUDED.time_fee,
			    surcharges         = usage_ledger.surcharges + EXCLUDED.surcharges,
			    updated_at         = NOW()
		`
		if _, err := tx.Exec(ctx, query,
			userID, periodKey, cost.DistanceKm, cost.DurationMin,
			cost.BaseFare, cost.DistanceFee, cost.TimeFee, cost.Surcharges,
		); err != nil {
			return nil, false, err
		}
	}

	entry, err := scanLedgerEntry(tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM usage_ledger WHERE user_id = $1 AND period_key = $2`, ledgerColumns),
		userID, periodKey,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, ErrLedgerEntryNotFound
		}
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return entry, applied, nil
}

// GetLedgerEntry returns the entry with its adjustments.
func (r *PostgresRepository) GetLedgerEntry(ctx context.Context, userID uuid.UUID, periodKey string) (*domain.UsageLedgerEntry, error) {
	entry, err := scanLedgerEntry(r.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM usage_ledger WHERE user_id = $1 AND period_key = $2`, ledgerColumns),
		userID, periodKey,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLedgerEntryNotFound
		}
		return nil, err
	}

	adjustments, err := r.listAdjustments(ctx, userID, periodKey)
	if err != nil {
		return nil, err
	}
	entry.Adjustments = adjustments
	return entry, nil
}

func (r *PostgresRepository) listAdjustments(ctx context.Context, userID uuid.UUID, periodKey string) ([]domain.Adjustment, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, actor, reason, amount, created_at
		 FROM ledger_adjustments
		 WHERE user_id = $1 AND period_key = $2
		 ORDER BY created_at ASC`,
		userID, periodKey,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var adjustments []domain.Adjustment
	for rows.Next() {
		var adj domain.Adjustment
		if err := rows.Scan(&adj.ID, &adj.Actor, &adj.Reason, &adj.Amount, &adj.CreatedAt); err != nil {
			return nil, err
		}
		adjustments = append(adjustments, adj)
	}
	return adjustments, rows.Err()
}

// FreezeLedgerPeriod closes a period. Conditional update: already-frozen and
// already-invoiced periods are surfaced as distinct errors.
func (r *PostgresRepository) FreezeLedgerPeriod(ctx context.Context, userID uuid.UUID, periodKey string) (*domain.UsageLedgerEntry, error) {
	entry, err := scanLedgerEntry(r.db.QueryRow(ctx,
		fmt.Sprintf(`
			UPDATE usage_ledger
			SET frozen = TRUE, frozen_at = NOW(), updated_at = NOW()
			WHERE user_id = $1 AND period_key = $2 AND frozen = FALSE AND invoice_id IS NULL
			RETURNING %s`, ledgerColumns),
		userID, periodKey,
	))
	if err == nil {
		return entry, nil
	}
	if err != pgx.ErrNoRows {
		return nil, err
	}

	// No row matched: distinguish missing, invoiced and frozen.
	existing, getErr := r.GetLedgerEntry(ctx, userID, periodKey)
	if getErr != nil {
		return nil, getErr
	}
	if existing.InvoiceID != nil {
		return nil, domain.ErrPeriodAlreadyInvoiced
	}
	return nil, domain.ErrPeriodFrozen
}

// InsertAdjustment appends a dated manual correction.
func (r *PostgresRepository) InsertAdjustment(ctx context.Context, userID uuid.UUID, periodKey string, adj domain.Adjustment) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO ledger_adjustments (id, user_id, period_key, actor, reason, amount)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		adj.ID, userID, periodKey, adj.Actor, adj.Reason, adj.Amount,
	)
	return err
}

const invoiceColumns = `id, user_id, period_key, currency, total_amount, status, due_at, paid_at,
	customer_ref, review_flagged, created_at, updated_at`

func scanInvoice(row pgx.Row) (*domain.Invoice, error) {
	var invoice domain.Invoice
	if err := row.Scan(
		&invoice.ID,
		&invoice.UserID,
		&invoice.PeriodKey,
		&invoice.Currency,
		&invoice.TotalAmount,
		&invoice.Status,
		&invoice.DueAt,
		&invoice.PaidAt,
		&invoice.CustomerRef,
		&invoice.ReviewFlagged,
		&invoice.CreatedAt,
		&invoice.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &invoice, nil
}

// CreateInvoice persists an invoice, its line items and the ledger back-link
// in one transaction.
func (r *PostgresRepository) CreateInvoice(ctx context.Context, invoice *domain.Invoice) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO invoices (id, user_id, period_key, currency, total_amount, status, customer_ref)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, period_key) WHERE status <> 'cancelled' DO NOTHING`,
		invoice.ID, invoice.UserID, invoice.PeriodKey, invoice.Currency,
		invoice.TotalAmount, invoice.Status, invoice.CustomerRef,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateInvoice
	}

	for position, item := range invoice.LineItems {
		if _, err := tx.Exec(ctx,
			`INSERT INTO invoice_line_items (id, invoice_id, position, description, quantity, unit_amount, amount)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			item.ID, invoice.ID, position, item.Description, item.Quantity, item.UnitAmount, item.Amount,
		); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE usage_ledger SET invoice_id = $1, updated_at = NOW()
		 WHERE user_id = $2 AND period_key = $3`,
		invoice.ID, invoice.UserID, invoice.PeriodKey,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetInvoiceByID loads an invoice with its line items and attempts.
func (r *PostgresRepository) GetInvoiceByID(ctx context.Context, invoiceID uuid.UUID) (*domain.Invoice, error) {
	invoice, err := scanInvoice(r.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM invoices WHERE id = $1`, invoiceColumns),
		invoiceID,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	return r.hydrateInvoice(ctx, invoice)
}

// GetInvoiceForPeriod loads the non-cancelled invoice for a (user, period) pair.
func (r *PostgresRepository) GetInvoiceForPeriod(ctx context.Context, userID uuid.UUID, periodKey string) (*domain.Invoice, error) {
	invoice, err := scanInvoice(r.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM invoices
			WHERE user_id = $1 AND period_key = $2 AND status <> 'cancelled'`, invoiceColumns),
		userID, periodKey,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	return r.hydrateInvoice(ctx, invoice)
}

func (r *PostgresRepository) hydrateInvoice(ctx context.Context, invoice *domain.Invoice) (*domain.Invoice, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, description, quantity, unit_amount, amount
		 FROM invoice_line_items
		 WHERE invoice_id = $1
		 ORDER BY position ASC`,
		invoice.ID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.LineItem
		if err := rows.Scan(&item.ID, &item.Description, &item.Quantity, &item.UnitAmount, &item.Amount); err != nil {
			return nil, err
		}
		invoice.LineItems = append(invoice.LineItems, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	attemptRows, err := r.db.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM payment_attempts WHERE invoice_id = $1 ORDER BY attempted_at ASC`, attemptColumns),
		invoice.ID,
	)
	if err != nil {
		return nil, err
	}
	defer attemptRows.Close()
	for attemptRows.Next() {
		attempt, err := scanAttempt(attemptRows)
		if err != nil {
			return nil, err
		}
		invoice.Attempts = append(invoice.Attempts, *attempt)
	}
	return invoice, attemptRows.Err()
}

// TransitionInvoice performs the per-invoice compare-and-set. dueAt is only
// written on the draft→sent move.
func (r *PostgresRepository) TransitionInvoice(ctx context.Context, invoiceID uuid.UUID, from []domain.InvoiceStatus, to domain.InvoiceStatus, dueAt *time.Time) (*domain.Invoice, error) {
	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}

	query := fmt.Sprintf(`
		UPDATE invoices
		SET status = $1,
		    due_at = COALESCE($2, due_at),
		    paid_at = CASE WHEN $1 = 'paid' THEN NOW() ELSE paid_at END,
		    updated_at = NOW()
		WHERE id = $3 AND status = ANY($4)
		RETURNING %s`, invoiceColumns)

	invoice, err := scanInvoice(r.db.QueryRow(ctx, query, string(to), dueAt, invoiceID, statuses))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrStateConflict
		}
		return nil, err
	}
	return invoice, nil
}

// MarkInvoicesOverdue flips sent invoices past due into overdue.
func (r *PostgresRepository) MarkInvoicesOverdue(ctx context.Context, now time.Time) ([]domain.Invoice, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf(`
			UPDATE invoices
			SET status = 'overdue', updated_at = NOW()
			WHERE status = 'sent' AND due_at IS NOT NULL AND due_at < $1
			RETURNING %s`, invoiceColumns),
		now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []domain.Invoice
	for rows.Next() {
		invoice, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *invoice)
	}
	return invoices, rows.Err()
}

// SetInvoiceReviewFlag marks an invoice for manual review.
func (r *PostgresRepository) SetInvoiceReviewFlag(ctx context.Context, invoiceID uuid.UUID, flagged bool) error {
	_, err := r.db.Exec(ctx,
		`UPDATE invoices SET review_flagged = $2, updated_at = NOW() WHERE id = $1`,
		invoiceID, flagged,
	)
	return err
}

const attemptColumns = `id, invoice_id, idempotency_key, payment_method_ref, provider_txn_id,
	outcome, failure_reason, amount, currency, flagged_for_review, attempted_at`

func scanAttempt(row pgx.Row) (*domain.PaymentAttempt, error) {
	var attempt domain.PaymentAttempt
	if err := row.Scan(
		&attempt.ID,
		&attempt.InvoiceID,
		&attempt.IdempotencyKey,
		&attempt.PaymentMethodRef,
		&attempt.ProviderTxnID,
		&attempt.Outcome,
		&attempt.FailureReason,
		&attempt.Amount,
		&attempt.Currency,
		&attempt.FlaggedForReview,
		&attempt.AttemptedAt,
	); err != nil {
		return nil, err
	}
	return &attempt, nil
}

// FindAttemptByKey looks up an attempt by its idempotency key.
func (r *PostgresRepository) FindAttemptByKey(ctx context.Context, invoiceID uuid.UUID, idempotencyKey string) (*domain.PaymentAttempt, error) {
	attempt, err := scanAttempt(r.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM payment_attempts WHERE invoice_id = $1 AND idempotency_key = $2`, attemptColumns),
		invoiceID, idempotencyKey,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	return attempt, nil
}

// RecordAttempt appends an attempt; the unique (invoice_id, idempotency_key)
// constraint turns concurrent duplicates into a read of the winner's row.
func (r *PostgresRepository) RecordAttempt(ctx context.Context, attempt *domain.PaymentAttempt) (*domain.PaymentAttempt, bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO payment_attempts (id, invoice_id, idempotency_key, payment_method_ref,
		   provider_txn_id, outcome, failure_reason, amount, currency, flagged_for_review, attempted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (invoice_id, idempotency_key) DO NOTHING`,
		attempt.ID, attempt.InvoiceID, attempt.IdempotencyKey, attempt.PaymentMethodRef,
		attempt.ProviderTxnID, attempt.Outcome, attempt.FailureReason,
		attempt.Amount, attempt.Currency, attempt.FlaggedForReview, attempt.AttemptedAt,
	)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() > 0 {
		return attempt, true, nil
	}

	existing, err := r.FindAttemptByKey(ctx, attempt.InvoiceID, attempt.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// SettleInvoice records the succeeded attempt and pays the invoice in one
// transaction. Safe to replay: the attempt insert dedupes on key and the
// status update is conditional on a payable prior state.
func (r *PostgresRepository) SettleInvoice(ctx context.Context, attempt *domain.PaymentAttempt) (*domain.Invoice, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO payment_attempts (id, invoice_id, idempotency_key, payment_method_ref,
		   provider_txn_id, outcome, failure_reason, amount, currency, flagged_for_review, attempted_at)
		 VALUES ($1, $2, $3, $4, $5, 'succeeded', NULL, $6, $7, $8, $9)
		 ON CONFLICT (invoice_id, idempotency_key) DO UPDATE
		 SET outcome = 'succeeded',
		     provider_txn_id = COALESCE(payment_attempts.provider_txn_id, EXCLUDED.provider_txn_id),
		     failure_reason = NULL`,
		attempt.ID, attempt.InvoiceID, attempt.IdempotencyKey, attempt.PaymentMethodRef,
		attempt.ProviderTxnID, attempt.Amount, attempt.Currency, attempt.FlaggedForReview, attempt.AttemptedAt,
	); err != nil {
		return nil, err
	}

	payable := make([]string, 0, len(domain.PayableStatuses()))
	for _, s := range domain.PayableStatuses() {
		payable = append(payable, string(s))
	}

	invoice, err := scanInvoice(tx.QueryRow(ctx,
		fmt.Sprintf(`
			UPDATE invoices
			SET status = 'paid', paid_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = ANY($2)
			RETURNING %s`, invoiceColumns),
		attempt.InvoiceID, payable,
	))
	if err != nil {
		if err != pgx.ErrNoRows {
			return nil, err
		}
		// Another path already settled it; surface current state.
		invoice, err = scanInvoice(tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT %s FROM invoices WHERE id = $1`, invoiceColumns),
			attempt.InvoiceID,
		))
		if err != nil {
			if err == pgx.ErrNoRows {
				return nil, ErrInvoiceNotFound
			}
			return nil, err
		}
		if invoice.Status != domain.InvoicePaid {
			return nil, ErrStateConflict
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return invoice, nil
}

// ResolveAttempt finalizes a pending attempt.
func (r *PostgresRepository) ResolveAttempt(ctx context.Context, attemptID uuid.UUID, outcome domain.AttemptOutcome, providerTxnID, failureReason *string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE payment_attempts
		 SET outcome = $2,
		     provider_txn_id = COALESCE($3, provider_txn_id),
		     failure_reason = $4
		 WHERE id = $1`,
		attemptID, outcome, providerTxnID, failureReason,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

// ListPendingAttempts returns attempts stuck in pending since before olderThan.
func (r *PostgresRepository) ListPendingAttempts(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentAttempt, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM payment_attempts
			WHERE outcome = 'pending' AND attempted_at < $1
			ORDER BY attempted_at ASC
			LIMIT $2`, attemptColumns),
		olderThan, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAttempts(rows)
}

// ListAttemptsInWindow returns attempts made inside [from, to).
func (r *PostgresRepository) ListAttemptsInWindow(ctx context.Context, from, to time.Time) ([]domain.PaymentAttempt, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM payment_attempts
			WHERE attempted_at >= $1 AND attempted_at < $2
			ORDER BY attempted_at ASC`, attemptColumns),
		from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAttempts(rows)
}

func collectAttempts(rows pgx.Rows) ([]domain.PaymentAttempt, error) {
	var attempts []domain.PaymentAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *attempt)
	}
	return attempts, rows.Err()
}

const scheduleColumns = `invoice_id, user_id, state, retry_count, next_retry_at,
	notice_severity, grace_expires_at, last_failure, created_at, updated_at`

func scanSchedule(row pgx.Row) (*domain.SettlementSchedule, error) {
	var schedule domain.SettlementSchedule
	if err := row.Scan(
		&schedule.InvoiceID,
		&schedule.UserID,
		&schedule.State,
		&schedule.RetryCount,
		&schedule.NextRetryAt,
		&schedule.NoticeSeverity,
		&schedule.GraceExpiresAt,
		&schedule.LastFailure,
		&schedule.CreatedAt,
		&schedule.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &schedule, nil
}

// GetSchedule loads the settlement schedule for an invoice.
func (r *PostgresRepository) GetSchedule(ctx context.Context, invoiceID uuid.UUID) (*domain.SettlementSchedule, error) {
	schedule, err := scanSchedule(r.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM settlement_schedules WHERE invoice_id = $1`, scheduleColumns),
		invoiceID,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return schedule, nil
}

// ScheduleRetry upserts the active schedule row with the next retry time.
func (r *PostgresRepository) ScheduleRetry(ctx context.Context, invoiceID, userID uuid.UUID, retryCount int, nextRetryAt time.Time, lastFailure string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO settlement_schedules (invoice_id, user_id, state, retry_count, next_retry_at, last_failure)
		 VALUES ($1, $2, 'active', $3, $4, $5)
		 ON CONFLICT (invoice_id) DO UPDATE
		 SET state = 'active',
		     retry_count = EXCLUDED.retry_count,
		     next_retry_at = EXCLUDED.next_retry_at,
		     last_failure = EXCLUDED.last_failure,
		     updated_at = NOW()`,
		invoiceID, userID, retryCount, nextRetryAt, lastFailure,
	)
	return err
}

// MarkScheduleExhausted ends the retry phase for an invoice.
func (r *PostgresRepository) MarkScheduleExhausted(ctx context.Context, invoiceID uuid.UUID, lastFailure string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE settlement_schedules
		 SET state = 'exhausted', next_retry_at = NULL, last_failure = $2, updated_at = NOW()
		 WHERE invoice_id = $1 AND state = 'active'`,
		invoiceID, lastFailure,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// MarkScheduleSuspended records the terminal dunning outcome.
func (r *PostgresRepository) MarkScheduleSuspended(ctx context.Context, invoiceID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`UPDATE settlement_schedules
		 SET state = 'suspended', grace_expires_at = NULL, updated_at = NOW()
		 WHERE invoice_id = $1`,
		invoiceID,
	)
	return err
}

// ResolveSchedule closes the schedule and any unresolved notice in one
// transaction. Safe to call when no schedule exists.
func (r *PostgresRepository) ResolveSchedule(ctx context.Context, invoiceID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE settlement_schedules
		 SET state = 'resolved', next_retry_at = NULL, grace_expires_at = NULL, updated_at = NOW()
		 WHERE invoice_id = $1 AND state <> 'resolved'`,
		invoiceID,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE dunning_notices SET resolved_at = NOW()
		 WHERE invoice_id = $1 AND resolved_at IS NULL`,
		invoiceID,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ListDueRetries returns active schedules whose retry time has arrived.
func (r *PostgresRepository) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.SettlementSchedule, error) {
	return r.listSchedules(ctx,
		fmt.Sprintf(`SELECT %s FROM settlement_schedules
			WHERE state = 'active' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
			ORDER BY next_retry_at ASC
			LIMIT $2`, scheduleColumns),
		now, limit,
	)
}

// ListExhaustedSchedules returns schedules awaiting their first dunning notice.
func (r *PostgresRepository) ListExhaustedSchedules(ctx context.Context, limit int) ([]domain.SettlementSchedule, error) {
	return r.listSchedules(ctx,
		fmt.Sprintf(`SELECT %s FROM settlement_schedules
			WHERE state = 'exhausted'
			ORDER BY updated_at ASC
			LIMIT $1`, scheduleColumns),
		limit,
	)
}

// ListExpiredNotices returns notice_sent schedules whose grace period lapsed.
func (r *PostgresRepository) ListExpiredNotices(ctx context.Context, now time.Time, limit int) ([]domain.SettlementSchedule, error) {
	return r.listSchedules(ctx,
		fmt.Sprintf(`SELECT %s FROM settlement_schedules
			WHERE state = 'notice_sent' AND grace_expires_at IS NOT NULL AND grace_expires_at <= $1
			ORDER BY grace_expires_at ASC
			LIMIT $2`, scheduleColumns),
		now, limit,
	)
}

func (r *PostgresRepository) listSchedules(ctx context.Context, query string, args ...interface{}) ([]domain.SettlementSchedule, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.SettlementSchedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *schedule)
	}
	return schedules, rows.Err()
}

// CreateNotice inserts the first notice and moves the schedule to notice_sent.
// The partial unique index on unresolved notices makes re-fired jobs no-ops.
func (r *PostgresRepository) CreateNotice(ctx context.Context, notice domain.DunningNotice, graceExpiresAt time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO dunning_notices (id, invoice_id, user_id, severity, sent_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (invoice_id) WHERE resolved_at IS NULL DO NOTHING`,
		notice.ID, notice.InvoiceID, notice.UserID, notice.Severity, notice.SentAt,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE settlement_schedules
		 SET state = 'notice_sent', notice_severity = $2, grace_expires_at = $3, updated_at = NOW()
		 WHERE invoice_id = $1 AND state = 'exhausted'`,
		notice.InvoiceID, notice.Severity, graceExpiresAt,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// EscalateNotice resolves the current notice, inserts the next severity and
// refreshes the grace window.
func (r *PostgresRepository) EscalateNotice(ctx context.Context, notice domain.DunningNotice, graceExpiresAt time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE dunning_notices SET resolved_at = NOW()
		 WHERE invoice_id = $1 AND resolved_at IS NULL`,
		notice.InvoiceID,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO dunning_notices (id, invoice_id, user_id, severity, sent_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		notice.ID, notice.InvoiceID, notice.UserID, notice.Severity, notice.SentAt,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE settlement_schedules
		 SET notice_severity = $2, grace_expires_at = $3, updated_at = NOW()
		 WHERE invoice_id = $1 AND state = 'notice_sent'`,
		notice.InvoiceID, notice.Severity, graceExpiresAt,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetActiveNotice returns the unresolved notice for an invoice, if any.
func (r *PostgresRepository) GetActiveNotice(ctx context.Context, invoiceID uuid.UUID) (*domain.DunningNotice, error) {
	var notice domain.DunningNotice
	err := r.db.QueryRow(ctx,
		`SELECT id, invoice_id, user_id, severity, sent_at, resolved_at
		 FROM dunning_notices
		 WHERE invoice_id = $1 AND resolved_at IS NULL`,
		invoiceID,
	).Scan(&notice.ID, &notice.InvoiceID, &notice.UserID, &notice.Severity, &notice.SentAt, &notice.ResolvedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &notice, nil
}

// InsertReconciliationFlag queues a mismatch for manual review.
func (r *PostgresRepository) InsertReconciliationFlag(ctx context.Context, flag domain.ReconciliationFlag) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO reconciliation_flags (id, kind, invoice_id, attempt_id, provider_txn_id, details)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		flag.ID, flag.Kind, flag.InvoiceID, flag.AttemptID, flag.ProviderTxnID, flag.Details,
	)
	return err
}

// ListReconciliationFlags returns recent review items.
func (r *PostgresRepository) ListReconciliationFlags(ctx context.Context, limit int) ([]domain.ReconciliationFlag, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, kind, invoice_id, attempt_id, provider_txn_id, details, created_at
		 FROM reconciliation_flags
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flags []domain.ReconciliationFlag
	for rows.Next() {
		var flag domain.ReconciliationFlag
		if err := rows.Scan(&flag.ID, &flag.Kind, &flag.InvoiceID, &flag.AttemptID, &flag.ProviderTxnID, &flag.Details, &flag.CreatedAt); err != nil {
			return nil, err
		}
		flags = append(flags, flag)
	}
	return flags, rows.Err()
}

var _ Repository = (*PostgresRepository)(nil)
