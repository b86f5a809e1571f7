/**
 * @description
 * Invoice domain model and lifecycle. An invoice is built from exactly one
 * frozen ledger period, owns its ordered line items and its append-only list of
 * payment attempts, and is immutable once sent except for its status and that
 * attempt list. Cancellation and suspension are terminal states, never deletions.
 */
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "draft"
	InvoiceSent      InvoiceStatus = "sent"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceOverdue   InvoiceStatus = "overdue"
	InvoiceSuspended InvoiceStatus = "suspended"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// invoiceTransitions is the full set of permitted lifecycle moves. A successful
// charge may resolve an invoice from sent, overdue or suspended; everything
// else is forward-only.
var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceDraft:     {InvoiceSent, InvoiceCancelled},
	InvoiceSent:      {InvoicePaid, InvoiceOverdue, InvoiceCancelled},
	InvoiceOverdue:   {InvoicePaid, InvoiceSuspended},
	InvoiceSuspended: {InvoicePaid, InvoiceOverdue},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to InvoiceStatus) bool {
	for _, allowed := range invoiceTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// PayableStatuses are the prior states a successful charge may resolve from.
func PayableStatuses() []InvoiceStatus {
	return []InvoiceStatus{InvoiceSent, InvoiceOverdue, InvoiceSuspended}
}

// LineItem is one computed line on an invoice. Amount is Quantity * UnitAmount
// in minor currency units; totals are integer sums, never floats.
type LineItem struct {
	ID          uuid.UUID `json:"id"`
	Description string    `json:"description"`
	Quantity    int64     `json:"quantity"`
	UnitAmount  int64     `json:"unit_amount"`
	Amount      int64     `json:"amount"`
}

// Invoice represents one billing document for a (user, period) pair.
type Invoice struct {
	ID            uuid.UUID        `json:"id"`
	UserID        uuid.UUID        `json:"user_id"`
	PeriodKey     string           `json:"period_key"`
	Currency      string           `json:"currency"`
	LineItems     []LineItem       `json:"line_items"`
	TotalAmount   int64            `json:"total_amount"`
	Status        InvoiceStatus    `json:"status"`
	DueAt         *time.Time       `json:"due_at,omitempty"`
	PaidAt        *time.Time       `json:"paid_at,omitempty"`
	CustomerRef   string           `json:"customer_ref"`
	ReviewFlagged bool             `json:"review_flagged"`
	Attempts      []PaymentAttempt `json:"attempts,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// ValidateTotal checks the core invariant: the invoice total equals the exact
// sum of its line item amounts.
func (inv Invoice) ValidateTotal() error {
	var sum int64
	for _, item := range inv.LineItems {
		sum += item.Amount
	}
	if sum != inv.TotalAmount {
		return fmt.Errorf("%w: line items sum to %d but total is %d", ErrValidation, sum, inv.TotalAmount)
	}
	return nil
}

// BuildLineItems derives the deterministic line items for a frozen ledger
// entry: one line per non-zero cost component, then one per adjustment in
// recorded order.
func BuildLineItems(entry UsageLedgerEntry) []LineItem {
	var items []LineItem

	component := func(description string, quantity, amount int64) {
		if amount == 0 {
			return
		}
		unit := amount
		if quantity > 1 {
			unit = amount / quantity
		}
		items = append(items, LineItem{
			ID:          uuid.New(),
			Description: description,
			Quantity:    quantity,
			UnitAmount:  unit,
			Amount:      amount,
		})
	}

	rides := int64(entry.RideCount)
	if rides < 1 {
		rides = 1
	}
	component(fmt.Sprintf("Base fare (%d rides)", entry.RideCount), rides, entry.Costs.BaseFare)
	component(fmt.Sprintf("Distance fee (%.1f km)", entry.TotalDistanceKm), 1, entry.Costs.DistanceFee)
	component(fmt.Sprintf("Time fee (%.0f min)", entry.TotalDurationMin), 1, entry.Costs.TimeFee)
	component("Surcharges", 1, entry.Costs.Surcharges)

	for _, adj := range entry.Adjustments {
		items = append(items, LineItem{
			ID:          uuid.New(),
			Description: fmt.Sprintf("Adjustment: %s", adj.Reason),
			Quantity:    1,
			UnitAmount:  adj.Amount,
			Amount:      adj.Amount,
		})
	}

	return items
}
