package domain

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to InvoiceStatus }{
		{InvoiceDraft, InvoiceSent},
		{InvoiceDraft, InvoiceCancelled},
		{InvoiceSent, InvoicePaid},
		{InvoiceSent, InvoiceOverdue},
		{InvoiceSent, InvoiceCancelled},
		{InvoiceOverdue, InvoicePaid},
		{InvoiceOverdue, InvoiceSuspended},
		{InvoiceSuspended, InvoicePaid},
		{InvoiceSuspended, InvoiceOverdue},
	}
	for _, transition := range allowed {
		if !CanTransition(transition.from, transition.to) {
			t.Errorf("expected %s -> %s to be allowed", transition.from, transition.to)
		}
	}

	forbidden := []struct{ from, to InvoiceStatus }{
		{InvoiceDraft, InvoicePaid},
		{InvoiceDraft, InvoiceOverdue},
		{InvoiceSent, InvoiceDraft},
		{InvoicePaid, InvoiceOverdue},
		{InvoicePaid, InvoiceCancelled},
		{InvoiceCancelled, InvoiceSent},
		{InvoiceCancelled, InvoicePaid},
		{InvoiceOverdue, InvoiceCancelled},
		{InvoiceSuspended, InvoiceCancelled},
	}
	for _, transition := range forbidden {
		if CanTransition(transition.from, transition.to) {
			t.Errorf("expected %s -> %s to be forbidden", transition.from, transition.to)
		}
	}
}

func TestBuildLineItems_SumMatchesLedgerTotal(t *testing.T) {
	entry := UsageLedgerEntry{
		RideCount:        3,
		TotalDistanceKm:  14.6,
		TotalDurationMin: 72,
		Costs: CostBreakdown{
			BaseFare:    15000,
			DistanceFee: 3650,
			TimeFee:     1440,
			Surcharges:  0,
		},
		Adjustments: []Adjustment{
			{Amount: -2000, Reason: "goodwill credit"},
			{Amount: 500, Reason: "toll passthrough"},
		},
	}

	items := BuildLineItems(entry)

	// Zero-amount components produce no line; two adjustments always do.
	if len(items) != 5 {
		t.Fatalf("expected 5 line items, got %d", len(items))
	}

	invoice := Invoice{LineItems: items, TotalAmount: entry.Total()}
	if err := invoice.ValidateTotal(); err != nil {
		t.Fatalf("line items do not sum to ledger total: %v", err)
	}
}

func TestValidateTotal_RejectsDrift(t *testing.T) {
	invoice := Invoice{
		LineItems:   []LineItem{{Description: "Base fare", Quantity: 1, UnitAmount: 5000, Amount: 5000}},
		TotalAmount: 5001,
	}
	if err := invoice.ValidateTotal(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidatePeriodKey(t *testing.T) {
	for _, key := range []string{"2026-01", "2026-12", "1999-07"} {
		if err := ValidatePeriodKey(key); err != nil {
			t.Errorf("expected %q to be valid: %v", key, err)
		}
	}
	for _, key := range []string{"", "2026-13", "2026-00", "2026-1", "26-01", "2026/01", "2026-01-05"} {
		if err := ValidatePeriodKey(key); err == nil {
			t.Errorf("expected %q to be rejected", key)
		}
	}
}

func TestPeriodBounds(t *testing.T) {
	from, to, err := PeriodBounds("2026-02")
	if err != nil {
		t.Fatalf("period bounds: %v", err)
	}
	if got := from.Format("2006-01-02"); got != "2026-02-01" {
		t.Errorf("expected period to start 2026-02-01, got %s", got)
	}
	if got := to.Format("2006-01-02"); got != "2026-03-01" {
		t.Errorf("expected period to end 2026-03-01 exclusive, got %s", got)
	}
}
