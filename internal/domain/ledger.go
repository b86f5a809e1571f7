/**
 * @description
 * Domain models for the usage ledger: per-user, per-month accumulation of
 * completed trip costs that later backs exactly one invoice.
 */
package domain

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var periodKeyPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// ValidatePeriodKey checks that a period key is a well-formed "YYYY-MM" month.
func ValidatePeriodKey(periodKey string) error {
	if !periodKeyPattern.MatchString(periodKey) {
		return fmt.Errorf("%w: period key %q must be YYYY-MM", ErrValidation, periodKey)
	}
	return nil
}

// PeriodBounds returns the UTC start (inclusive) and end (exclusive) of a period key.
func PeriodBounds(periodKey string) (time.Time, time.Time, error) {
	if err := ValidatePeriodKey(periodKey); err != nil {
		return time.Time{}, time.Time{}, err
	}
	start, err := time.Parse("2006-01", periodKey)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return start, start.AddDate(0, 1, 0), nil
}

// TripCost is the decomposed cost of one completed trip, in minor currency units.
// Trip and route semantics live outside this service; this is the raw billing input.
type TripCost struct {
	TripID      string  `json:"trip_id"`
	DistanceKm  float64 `json:"distance_km"`
	DurationMin float64 `json:"duration_min"`
	BaseFare    int64   `json:"base_fare"`
	DistanceFee int64   `json:"distance_fee"`
	TimeFee     int64   `json:"time_fee"`
	Surcharges  int64   `json:"surcharges"`
}

// Total returns the full cost of the trip.
func (c TripCost) Total() int64 {
	return c.BaseFare + c.DistanceFee + c.TimeFee + c.Surcharges
}

// CostBreakdown accumulates per-component totals across a ledger period.
type CostBreakdown struct {
	BaseFare    int64 `json:"base_fare"`
	DistanceFee int64 `json:"distance_fee"`
	TimeFee     int64 `json:"time_fee"`
	Surcharges  int64 `json:"surcharges"`
}

// Total returns the sum of all cost components.
func (b CostBreakdown) Total() int64 {
	return b.BaseFare + b.DistanceFee + b.TimeFee + b.Surcharges
}

// Add accumulates one trip cost into the breakdown.
func (b *CostBreakdown) Add(c TripCost) {
	b.BaseFare += c.BaseFare
	b.DistanceFee += c.DistanceFee
	b.TimeFee += c.TimeFee
	b.Surcharges += c.Surcharges
}

// Adjustment is a manual correction applied to a ledger period. Adjustments are
// append-only: once a period is frozen, corrections arrive as new dated rows and
// historical totals are never mutated.
type Adjustment struct {
	ID        uuid.UUID `json:"id"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// UsageLedgerEntry holds the running totals for one (user, period) pair.
type UsageLedgerEntry struct {
	UserID            uuid.UUID     `json:"user_id"`
	PeriodKey         string        `json:"period_key"`
	RideCount         int           `json:"ride_count"`
	TotalDistanceKm   float64       `json:"total_distance_km"`
	TotalDurationMin  float64       `json:"total_duration_min"`
	Costs             CostBreakdown `json:"costs"`
	Adjustments       []Adjustment  `json:"adjustments,omitempty"`
	Frozen            bool          `json:"frozen"`
	FrozenAt          *time.Time    `json:"frozen_at,omitempty"`
	InvoiceID         *uuid.UUID    `json:"invoice_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Total returns the ledger total including adjustments.
func (e UsageLedgerEntry) Total() int64 {
	total := e.Costs.Total()
	for _, adj := range e.Adjustments {
		total += adj.Amount
	}
	return total
}
