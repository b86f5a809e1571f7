/**
 * @description
 * Deterministic in-memory provider used by the test suite and local
 * development. Outcomes come from an explicit, seedable policy object rather
 * than unseeded randomness, and the stub honors idempotency keys the way a
 * real provider must: replaying a key returns the recorded result without a
 * second debit.
 */
package stubprovider

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ridepool/billing-service/pkg/provider"
)

// Outcome is the scripted result of one charge.
type Outcome struct {
	Status        provider.TransactionStatus
	FailureReason string
	// Err, when set, is returned instead of a result (simulates transport
	// failures and timeouts).
	Err error
}

// OutcomePolicy decides the outcome of a charge attempt.
type OutcomePolicy interface {
	OutcomeFor(req provider.ChargeRequest) Outcome
}

// StaticPolicy always returns the same outcome.
type StaticPolicy struct {
	Outcome Outcome
}

func (p StaticPolicy) OutcomeFor(provider.ChargeRequest) Outcome { return p.Outcome }

// SeededPolicy fails a configurable fraction of charges using a seeded source,
// so fault-injection runs are reproducible.
type SeededPolicy struct {
	FailureRate   float64
	FailureReason string

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSeededPolicy creates a reproducible failure-rate policy.
func NewSeededPolicy(failureRate float64, seed int64) *SeededPolicy {
	return &SeededPolicy{
		FailureRate:   failureRate,
		FailureReason: "card_declined",
		rng:           rand.New(rand.NewSource(seed)),
	}
}

func (p *SeededPolicy) OutcomeFor(provider.ChargeRequest) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rng.Float64() < p.FailureRate {
		return Outcome{Status: provider.StatusFailed, FailureReason: p.FailureReason}
	}
	return Outcome{Status: provider.StatusSucceeded}
}

// Provider is the stub implementation of the capability set.
type Provider struct {
	mu sync.Mutex

	policy OutcomePolicy
	// forced overrides the policy for specific idempotency keys.
	forced map[string]Outcome

	// charges records every executed (non-replayed) charge by idempotency key.
	charges map[string]provider.Transaction
	// ChargeCalls counts calls that reached the stub, replays included.
	ChargeCalls int

	customers int
	methods   int
	refunds   int
}

// New creates a stub provider; a nil policy means every charge succeeds.
func New(policy OutcomePolicy) *Provider {
	if policy == nil {
		policy = StaticPolicy{Outcome: Outcome{Status: provider.StatusSucceeded}}
	}
	return &Provider{
		policy:  policy,
		forced:  make(map[string]Outcome),
		charges: make(map[string]provider.Transaction),
	}
}

// ForceOutcome scripts the result for one idempotency key.
func (p *Provider) ForceOutcome(idempotencyKey string, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forced[idempotencyKey] = outcome
}

// ExecutedCharges returns how many distinct debits the stub performed.
func (p *Provider) ExecutedCharges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.charges)
}

func (p *Provider) CreateCustomer(ctx context.Context, params provider.CustomerParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customers++
	return fmt.Sprintf("cus_stub_%d", p.customers), nil
}

func (p *Provider) TokenizePaymentMethod(ctx context.Context, params provider.PaymentMethodParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.methods++
	return fmt.Sprintf("pm_stub_%d", p.methods), nil
}

func (p *Provider) ChargeCustomer(ctx context.Context, req provider.ChargeRequest) (*provider.ChargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ChargeCalls++

	// Provider-side idempotency: a replayed key returns the original result.
	if txn, ok := p.charges[req.IdempotencyKey]; ok {
		return &provider.ChargeResult{
			Success:       txn.Status == provider.StatusSucceeded,
			TransactionID: txn.ID,
			Status:        txn.Status,
		}, nil
	}

	outcome, forced := p.forced[req.IdempotencyKey]
	if !forced {
		outcome = p.policy.OutcomeFor(req)
	}
	if outcome.Err != nil {
		return nil, outcome.Err
	}

	txn := provider.Transaction{
		ID:             fmt.Sprintf("txn_stub_%d", len(p.charges)+1),
		InvoiceID:      req.Metadata["invoice_id"],
		IdempotencyKey: req.IdempotencyKey,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Status:         outcome.Status,
		CreatedAt:      time.Now().UTC(),
	}
	p.charges[req.IdempotencyKey] = txn

	return &provider.ChargeResult{
		Success:       outcome.Status == provider.StatusSucceeded,
		TransactionID: txn.ID,
		Status:        outcome.Status,
		FailureReason: outcome.FailureReason,
	}, nil
}

func (p *Provider) RefundCharge(ctx context.Context, transactionID string, amount int64) (*provider.RefundResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds++
	return &provider.RefundResult{
		Success:  true,
		RefundID: fmt.Sprintf("re_stub_%d", p.refunds),
		Status:   provider.StatusSucceeded,
	}, nil
}

func (p *Provider) ListTransactions(ctx context.Context, from, to time.Time) ([]provider.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var txns []provider.Transaction
	for _, txn := range p.charges {
		if txn.CreatedAt.Before(from) || !txn.CreatedAt.Before(to) {
			continue
		}
		txns = append(txns, txn)
	}
	return txns, nil
}

// SettleTransaction flips a recorded provider transaction to a terminal status,
// simulating a charge that settled after a timeout. Used by reconciliation tests.
func (p *Provider) SettleTransaction(idempotencyKey string, status provider.TransactionStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if txn, ok := p.charges[idempotencyKey]; ok {
		txn.Status = status
		p.charges[idempotencyKey] = txn
	}
}

// RecordExternalTransaction seeds a provider-side transaction that has no local
// counterpart, for reconciliation mismatch tests.
func (p *Provider) RecordExternalTransaction(txn provider.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.charges[txn.IdempotencyKey] = txn
}
