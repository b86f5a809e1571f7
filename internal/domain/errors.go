/**
 * @description
 * Error classes for the settlement engine. Callers branch on these sentinels
 * to decide whether a failure is retryable, terminal, or a logic error.
 */
package domain

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrValidation covers bad amounts, malformed periods and similar input
	// problems. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidAmount is returned before any provider contact when a charge
	// amount is non-positive.
	ErrInvalidAmount = errors.New("invalid charge amount")

	// ErrInvalidStateTransition indicates a caller logic error; the requested
	// lifecycle move is not permitted from the current state. Never retried.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrPeriodFrozen is returned when usage or a close is recorded against an
	// already-frozen ledger period.
	ErrPeriodFrozen = errors.New("ledger period is frozen")

	// ErrPeriodAlreadyInvoiced is returned by ClosePeriod and by invoice
	// generation when the (user, period) pair already backs an invoice.
	// Generation treats it as an idempotent no-op and returns the existing invoice.
	ErrPeriodAlreadyInvoiced = errors.New("ledger period already invoiced")

	// ErrProviderUnavailable marks transient provider-side failures. Retryable.
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	// ErrProviderTimeout means the charge outcome is unknown: the attempt is
	// recorded as pending and resolved only by reconciliation or a webhook,
	// never by an automatic retry.
	ErrProviderTimeout = errors.New("payment provider timed out")

	// ErrChargePending means the provider accepted the charge but has not
	// settled it yet. Like a timeout, the attempt is recorded as pending and
	// resolved only by reconciliation or a webhook, never by an automatic
	// retry: the money may still move.
	ErrChargePending = errors.New("charge pending at provider")

	// ErrChargeFailed wraps terminal provider declines (card declined, expired,
	// insufficient funds). Never retried by the provider path itself; the
	// dunning scheduler owns the follow-up.
	ErrChargeFailed = errors.New("charge failed")

	// ErrSignatureInvalid rejects a webhook whose HMAC does not verify.
	ErrSignatureInvalid = errors.New("webhook signature invalid")

	// ErrReplayDetected rejects a webhook whose timestamp falls outside the
	// freshness tolerance window.
	ErrReplayDetected = errors.New("webhook replay detected")
)

// IsRetryable reports whether a charge failure should be handed to the retry
// scheduler. Validation and state errors are caller bugs; timeouts are
// deliberately not retryable because the outcome is unknown.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrProviderUnavailable) {
		return true
	}
	if errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrProviderTimeout) ||
		errors.Is(err, ErrChargePending) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// IsTimeout reports whether an error means the provider outcome is unknown.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrProviderTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
