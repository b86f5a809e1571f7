/**
 * @description
 * Stripe implementation of the payment provider capability set. Charges run as
 * off-session PaymentIntents with confirm=true so saved payment methods are
 * debited without user interaction, and the idempotency key is forwarded to
 * Stripe so the provider dedupes on its side as well.
 *
 * @dependencies
 * - github.com/stripe/stripe-go/v79: Stripe API bindings (non-global client).
 */
package stripeprovider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"github.com/ridepool/billing-service/pkg/provider"
)

// Client implements provider.Provider against the Stripe API.
type Client struct {
	sc *client.API
}

// New creates a Stripe-backed provider client.
func New(apiKey string) *Client {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &Client{sc: sc}
}

// CreateCustomer registers a platform user with Stripe.
func (c *Client) CreateCustomer(ctx context.Context, params provider.CustomerParams) (string, error) {
	customerParams := &stripe.CustomerParams{
		Email: stripe.String(params.Email),
		Name:  stripe.String(params.Name),
		Metadata: map[string]string{
			"user_id": params.UserID,
		},
	}
	customerParams.Context = ctx

	customer, err := c.sc.Customers.New(customerParams)
	if err != nil {
		return "", c.mapError(err)
	}
	return customer.ID, nil
}

// TokenizePaymentMethod turns raw card data into a reusable method reference
// attached to the customer. Card data is never persisted on our side.
func (c *Client) TokenizePaymentMethod(ctx context.Context, params provider.PaymentMethodParams) (string, error) {
	methodParams := &stripe.PaymentMethodParams{
		Type: stripe.String("card"),
		Card: &stripe.PaymentMethodCardParams{
			Number:   stripe.String(params.CardNumber),
			ExpMonth: stripe.Int64(params.ExpMonth),
			ExpYear:  stripe.Int64(params.ExpYear),
			CVC:      stripe.String(params.CVC),
		},
	}
	methodParams.Context = ctx

	method, err := c.sc.PaymentMethods.New(methodParams)
	if err != nil {
		return "", c.mapError(err)
	}

	attachParams := &stripe.PaymentMethodAttachParams{
		Customer: stripe.String(params.CustomerRef),
	}
	attachParams.Context = ctx
	if _, err := c.sc.PaymentMethods.Attach(method.ID, attachParams); err != nil {
		return "", c.mapError(err)
	}

	return method.ID, nil
}

// ChargeCustomer executes one off-session charge. Terminal declines come back
// as a failed ChargeResult, not an error; errors mean the outcome is unknown
// or the provider was unreachable.
func (c *Client) ChargeCustomer(ctx context.Context, req provider.ChargeRequest) (*provider.ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		Customer:      stripe.String(req.CustomerRef),
		PaymentMethod: stripe.String(req.PaymentMethodRef),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Description:   stripe.String(req.Description),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}

	pi, err := c.sc.PaymentIntents.New(params)
	if err != nil {
		if result, ok := c.declineResult(err); ok {
			return result, nil
		}
		return nil, c.mapError(err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return &provider.ChargeResult{
			Success:       true,
			TransactionID: pi.ID,
			Status:        provider.StatusSucceeded,
		}, nil
	case stripe.PaymentIntentStatusProcessing:
		return &provider.ChargeResult{
			TransactionID: pi.ID,
			Status:        provider.StatusPending,
		}, nil
	default:
		// e.g. requires_action: off-session, so no 3DS prompt is possible.
		return &provider.ChargeResult{
			TransactionID: pi.ID,
			Status:        provider.StatusFailed,
			FailureReason: fmt.Sprintf("payment intent status %s", pi.Status),
		}, nil
	}
}

// RefundCharge refunds a settled provider transaction, partially when amount > 0.
func (c *Client) RefundCharge(ctx context.Context, transactionID string, amount int64) (*provider.RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(transactionID),
	}
	if amount > 0 {
		params.Amount = stripe.Int64(amount)
	}
	params.Context = ctx

	refund, err := c.sc.Refunds.New(params)
	if err != nil {
		return nil, c.mapError(err)
	}

	result := &provider.RefundResult{
		RefundID: refund.ID,
		Status:   provider.StatusPending,
	}
	if refund.Status == stripe.RefundStatusSucceeded {
		result.Success = true
		result.Status = provider.StatusSucceeded
	} else if refund.Status == stripe.RefundStatusFailed {
		result.Status = provider.StatusFailed
	}
	return result, nil
}

// ListTransactions pages PaymentIntents created in [from, to) for reconciliation.
func (c *Client) ListTransactions(ctx context.Context, from, to time.Time) ([]provider.Transaction, error) {
	params := &stripe.PaymentIntentListParams{
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: from.Unix(),
			LesserThan:         to.Unix(),
		},
	}
	params.Context = ctx

	var txns []provider.Transaction
	iter := c.sc.PaymentIntents.List(params)
	for iter.Next() {
		pi := iter.PaymentIntent()
		txns = append(txns, provider.Transaction{
			ID:             pi.ID,
			InvoiceID:      pi.Metadata["invoice_id"],
			IdempotencyKey: pi.Metadata["idempotency_key"],
			Amount:         pi.Amount,
			Currency:       string(pi.Currency),
			Status:         mapIntentStatus(pi.Status),
			CreatedAt:      time.Unix(pi.Created, 0).UTC(),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, c.mapError(err)
	}
	return txns, nil
}

func mapIntentStatus(status stripe.PaymentIntentStatus) provider.TransactionStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return provider.StatusSucceeded
	case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusCanceled:
		return provider.StatusFailed
	default:
		return provider.StatusPending
	}
}

// declineResult translates terminal card errors into a failed charge result.
func (c *Client) declineResult(err error) (*provider.ChargeResult, bool) {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return nil, false
	}

	switch stripeErr.Code {
	case stripe.ErrorCodeCardDeclined,
		stripe.ErrorCodeExpiredCard,
		stripe.ErrorCodeIncorrectCVC,
		stripe.ErrorCodeBalanceInsufficient:
		result := &provider.ChargeResult{
			Status:        provider.StatusFailed,
			FailureReason: stripeErr.Msg,
		}
		if stripeErr.PaymentIntent != nil {
			result.TransactionID = stripeErr.PaymentIntent.ID
		}
		return result, true
	}
	return nil, false
}

// mapError converts Stripe transport errors into provider sentinels so callers
// never import stripe-go.
func (c *Client) mapError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", provider.ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", provider.ErrTimeout, err)
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
		}
		if stripeErr.Code == stripe.ErrorCodeRateLimit || stripeErr.Code == stripe.ErrorCodeLockTimeout {
			return fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
		}
	}
	return err
}
