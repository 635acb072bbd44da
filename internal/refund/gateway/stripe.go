package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/smallbiznis/orderflow/internal/refund/domain"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

const StripeName = "stripe"

// Stripe submits refunds through the Stripe Refunds API. The correlation id
// is sent as Idempotency-Key so resubmissions collapse on Stripe's side.
type Stripe struct {
	api *client.API
}

func NewStripe(secretKey string, backends *stripe.Backends) (*Stripe, error) {
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	return &Stripe{api: client.New(secretKey, backends)}, nil
}

func (s *Stripe) Name() string { return StripeName }

func (s *Stripe) Submit(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResult, error) {
	if strings.TrimSpace(req.PaymentReference) == "" {
		return domain.SubmitResult{}, fmt.Errorf("%w: missing payment reference", domain.ErrGatewayRejected)
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentReference),
		Amount:        stripe.Int64(req.Amount),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.CorrelationID)
	params.AddMetadata("order_id", req.OrderID.String())
	params.AddMetadata("correlation_id", req.CorrelationID)

	refund, err := s.api.Refunds.New(params)
	if err != nil {
		return domain.SubmitResult{}, classifyStripeError(err)
	}
	return domain.SubmitResult{
		GatewayRefundID: refund.ID,
		Status:          string(refund.Status),
	}, nil
}

func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		code := stripeErr.HTTPStatusCode
		if code >= http.StatusBadRequest && code < http.StatusInternalServerError &&
			code != http.StatusTooManyRequests && code != http.StatusConflict {
			return fmt.Errorf("%w: %s", domain.ErrGatewayRejected, stripeErr.Msg)
		}
		return fmt.Errorf("%w: %s", domain.ErrExternalGateway, stripeErr.Msg)
	}
	return fmt.Errorf("%w: %v", domain.ErrExternalGateway, err)
}
