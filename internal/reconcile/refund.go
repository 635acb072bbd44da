package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	ledgerdomain "github.com/smallbiznis/orderflow/internal/ledger/domain"
	obscontext "github.com/smallbiznis/orderflow/internal/observability/context"
	obslogger "github.com/smallbiznis/orderflow/internal/observability/logger"
	orderdomain "github.com/smallbiznis/orderflow/internal/order/domain"
	refunddomain "github.com/smallbiznis/orderflow/internal/refund/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RequestRefund moves a paid order to REFUNDING and opens a refund request
// in one unit, then hands the request to the refund coordinator. Repeating a
// command with the same idempotency key returns the existing request and
// resubmits it while it is still open.
func (d *Dispatcher) RequestRefund(ctx context.Context, cmd RefundCommand) (Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "reconcile.RequestRefund")
	defer span.End()

	key := strings.TrimSpace(cmd.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}
	span.SetAttributes(
		attribute.String("order.id", cmd.OrderID.String()),
		attribute.String("refund.idempotency_key", key),
	)
	log := obslogger.WithContext(ctx, d.log).With(
		zap.String("order_id", cmd.OrderID.String()),
		zap.String("idempotency_key", key),
	)

	if cmd.Amount < 0 {
		return Result{}, refunddomain.ErrInvalidAmount
	}

	ctx = context.WithoutCancel(ctx)

	result, attempts, err := d.retry(ctx, ledgerdomain.RefundKey(key), func(ctx context.Context) (Result, error) {
		return d.openRefund(ctx, cmd, key)
	})
	result.Attempts = attempts
	result.IdempotencyKey = key
	if errors.Is(err, orderdomain.ErrInvalidTransition) {
		// A caller that lost the key of an earlier attempt lands here with a
		// fresh one while the order is still REFUNDING. Pick up that request.
		open, findErr := d.openRequestFor(ctx, cmd.OrderID)
		if findErr != nil {
			log.Warn("open refund lookup failed", zap.Error(findErr))
		} else if open != nil && (cmd.Amount == 0 || cmd.Amount == open.RequestedAmount) {
			log.Info("order already refunding, resuming open request",
				zap.String("refund_id", open.ID.String()),
				zap.String("open_idempotency_key", open.IdempotencyKey),
			)
			result = Result{Outcome: OutcomeDuplicate, Refund: open, Attempts: attempts, IdempotencyKey: open.IdempotencyKey}
			err = nil
		}
	}
	if err != nil {
		log.Warn("refund request not applied", zap.Int("attempts", attempts), zap.Error(err))
		return result, err
	}

	switch {
	case result.Refund != nil && result.Outcome == OutcomeDuplicate:
		if result.Refund.Status != refunddomain.StatusRequested {
			return result, nil
		}
	case result.Outcome == OutcomeDuplicate:
		existing, err := d.refunds.FindByIdempotencyKey(ctx, key)
		if err != nil {
			return result, err
		}
		if existing == nil {
			// The ledger holds the key but the request is gone, e.g. after a
			// test data reset.
			return result, fmt.Errorf("%w: idempotency key already used", ledgerdomain.ErrConflict)
		}
		result.Refund = existing
		log.Info("duplicate refund request", zap.String("refund_id", existing.ID.String()))
		if existing.Status != refunddomain.StatusRequested {
			return result, nil
		}
	default:
		log.Info("refund requested",
			zap.String("refund_id", result.Refund.ID.String()),
			zap.Int64("amount", result.Refund.RequestedAmount),
		)
	}

	submitted, err := d.refunds.IssueRefund(ctx, cmd.OrderID, 0)
	if err != nil {
		log.Error("refund submission failed", zap.Error(err))
		if !errors.Is(err, refunddomain.ErrNoOpenRequest) {
			result.Refund = &submitted
		}
		if errors.Is(err, refunddomain.ErrGatewayRejected) {
			if rejected, rbErr := d.rejectRefund(ctx, submitted, err); rbErr != nil {
				log.Error("failed to roll back rejected refund", zap.Error(rbErr))
			} else if rejected != nil {
				result.Refund = rejected
			}
		}
		return result, err
	}
	result.Refund = &submitted
	return result, nil
}

// openRequestFor returns the order's newest open refund request, or nil.
func (d *Dispatcher) openRequestFor(ctx context.Context, orderID snowflake.ID) (*refunddomain.RefundRequest, error) {
	items, err := d.refunds.ListByOrder(ctx, orderID.String())
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].IsOpen() {
			return &items[i], nil
		}
	}
	return nil, nil
}

func (d *Dispatcher) openRefund(ctx context.Context, cmd RefundCommand, key string) (Result, error) {
	entry := ledgerdomain.Entry{
		EventID:   ledgerdomain.RefundKey(key),
		OrderID:   cmd.OrderID,
		Cause:     ledgerdomain.CauseRefundRequest,
		AppliedAt: d.clock.Now(),
	}
	requestedBy := cmd.RequestedBy
	if requestedBy == "" {
		requestedBy, _ = obscontext.OperatorFromContext(ctx)
	}

	var result Result
	err := d.atomically(ctx, entry, func(tx *gorm.DB) error {
		result = Result{}
		res, err := d.orders.Transition(ctx, tx, cmd.OrderID.String(), orderdomain.TransitionInput{
			Cause:  orderdomain.CauseRefundRequested,
			Amount: cmd.Amount,
			At:     d.clock.Now(),
		})
		if err != nil {
			return err
		}
		amount := cmd.Amount
		if amount == 0 {
			amount = res.Order.Amount
		}
		if amount != res.Order.Amount {
			return fmt.Errorf("%w: only full refunds of %d are supported", refunddomain.ErrInvalidAmount, res.Order.Amount)
		}

		refund, err := d.refunds.Create(ctx, tx, refunddomain.CreateRequest{
			OrderID:          cmd.OrderID,
			Amount:           amount,
			Currency:         res.Order.Currency,
			PaymentReference: res.Order.PaymentReference,
			IdempotencyKey:   key,
			RequestedBy:      requestedBy,
		})
		if err != nil {
			return err
		}

		order := res.Order
		result = Result{Outcome: OutcomeApplied, From: res.From, Order: &order, Refund: &refund}
		return nil
	})
	if errors.Is(err, ledgerdomain.ErrAlreadyApplied) {
		return Result{Outcome: OutcomeDuplicate}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// rejectRefund closes a request the gateway refused outright and returns the
// order to PAID so the refund can be requested again.
func (d *Dispatcher) rejectRefund(ctx context.Context, req refunddomain.RefundRequest, cause error) (*refunddomain.RefundRequest, error) {
	var rejected *refunddomain.RefundRequest
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := d.orders.Transition(ctx, tx, req.OrderID.String(), orderdomain.TransitionInput{
			Cause: orderdomain.CauseRefundFailed,
			At:    d.clock.Now(),
		})
		if err != nil && !errors.Is(err, orderdomain.ErrInvalidTransition) {
			return err
		}
		rejected, err = d.refunds.Reject(ctx, tx, req.OrderID, req.CorrelationID, cause.Error())
		return err
	})
	return rejected, err
}
