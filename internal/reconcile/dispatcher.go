package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/orderflow/internal/clock"
	"github.com/smallbiznis/orderflow/internal/config"
	ledgerdomain "github.com/smallbiznis/orderflow/internal/ledger/domain"
	obslogger "github.com/smallbiznis/orderflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/orderflow/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/orderflow/internal/order/domain"
	paymentdomain "github.com/smallbiznis/orderflow/internal/payment/domain"
	"github.com/smallbiznis/orderflow/internal/payment/webhook"
	refunddomain "github.com/smallbiznis/orderflow/internal/refund/domain"
	"github.com/smallbiznis/orderflow/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const tracerName = "orderflow/reconcile"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Config     *config.WebhookConfigHolder
	Verifier   *webhook.Verifier
	Ledger     ledgerdomain.Store
	Orders     orderdomain.Service
	Payments   paymentdomain.Service
	Refunds    refunddomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Dispatcher runs every inbound payment event and operator refund through
// verify, dedupe, apply and acknowledge. The ledger entry and the order
// transition commit together or not at all.
type Dispatcher struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	config     *config.WebhookConfigHolder
	verifier   *webhook.Verifier
	ledger     ledgerdomain.Store
	orders     orderdomain.Service
	payments   paymentdomain.Service
	refunds    refunddomain.Service
	obsMetrics *obsmetrics.Metrics
	metrics    *obsmetrics.ReconcileMetrics
}

func NewDispatcher(p Params) *Dispatcher {
	return &Dispatcher{
		db:         p.DB,
		log:        p.Log.Named("reconcile.dispatcher"),
		clock:      p.Clock,
		config:     p.Config,
		verifier:   p.Verifier,
		ledger:     p.Ledger,
		orders:     p.Orders,
		payments:   p.Payments,
		refunds:    p.Refunds,
		obsMetrics: p.ObsMetrics,
		metrics:    obsmetrics.Reconcile(),
	}
}

// HandleWebhook processes one gateway delivery. A nil error means the
// delivery must be acknowledged.
func (d *Dispatcher) HandleWebhook(ctx context.Context, provider string, headers http.Header, body []byte) (Result, error) {
	start := d.clock.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "reconcile.HandleWebhook")
	defer span.End()
	span.SetAttributes(attribute.String("payment.provider", provider))

	log := obslogger.WithContext(ctx, d.log).With(zap.String("provider", provider))

	event, err := d.verifier.Verify(ctx, provider, headers, body)
	if errors.Is(err, paymentdomain.ErrInvalidConfig) {
		d.metrics.IncWebhookOutcome(provider, obsmetrics.OutcomeFailed)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	if err != nil {
		d.metrics.IncWebhookOutcome(provider, obsmetrics.OutcomeRejected)
		log.Warn("webhook rejected", zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	log = obslogger.WithEvent(log, event.Provider, event.EventID, string(event.Type))
	span.SetAttributes(
		attribute.String("payment.event_id", event.EventID),
		attribute.String("payment.event_type", string(event.Type)),
	)
	d.obsMetrics.RecordPaymentEvent(ctx, event.Provider, string(event.Type))

	if event.Type == paymentdomain.EventTypeUnknown {
		d.metrics.IncWebhookOutcome(event.Provider, obsmetrics.OutcomeSkipped)
		log.Info("webhook event type not handled, skipping", zap.String("raw_type", event.RawType))
		return Result{Outcome: OutcomeSkipped, Event: event}, nil
	}

	// The gateway redelivers anything not acknowledged, so a started
	// pipeline runs to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	result, attempts, err := d.retry(ctx, event.LedgerKey(), func(ctx context.Context) (Result, error) {
		return d.applyEvent(ctx, event)
	})
	result.Event = event
	result.Attempts = attempts
	d.metrics.ObservePipeline(event.Provider, attempts, d.clock.Now().Sub(start))

	if err != nil {
		outcome := obsmetrics.OutcomeFailed
		if isRetryable(err) {
			outcome = obsmetrics.OutcomeExhausted
		}
		d.metrics.IncWebhookOutcome(event.Provider, outcome)
		log.Error("webhook processing failed", zap.Int("attempts", attempts), zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	d.metrics.IncWebhookOutcome(event.Provider, string(result.Outcome))
	switch result.Outcome {
	case OutcomeDuplicate:
		log.Info("duplicate webhook acknowledged")
	case OutcomeInvalidTransition:
		log.Warn("webhook does not apply to current order state, acknowledged",
			zap.String("order_id", event.OrderID.String()),
			zap.String("order_status", string(result.From)),
		)
	case OutcomeApplied:
		obslogger.WithOrder(log, result.Order.ID.String(), result.Order.Version).Info("webhook applied",
			zap.String("from", string(result.From)),
			zap.String("to", string(result.Order.Status)),
			zap.Int("attempts", attempts),
		)
		d.afterApply(ctx, log, result)
	}
	return result, nil
}

// applyEvent is one attempt of the dedupe-and-apply step.
func (d *Dispatcher) applyEvent(ctx context.Context, event *paymentdomain.PaymentEvent) (Result, error) {
	now := d.clock.Now()
	entry := ledgerdomain.Entry{
		EventID:   event.LedgerKey(),
		OrderID:   event.OrderID,
		Cause:     ledgerdomain.CauseWebhook,
		AppliedAt: now,
	}

	var result Result
	err := d.atomically(ctx, entry, func(tx *gorm.DB) error {
		result = Result{}
		res, err := d.orders.Transition(ctx, tx, event.OrderID.String(), orderdomain.TransitionInput{
			Cause:            orderdomain.Cause(event.Type),
			Amount:           event.Amount,
			Currency:         event.Currency,
			PaymentReference: event.PaymentReference,
			At:               event.OccurredAt,
		})
		if errors.Is(err, orderdomain.ErrInvalidTransition) {
			// Acknowledged without effect; the ledger still records the key
			// so redeliveries stop here.
			result.Outcome = OutcomeInvalidTransition
			result.From = res.From
			d.metrics.IncInvalidTransition(string(res.From), string(event.Type))
			return nil
		}
		if err != nil {
			return err
		}

		result.Outcome = OutcomeApplied
		result.From = res.From
		order := res.Order
		result.Order = &order

		if err := d.payments.Archive(ctx, tx, event, now); err != nil {
			return err
		}

		switch event.Type {
		case paymentdomain.EventTypeRefundIssued:
			refund, err := d.refunds.Confirm(ctx, tx, event.OrderID, event.CorrelationID)
			if err != nil {
				return err
			}
			result.Refund = refund
		case paymentdomain.EventTypeRefundFailed:
			refund, err := d.refunds.Reject(ctx, tx, event.OrderID, event.CorrelationID, "gateway reported refund failure")
			if err != nil {
				return err
			}
			result.Refund = refund
		}
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

// afterApply runs side effects that belong after the commit. No webhook
// event type currently moves an order into REFUNDING, so the submission
// branch only fires once a gateway-initiated refund cause is mapped.
func (d *Dispatcher) afterApply(ctx context.Context, log *zap.Logger, result Result) {
	if result.Order == nil || result.Order.Status != orderdomain.StatusRefunding {
		return
	}
	submitted, err := d.refunds.IssueRefund(ctx, result.Order.ID, 0)
	if err == nil {
		return
	}
	log.Error("refund submission failed", zap.String("order_id", result.Order.ID.String()), zap.Error(err))
	if errors.Is(err, refunddomain.ErrGatewayRejected) {
		if _, rbErr := d.rejectRefund(ctx, submitted, err); rbErr != nil {
			log.Error("failed to roll back rejected refund", zap.Error(rbErr))
		}
	}
}

// atomically commits the ledger entry and fn's writes as one unit. Stores
// that can join the database transaction do so; the others hold a claim for
// the duration and release it when fn fails.
func (d *Dispatcher) atomically(ctx context.Context, entry ledgerdomain.Entry, fn func(tx *gorm.DB) error) error {
	backend := d.ledger.Backend()

	if txStore, ok := d.ledger.(ledgerdomain.Transactional); ok {
		err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := txStore.ClaimTx(ctx, tx, entry); err != nil {
				return err
			}
			return fn(tx)
		})
		d.recordClaim(backend, err)
		return err
	}

	claim, err := d.ledger.Claim(ctx, entry, d.claimHold())
	d.recordClaim(backend, err)
	if err != nil {
		return err
	}

	if err := d.db.WithContext(ctx).Transaction(fn); err != nil {
		if relErr := d.ledger.Release(ctx, claim); relErr != nil {
			d.log.Warn("failed to release ledger claim", zap.String("key", entry.EventID), zap.Error(relErr))
		} else {
			d.metrics.IncLedgerClaim(backend, obsmetrics.LedgerClaimReleased)
		}
		return err
	}

	if err := d.ledger.Commit(ctx, claim); err != nil {
		// The transition is durable. A redelivery after the claim expires
		// is rejected by the state machine.
		d.metrics.IncLedgerClaim(backend, obsmetrics.LedgerClaimError)
		d.log.Error("failed to commit ledger claim", zap.String("key", entry.EventID), zap.Error(err))
	}
	return nil
}

func (d *Dispatcher) recordClaim(backend string, err error) {
	switch {
	case err == nil:
		d.metrics.IncLedgerClaim(backend, obsmetrics.LedgerClaimAcquired)
	case errors.Is(err, ledgerdomain.ErrConflict):
		d.metrics.IncLedgerClaim(backend, obsmetrics.LedgerClaimHeld)
	}
}

func (d *Dispatcher) claimHold() time.Duration {
	return 2 * d.config.Get().ProcessTimeout
}

// retry runs attempt with a per-attempt timeout and exponential backoff
// while it fails with a transient error.
func (d *Dispatcher) retry(ctx context.Context, key string, attempt func(context.Context) (Result, error)) (Result, int, error) {
	cfg := d.config.Get()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BackoffBase
	b.MaxInterval = cfg.BackoffMax
	b.Multiplier = 2

	attempts := 0
	result, err := backoff.Retry(ctx, func() (Result, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.ProcessTimeout)
		defer cancel()

		res, err := attempt(attemptCtx)
		if err != nil && !isRetryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			d.metrics.IncRetry(retryReason(err))
			d.log.Debug("retrying reconciliation",
				zap.String("key", key),
				zap.Int("attempt", attempts),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
		}),
	)
	if err != nil && isRetryable(err) {
		err = fmt.Errorf("gave up after %d attempts: %w", attempts, err)
	}
	return result, attempts, err
}

func isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, orderdomain.ErrStaleWrite),
		errors.Is(err, ledgerdomain.ErrConflict) && !errors.Is(err, ledgerdomain.ErrAlreadyApplied),
		errors.Is(err, context.DeadlineExceeded),
		db.IsRetryableTxErr(err):
		return true
	}
	return false
}

func retryReason(err error) string {
	switch {
	case errors.Is(err, orderdomain.ErrStaleWrite):
		return obsmetrics.RetryReasonStaleWrite
	case errors.Is(err, ledgerdomain.ErrConflict):
		return obsmetrics.RetryReasonConflict
	}
	return obsmetrics.ClassifyRetryReason(err)
}
