package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/golang/mock/gomock"
	"github.com/smallbiznis/orderflow/internal/clock"
	"github.com/smallbiznis/orderflow/internal/config"
	ledgerdomain "github.com/smallbiznis/orderflow/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/orderflow/internal/ledger/repository"
	orderdomain "github.com/smallbiznis/orderflow/internal/order/domain"
	orderrepo "github.com/smallbiznis/orderflow/internal/order/repository"
	orderservice "github.com/smallbiznis/orderflow/internal/order/service"
	"github.com/smallbiznis/orderflow/internal/payment/adapters"
	"github.com/smallbiznis/orderflow/internal/payment/adapters/generic"
	paymentdomain "github.com/smallbiznis/orderflow/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/orderflow/internal/payment/repository"
	paymentservice "github.com/smallbiznis/orderflow/internal/payment/service"
	"github.com/smallbiznis/orderflow/internal/payment/webhook"
	refunddomain "github.com/smallbiznis/orderflow/internal/refund/domain"
	"github.com/smallbiznis/orderflow/internal/refund/gateway"
	refundrepo "github.com/smallbiznis/orderflow/internal/refund/repository"
	refundservice "github.com/smallbiznis/orderflow/internal/refund/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "whsec_reconcile_test"

type fixture struct {
	dispatcher *Dispatcher
	db         *gorm.DB
	clock      *clock.FakeClock
	ledger     ledgerdomain.Store
	orders     orderdomain.Service
	payments   paymentdomain.Service
	refunds    refunddomain.Service
	gateway    *gateway.MockGateway
}

type option func(*Params)

func withLedger(store ledgerdomain.Store) option {
	return func(p *Params) { p.Ledger = store }
}

func withOrders(wrap func(orderdomain.Service) orderdomain.Service) option {
	return func(p *Params) { p.Orders = wrap(p.Orders) }
}

func setup(t *testing.T, opts ...option) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&orderdomain.Order{},
		&paymentdomain.EventRecord{},
		&refunddomain.RefundRequest{},
		&ledgerdomain.Entry{},
	))

	node, err := snowflake.NewNode(9)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	holder := config.NewStaticWebhookConfigHolder(config.WebhookConfig{
		Secret:         testSecret,
		MaxAttempts:    4,
		BackoffBase:    5 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
		ProcessTimeout: 5 * time.Second,
	})

	ctrl := gomock.NewController(t)
	gw := gateway.NewMockGateway(ctrl)
	gw.EXPECT().Name().Return("mock").AnyTimes()

	orders := orderservice.New(orderservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Repo: orderrepo.Provide(),
	})
	payments := paymentservice.New(paymentservice.Params{
		DB: db, Log: log, GenID: node, Repo: paymentrepo.Provide(), OrderRepo: orderrepo.Provide(),
	})
	refunds := refundservice.New(refundservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Repo: refundrepo.Provide(), Gateway: gw,
		Config: config.Config{Refund: config.RefundConfig{
			Timeout: time.Second, MaxAttempts: 2, BackoffBase: time.Millisecond,
		}},
	})
	verifier := webhook.NewVerifier(webhook.Params{
		Registry: adapters.NewRegistry(generic.NewFactory()),
		Config:   holder,
		Clock:    fake,
		Log:      log,
	})

	p := Params{
		DB:       db,
		Log:      log,
		Clock:    fake,
		Config:   holder,
		Verifier: verifier,
		Ledger:   ledgerrepo.NewSQLStore(db, fake, 30*24*time.Hour),
		Orders:   orders,
		Payments: payments,
		Refunds:  refunds,
	}
	for _, opt := range opts {
		opt(&p)
	}

	return &fixture{
		dispatcher: NewDispatcher(p),
		db:         db,
		clock:      fake,
		ledger:     p.Ledger,
		orders:     orders,
		payments:   payments,
		refunds:    refunds,
		gateway:    gw,
	}
}

func (f *fixture) newOrder(t *testing.T, amount int64) orderdomain.Order {
	t.Helper()
	order, err := f.orders.Create(context.Background(), orderdomain.CreateOrderRequest{Amount: amount, Currency: "USD"})
	require.NoError(t, err)
	return order
}

func (f *fixture) deliver(eventID, eventType string, orderID snowflake.ID, amount int64, correlationID string) (Result, error) {
	body := []byte(fmt.Sprintf(
		`{"id":%q,"type":%q,"order_id":%q,"amount":%d,"currency":"USD","payment_reference":"pi_1","correlation_id":%q}`,
		eventID, eventType, orderID.String(), amount, correlationID,
	))
	return f.deliverRaw(body)
}

func (f *fixture) deliverRaw(body []byte) (Result, error) {
	headers := http.Header{}
	headers.Set(generic.SignatureHeader, adapters.Sign(body, testSecret, f.clock.Now()))
	return f.dispatcher.HandleWebhook(context.Background(), generic.ProviderName, headers, body)
}

func (f *fixture) status(t *testing.T, id snowflake.ID) orderdomain.Order {
	t.Helper()
	order, err := f.orders.GetByID(context.Background(), id.String())
	require.NoError(t, err)
	return order
}

func (f *fixture) applied(t *testing.T, key string) bool {
	t.Helper()
	ok, err := f.ledger.HasBeenApplied(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func TestWebhookLifecycle(t *testing.T) {
	f := setup(t)
	order := f.newOrder(t, 100)

	// authorized moves a new order to pending payment
	res, err := f.deliver("e1", "authorized", order.ID, 0, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, orderdomain.StatusPaymentPending, f.status(t, order.ID).Status)
	assert.True(t, f.applied(t, "generic:e1"))

	// redelivery is acknowledged without a second write
	res, err = f.deliver("e1", "authorized", order.ID, 0, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, int64(2), f.status(t, order.ID).Version)

	// capture settles the order
	res, err = f.deliver("e2", "captured", order.ID, 100, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, orderdomain.StatusPaid, f.status(t, order.ID).Status)

	// operator refund opens and submits a request
	f.gateway.EXPECT().Submit(gomock.Any(), gomock.Any()).
		Return(refunddomain.SubmitResult{GatewayRefundID: "re_1"}, nil)
	res, err = f.dispatcher.RequestRefund(context.Background(), RefundCommand{
		OrderID: order.ID, Amount: 100, IdempotencyKey: "refund-1", RequestedBy: "ops",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Refund)
	assert.Equal(t, refunddomain.StatusSubmitted, res.Refund.Status)
	assert.Equal(t, orderdomain.StatusRefunding, f.status(t, order.ID).Status)
	correlationID := res.Refund.CorrelationID

	// the gateway confirms the refund
	res, err = f.deliver("e3", "refund.issued", order.ID, 100, correlationID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	require.NotNil(t, res.Refund)
	assert.Equal(t, refunddomain.StatusConfirmed, res.Refund.Status)
	assert.Equal(t, orderdomain.StatusRefunded, f.status(t, order.ID).Status)

	events, err := f.payments.ListEvents(context.Background(), order.ID.String())
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestMalformedWebhookLeavesNoTrace(t *testing.T) {
	f := setup(t)
	order := f.newOrder(t, 100)

	_, err := f.deliverRaw([]byte(`{"id":"e1","type":`))
	assert.ErrorIs(t, err, paymentdomain.ErrMalformedPayload)
	assert.False(t, f.applied(t, "generic:e1"))
	assert.Equal(t, orderdomain.StatusCreated, f.status(t, order.ID).Status)

	body := []byte(`{"id":"e2","type":"authorized","order_id":"` + order.ID.String() + `"}`)
	headers := http.Header{}
	headers.Set(generic.SignatureHeader, adapters.Sign(body, "wrong_secret", f.clock.Now()))
	_, err = f.dispatcher.HandleWebhook(context.Background(), generic.ProviderName, headers, body)
	assert.ErrorIs(t, err, paymentdomain.ErrAuthentication)
	assert.False(t, f.applied(t, "generic:e2"))
}

func TestUnknownEventIsSkipped(t *testing.T) {
	f := setup(t)
	order := f.newOrder(t, 100)

	res, err := f.deliver("e9", "customer.updated", order.ID, 0, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.False(t, f.applied(t, "generic:e9"))
}

func TestOutOfOrderEventIsAcknowledged(t *testing.T) {
	f := setup(t)
	order := f.newOrder(t, 100)

	res, err := f.deliver("e2", "captured", order.ID, 100, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidTransition, res.Outcome)
	assert.Equal(t, orderdomain.StatusCreated, res.From)
	assert.Equal(t, orderdomain.StatusCreated, f.status(t, order.ID).Status)
	// recorded so the redelivery short-circuits
	assert.True(t, f.applied(t, "generic:e2"))

	res, err = f.deliver("e2", "captured", order.ID, 100, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
}

func TestCaptureAmountMismatchIsNotApplied(t *testing.T) {
	f := setup(t)
	order := f.newOrder(t, 100)

	_, err := f.deliver("e1", "authorized", order.ID, 0, "")
	require.NoError(t, err)
	res, err := f.deliver("e2", "captured", order.ID, 90, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidTransition, res.Outcome)
	assert.Equal(t, orderdomain.StatusPaymentPending, f.status(t, order.ID).Status)
}

func TestUnknownOrderIsNotRecorded(t *testing.T) {
	f := setup(t)

	_, err := f.deliver("e1", "authorized", snowflake.ID(12345), 0, "")
	assert.ErrorIs(t, err, orderdomain.ErrNotFound)
	assert.False(t, f.applied(t, "generic:e1"))
}

func TestRefundFailureReturnsOrderToPaid(t *testing.T) {
	f := setup(t)
	order := f.newOrder(t, 100)
	_, err := f.deliver("e1", "authorized", order.ID, 0, "")
	require.NoError(t, err)
	_, err = f.deliver("e2", "captured", order.ID, 100, "")
	require.NoError(t, err)

	f.gateway.EXPECT().Submit(gomock.Any(), gomock.Any()).
		Return(refunddomain.SubmitResult{GatewayRefundID: "re_1"}, nil)
	res, err := f.dispatcher.RequestRefund(context.Background(), RefundCommand{OrderID: order.ID, IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Refund.RequestedAmount)

	res, err = f.deliver("e3", "refund.failed", order.ID, 0, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, orderdomain.StatusPaid, f.status(t, order.ID).Status)
	require.NotNil(t, res.Refund)
	assert.Equal(t, refunddomain.StatusRejected, res.Refund.Status)
}

func TestRequestRefundIsIdempotent(t *testing.T) {
	f := setup(t)
	order := f.newOrder(t, 100)
	_, err := f.deliver("e1", "authorized", order.ID, 0, "")
	require.NoError(t, err)
	_, err = f.deliver("e2", "captured", order.ID, 100, "")
	require.NoError(t, err)

	f.gateway.EXPECT().Submit(gomock.Any(), gomock.Any()).
		Return(refunddomain.SubmitResult{GatewayRefundID: "re_1"}, nil).Times(1)

	first, err := f.dispatcher.RequestRefund(context.Background(), RefundCommand{OrderID: order.ID, IdempotencyKey: "same"})
	require.NoError(t, err)
	second, err := f.dispatcher.RequestRefund(context.Background(), RefundCommand{OrderID: order.ID, IdempotencyKey: "same"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.Refund.ID, second.Refund.ID)
	list, err := f.refunds.ListByOrder(context.Background(), order.ID.String())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRequestRefundRejectsUnpaidOrders(t *testing.T) {
	f := setup(t)
	order := f.newOrder(t, 100)

	_, err := f.dispatcher.RequestRefund(context.Background(), RefundCommand{OrderID: order.ID, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, orderdomain.ErrInvalidTransition)
	assert.False(t, f.applied(t, ledgerdomain.RefundKey("k")))

	_, err = f.dispatcher.RequestRefund(context.Background(), RefundCommand{OrderID: order.ID, Amount: -1})
	assert.ErrorIs(t, err, refunddomain.ErrInvalidAmount)
}

func TestRequestRefundSurfacesGatewayExhaustion(t *testing.T) {
	f := setup(t)
	order := f.newOrder(t, 100)
	_, err := f.deliver("e1", "authorized", order.ID, 0, "")
	require.NoError(t, err)
	_, err = f.deliver("e2", "captured", order.ID, 100, "")
	require.NoError(t, err)

	f.gateway.EXPECT().Submit(gomock.Any(), gomock.Any()).
		Return(refunddomain.SubmitResult{}, errors.New("gateway timeout")).Times(2)
	res, err := f.dispatcher.RequestRefund(context.Background(), RefundCommand{OrderID: order.ID, IdempotencyKey: "k"})
	require.ErrorIs(t, err, refunddomain.ErrExternalGateway)
	require.NotNil(t, res.Refund)
	assert.Equal(t, refunddomain.StatusRequested, res.Refund.Status)
	assert.Equal(t, orderdomain.StatusRefunding, f.status(t, order.ID).Status)

	// retrying the command resubmits the still-open request
	f.gateway.EXPECT().Submit(gomock.Any(), gomock.Any()).
		Return(refunddomain.SubmitResult{GatewayRefundID: "re_9"}, nil)
	res, err = f.dispatcher.RequestRefund(context.Background(), RefundCommand{OrderID: order.ID, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, refunddomain.StatusSubmitted, res.Refund.Status)
}

func TestKeylessRefundRetryResumesOpenRequest(t *testing.T) {
	f := setup(t)
	order := f.newOrder(t, 100)
	_, err := f.deliver("e1", "authorized", order.ID, 0, "")
	require.NoError(t, err)
	_, err = f.deliver("e2", "captured", order.ID, 100, "")
	require.NoError(t, err)

	f.gateway.EXPECT().Submit(gomock.Any(), gomock.Any()).
		Return(refunddomain.SubmitResult{}, errors.New("gateway timeout")).Times(2)
	first, err := f.dispatcher.RequestRefund(context.Background(), RefundCommand{OrderID: order.ID})
	require.ErrorIs(t, err, refunddomain.ErrExternalGateway)
	require.NotNil(t, first.Refund)
	require.NotEmpty(t, first.IdempotencyKey)
	assert.Equal(t, first.IdempotencyKey, first.Refund.IdempotencyKey)

	f.gateway.EXPECT().Submit(gomock.Any(), gomock.Any()).
		Return(refunddomain.SubmitResult{GatewayRefundID: "re_3"}, nil)
	second, err := f.dispatcher.RequestRefund(context.Background(), RefundCommand{OrderID: order.ID})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
	require.NotNil(t, second.Refund)
	assert.Equal(t, first.Refund.ID, second.Refund.ID)
	assert.Equal(t, refunddomain.StatusSubmitted, second.Refund.Status)

	list, err := f.refunds.ListByOrder(context.Background(), order.ID.String())
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, orderdomain.StatusRefunding, f.status(t, order.ID).Status)

	// once submitted, a further call reports the request without resubmitting
	third, err := f.dispatcher.RequestRefund(context.Background(), RefundCommand{OrderID: order.ID})
	require.NoError(t, err)
	assert.Equal(t, first.Refund.ID, third.Refund.ID)

	// a different amount is still a conflicting command
	_, err = f.dispatcher.RequestRefund(context.Background(), RefundCommand{OrderID: order.ID, Amount: 40})
	assert.ErrorIs(t, err, orderdomain.ErrInvalidTransition)
}

func TestGatewayRejectionReturnsOrderToPaid(t *testing.T) {
	f := setup(t)
	order := f.newOrder(t, 100)
	_, err := f.deliver("e1", "authorized", order.ID, 0, "")
	require.NoError(t, err)
	_, err = f.deliver("e2", "captured", order.ID, 100, "")
	require.NoError(t, err)

	f.gateway.EXPECT().Submit(gomock.Any(), gomock.Any()).
		Return(refunddomain.SubmitResult{}, fmt.Errorf("%w: charge already refunded", refunddomain.ErrGatewayRejected)).Times(1)
	res, err := f.dispatcher.RequestRefund(context.Background(), RefundCommand{OrderID: order.ID, IdempotencyKey: "k"})
	require.ErrorIs(t, err, refunddomain.ErrGatewayRejected)
	require.NotNil(t, res.Refund)
	assert.Equal(t, refunddomain.StatusRejected, res.Refund.Status)
	assert.Contains(t, res.Refund.FailureReason, "already refunded")
	assert.Equal(t, orderdomain.StatusPaid, f.status(t, order.ID).Status)

	// a fresh request can be opened afterwards
	f.gateway.EXPECT().Submit(gomock.Any(), gomock.Any()).
		Return(refunddomain.SubmitResult{GatewayRefundID: "re_2"}, nil)
	res, err = f.dispatcher.RequestRefund(context.Background(), RefundCommand{OrderID: order.ID, IdempotencyKey: "k2"})
	require.NoError(t, err)
	assert.Equal(t, refunddomain.StatusSubmitted, res.Refund.Status)
	assert.Equal(t, orderdomain.StatusRefunding, f.status(t, order.ID).Status)
}

func TestConcurrentDuplicateDeliveriesApplyOnce(t *testing.T) {
	for _, backend := range []string{config.LedgerBackendSQL, config.LedgerBackendBolt} {
		t.Run(backend, func(t *testing.T) {
			var opts []option
			if backend == config.LedgerBackendBolt {
				fake := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
				store, err := ledgerrepo.OpenBoltStore(filepath.Join(t.TempDir(), "ledger.db"), fake, time.Hour)
				require.NoError(t, err)
				t.Cleanup(func() { _ = store.Close() })
				opts = append(opts, withLedger(store))
			}
			f := setup(t, opts...)
			order := f.newOrder(t, 100)

			const workers = 8
			outcomes := make([]Outcome, workers)
			errs := make([]error, workers)
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					res, err := f.deliver("e1", "authorized", order.ID, 0, "")
					outcomes[i], errs[i] = res.Outcome, err
				}(i)
			}
			wg.Wait()

			applied := 0
			for i := range outcomes {
				require.NoError(t, errs[i])
				if outcomes[i] == OutcomeApplied {
					applied++
				} else {
					assert.Equal(t, OutcomeDuplicate, outcomes[i])
				}
			}
			assert.Equal(t, 1, applied)
			got := f.status(t, order.ID)
			assert.Equal(t, orderdomain.StatusPaymentPending, got.Status)
			assert.Equal(t, int64(2), got.Version)
		})
	}
}

type staleOrders struct {
	orderdomain.Service
	mu       sync.Mutex
	failures int
}

func (s *staleOrders) Transition(ctx context.Context, db *gorm.DB, id string, in orderdomain.TransitionInput) (orderdomain.TransitionResult, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return orderdomain.TransitionResult{}, orderdomain.ErrStaleWrite
	}
	s.mu.Unlock()
	return s.Service.Transition(ctx, db, id, in)
}

func TestStaleWriteIsRetried(t *testing.T) {
	stale := &staleOrders{failures: 2}
	f := setup(t, withOrders(func(inner orderdomain.Service) orderdomain.Service {
		stale.Service = inner
		return stale
	}))
	order := f.newOrder(t, 100)

	res, err := f.deliver("e1", "authorized", order.ID, 0, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
}

func TestStaleWriteExhaustionRollsBackLedger(t *testing.T) {
	stale := &staleOrders{failures: 10}
	f := setup(t, withOrders(func(inner orderdomain.Service) orderdomain.Service {
		stale.Service = inner
		return stale
	}))
	order := f.newOrder(t, 100)

	res, err := f.deliver("e1", "authorized", order.ID, 0, "")
	require.ErrorIs(t, err, orderdomain.ErrStaleWrite)
	assert.Equal(t, 4, res.Attempts)
	assert.False(t, f.applied(t, "generic:e1"))
	assert.Equal(t, orderdomain.StatusCreated, f.status(t, order.ID).Status)
}

func TestNonTransactionalStoreReleasesClaimOnFailure(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	store, err := ledgerrepo.OpenBoltStore(filepath.Join(t.TempDir(), "ledger.db"), fake, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	stale := &staleOrders{failures: 10}
	f := setup(t, withLedger(store), withOrders(func(inner orderdomain.Service) orderdomain.Service {
		stale.Service = inner
		return stale
	}))
	order := f.newOrder(t, 100)

	_, err = f.deliver("e1", "authorized", order.ID, 0, "")
	require.ErrorIs(t, err, orderdomain.ErrStaleWrite)
	assert.False(t, f.applied(t, "generic:e1"))

	stale.mu.Lock()
	stale.failures = 0
	stale.mu.Unlock()
	res, err := f.deliver("e1", "authorized", order.ID, 0, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.True(t, f.applied(t, "generic:e1"))
}
