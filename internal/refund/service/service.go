package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/orderflow/internal/clock"
	"github.com/smallbiznis/orderflow/internal/config"
	obslogger "github.com/smallbiznis/orderflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/orderflow/internal/observability/metrics"
	"github.com/smallbiznis/orderflow/internal/refund/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxFailureReason = 512

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Gateway    domain.Gateway
	Config     config.Config
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	gateway    domain.Gateway
	cfg        config.RefundConfig
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	cfg := p.Config.Refund
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("refund.coordinator"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		gateway:    p.Gateway,
		cfg:        cfg,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Create(ctx context.Context, db *gorm.DB, req domain.CreateRequest) (domain.RefundRequest, error) {
	if db == nil {
		db = s.db
	}
	if req.Amount <= 0 {
		return domain.RefundRequest{}, domain.ErrInvalidAmount
	}

	now := s.clock.Now()
	correlationID := ulid.Make().String()
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = correlationID
	}
	item := domain.RefundRequest{
		ID:               s.genID.Generate(),
		OrderID:          req.OrderID,
		RequestedAmount:  req.Amount,
		Currency:         strings.ToUpper(strings.TrimSpace(req.Currency)),
		Status:           domain.StatusRequested,
		CorrelationID:    correlationID,
		IdempotencyKey:   key,
		PaymentReference: req.PaymentReference,
		RequestedBy:      req.RequestedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.Insert(ctx, db, &item); err != nil {
		return domain.RefundRequest{}, err
	}
	s.obsMetrics.RecordRefundRequest(ctx, string(item.Status))
	return item, nil
}

func (s *Service) IssueRefund(ctx context.Context, orderID snowflake.ID, amount int64) (domain.RefundRequest, error) {
	item, err := s.repo.FindOpenByOrder(ctx, s.db, orderID)
	if err != nil {
		return domain.RefundRequest{}, err
	}
	if item == nil {
		return domain.RefundRequest{}, domain.ErrNoOpenRequest
	}
	if amount > 0 && amount != item.RequestedAmount {
		return *item, domain.ErrInvalidAmount
	}

	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("order_id", orderID.String()),
		zap.String("refund_id", item.ID.String()),
		zap.String("correlation_id", item.CorrelationID),
		zap.String("gateway", s.gateway.Name()),
	)

	attempts := 0
	result, submitErr := backoff.Retry(ctx, func() (domain.SubmitResult, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		res, err := s.gateway.Submit(callCtx, domain.SubmitRequest{
			OrderID:          item.OrderID,
			CorrelationID:    item.CorrelationID,
			PaymentReference: item.PaymentReference,
			Amount:           item.RequestedAmount,
			Currency:         item.Currency,
		})
		if errors.Is(err, domain.ErrGatewayRejected) {
			return res, backoff.Permanent(err)
		}
		if err != nil {
			log.Warn("refund submission attempt failed", zap.Int("attempt", attempts), zap.Error(err))
		}
		return res, err
	},
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(uint(s.cfg.MaxAttempts)),
	)

	now := s.clock.Now()
	item.Attempts += attempts
	item.UpdatedAt = now
	reconcileMetrics := obsmetrics.Reconcile()

	if submitErr != nil {
		item.FailureReason = truncate(submitErr.Error(), maxFailureReason)
		if _, err := s.repo.UpdateSubmission(ctx, s.db, item); err != nil {
			log.Error("failed to record refund attempt", zap.Error(err))
		}
		reconcileMetrics.IncRefundSubmission(s.gateway.Name(), "failed")
		log.Error("refund submission exhausted", zap.Int("attempts", attempts), zap.Error(submitErr))
		if errors.Is(submitErr, domain.ErrExternalGateway) || errors.Is(submitErr, domain.ErrGatewayRejected) {
			return *item, submitErr
		}
		return *item, fmt.Errorf("%w: %v", domain.ErrExternalGateway, submitErr)
	}

	item.Status = domain.StatusSubmitted
	item.GatewayRefundID = result.GatewayRefundID
	item.FailureReason = ""
	item.SubmittedAt = &now
	updated, err := s.repo.UpdateSubmission(ctx, s.db, item)
	if err != nil {
		return *item, err
	}
	if !updated {
		// A confirmation webhook resolved the request while we waited.
		current, err := s.repo.FindByID(ctx, s.db, item.ID)
		if err != nil {
			return *item, err
		}
		if current != nil {
			item = current
		}
	}

	reconcileMetrics.IncRefundSubmission(s.gateway.Name(), "submitted")
	s.obsMetrics.RecordRefundRequest(ctx, string(item.Status))
	log.Info("refund submitted",
		zap.String("gateway_refund_id", result.GatewayRefundID),
		zap.Int("attempts", attempts),
	)
	return *item, nil
}

func (s *Service) Confirm(ctx context.Context, db *gorm.DB, orderID snowflake.ID, correlationID string) (*domain.RefundRequest, error) {
	return s.resolve(ctx, db, orderID, correlationID, domain.StatusConfirmed, "")
}

func (s *Service) Reject(ctx context.Context, db *gorm.DB, orderID snowflake.ID, correlationID, reason string) (*domain.RefundRequest, error) {
	if reason == "" {
		reason = "refund failed at gateway"
	}
	return s.resolve(ctx, db, orderID, correlationID, domain.StatusRejected, reason)
}

func (s *Service) resolve(ctx context.Context, db *gorm.DB, orderID snowflake.ID, correlationID string, status domain.Status, reason string) (*domain.RefundRequest, error) {
	if db == nil {
		db = s.db
	}
	item, err := s.match(ctx, db, orderID, correlationID)
	if err != nil || item == nil {
		return nil, err
	}
	if !item.IsOpen() {
		return item, nil
	}

	now := s.clock.Now()
	if _, err := s.repo.Resolve(ctx, db, item.ID, status, truncate(reason, maxFailureReason), now); err != nil {
		return nil, err
	}
	item.Status = status
	item.FailureReason = reason
	item.ResolvedAt = &now
	item.UpdatedAt = now
	s.obsMetrics.RecordRefundRequest(ctx, string(status))
	return item, nil
}

func (s *Service) match(ctx context.Context, db *gorm.DB, orderID snowflake.ID, correlationID string) (*domain.RefundRequest, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID != "" {
		item, err := s.repo.FindByCorrelationID(ctx, db, correlationID)
		if err != nil {
			return nil, err
		}
		if item != nil && item.OrderID == orderID {
			return item, nil
		}
	}
	return s.repo.FindOpenByOrder(ctx, db, orderID)
}

func (s *Service) FindByIdempotencyKey(ctx context.Context, key string) (*domain.RefundRequest, error) {
	return s.repo.FindByIdempotencyKey(ctx, s.db, strings.TrimSpace(key))
}

func (s *Service) Get(ctx context.Context, id string) (domain.RefundRequest, error) {
	refundID, err := parseID(id)
	if err != nil {
		return domain.RefundRequest{}, err
	}
	item, err := s.repo.FindByID(ctx, s.db, refundID)
	if err != nil {
		return domain.RefundRequest{}, err
	}
	if item == nil {
		return domain.RefundRequest{}, domain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]domain.RefundRequest, error) {
	id, err := parseID(orderID)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ListByOrder(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RefundRequest, 0, len(items))
	for _, item := range items {
		if item != nil {
			out = append(out, *item)
		}
	}
	return out, nil
}

func (s *Service) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BackoffBase
	b.MaxInterval = 8 * s.cfg.BackoffBase
	b.Multiplier = 2
	return b
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id <= 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
