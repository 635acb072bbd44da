package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderflow/internal/clock"
	obsmetrics "github.com/smallbiznis/orderflow/internal/observability/metrics"
	"github.com/smallbiznis/orderflow/internal/order/domain"
	"github.com/smallbiznis/orderflow/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("order.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateOrderRequest) (domain.Order, error) {
	if req.Amount <= 0 {
		return domain.Order{}, domain.ErrInvalidAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return domain.Order{}, domain.ErrInvalidCurrency
	}

	metadata := datatypes.JSONMap{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	now := s.clock.Now()
	order := domain.Order{
		ID:               s.genID.Generate(),
		Status:           domain.StatusCreated,
		Version:          1,
		Amount:           req.Amount,
		Currency:         currency,
		Metadata:         metadata,
		CreatedAt:        now,
		LastTransitionAt: now,
		UpdatedAt:        now,
	}
	if err := s.repo.Insert(ctx, s.db, &order); err != nil {
		return domain.Order{}, err
	}

	s.obsMetrics.RecordOrderCreated(ctx, currency)
	s.log.Info("order created",
		zap.String("order_id", order.ID.String()),
		zap.Int64("amount", order.Amount),
		zap.String("currency", order.Currency),
	)
	return order, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (domain.Order, error) {
	orderID, err := parseID(id)
	if err != nil {
		return domain.Order{}, err
	}
	item, err := s.repo.FindByID(ctx, s.db, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if item == nil {
		return domain.Order{}, domain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) List(ctx context.Context, req domain.ListOrderRequest) (domain.ListOrderResponse, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	filter := domain.ListOrderFilter{
		Status: domain.Status(strings.ToUpper(strings.TrimSpace(req.Status))),
	}

	items, err := s.repo.List(ctx, s.db, filter, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  int(pageSize),
	})
	if err != nil {
		return domain.ListOrderResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(order *domain.Order) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        order.ID.String(),
			CreatedAt: order.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	orders := make([]domain.Order, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		orders = append(orders, *item)
	}

	resp := domain.ListOrderResponse{Orders: orders}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) Transition(ctx context.Context, db *gorm.DB, id string, in domain.TransitionInput) (domain.TransitionResult, error) {
	if db == nil {
		db = s.db
	}
	orderID, err := parseID(id)
	if err != nil {
		return domain.TransitionResult{}, err
	}

	current, err := s.repo.FindByID(ctx, db, orderID)
	if err != nil {
		return domain.TransitionResult{}, err
	}
	if current == nil {
		return domain.TransitionResult{}, domain.ErrNotFound
	}

	if in.At.IsZero() {
		in.At = s.clock.Now()
	}
	next, err := domain.Apply(*current, in)
	if err != nil {
		return domain.TransitionResult{From: current.Status, Order: *current}, err
	}

	if err := s.repo.CompareAndSwap(ctx, db, &next, current.Version); err != nil {
		return domain.TransitionResult{From: current.Status, Order: *current}, err
	}

	s.obsMetrics.RecordTransition(ctx, string(current.Status), string(next.Status), string(in.Cause))
	return domain.TransitionResult{From: current.Status, Order: next}, nil
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id <= 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}
