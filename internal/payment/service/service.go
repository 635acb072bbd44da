package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/snappy"
	orderdomain "github.com/smallbiznis/orderflow/internal/order/domain"
	"github.com/smallbiznis/orderflow/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Repo      domain.Repository
	OrderRepo orderdomain.Repository
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	repo      domain.Repository
	orderRepo orderdomain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("payment.service"),
		genID:     p.GenID,
		repo:      p.Repo,
		orderRepo: p.OrderRepo,
	}
}

func (s *Service) Archive(ctx context.Context, db *gorm.DB, event *domain.PaymentEvent, appliedAt time.Time) error {
	if event == nil {
		return nil
	}
	if db == nil {
		db = s.db
	}
	record := &domain.EventRecord{
		ID:               s.genID.Generate(),
		Provider:         event.Provider,
		EventID:          event.EventID,
		OrderID:          event.OrderID,
		Type:             event.Type,
		RawType:          event.RawType,
		Amount:           event.Amount,
		Currency:         event.Currency,
		PaymentReference: event.PaymentReference,
		CorrelationID:    event.CorrelationID,
		Checksum:         event.Checksum,
		OccurredAt:       event.OccurredAt,
		AppliedAt:        appliedAt,
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = appliedAt
	}
	if len(event.RawPayload) > 0 {
		record.Payload = snappy.Encode(nil, event.RawPayload)
	}

	inserted, err := s.repo.InsertEvent(ctx, db, record)
	if err != nil {
		return err
	}
	if !inserted {
		s.log.Debug("payment event already archived",
			zap.String("provider", event.Provider),
			zap.String("event_id", event.EventID),
		)
	}
	return nil
}

func (s *Service) ListEvents(ctx context.Context, orderID string) ([]domain.EventView, error) {
	id, err := parseOrderID(orderID)
	if err != nil {
		return nil, err
	}
	records, err := s.repo.ListByOrder(ctx, s.db, id)
	if err != nil {
		return nil, err
	}

	views := make([]domain.EventView, 0, len(records))
	for _, record := range records {
		if record == nil {
			continue
		}
		view := domain.EventView{EventRecord: *record}
		if len(record.Payload) > 0 {
			raw, err := snappy.Decode(nil, record.Payload)
			if err != nil {
				s.log.Warn("archived payload unreadable",
					zap.String("event_id", record.EventID),
					zap.Error(err),
				)
			} else if json.Valid(raw) {
				view.Payload = raw
			}
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *Service) PublicStatus(ctx context.Context, orderID string) (domain.PublicStatus, error) {
	id, err := parseOrderID(orderID)
	if err != nil {
		return domain.PublicStatus{}, err
	}
	order, err := s.orderRepo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.PublicStatus{}, err
	}
	if order == nil {
		return domain.PublicStatus{}, domain.ErrNotFound
	}

	return domain.PublicStatus{
		OrderID:   order.ID.String(),
		Status:    string(order.Status),
		Amount:    order.Amount,
		Currency:  order.Currency,
		Paid:      order.Status == orderdomain.StatusPaid || order.Status == orderdomain.StatusRefunding || order.Status == orderdomain.StatusRefunded,
		Refunded:  order.Status == orderdomain.StatusRefunded,
		UpdatedAt: order.UpdatedAt,
	}, nil
}

func parseOrderID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id <= 0 {
		return 0, orderdomain.ErrInvalidID
	}
	return id, nil
}
