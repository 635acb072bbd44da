package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	orderdomain "github.com/smallbiznis/orderflow/internal/order/domain"
	orderrepo "github.com/smallbiznis/orderflow/internal/order/repository"
	"github.com/smallbiznis/orderflow/internal/payment/domain"
	"github.com/smallbiznis/orderflow/internal/payment/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupService(t *testing.T) (*Service, *gorm.DB, *snowflake.Node) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&orderdomain.Order{}, &domain.EventRecord{}))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	svc := New(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Repo:      repository.Provide(),
		OrderRepo: orderrepo.Provide(),
	}).(*Service)
	return svc, db, node
}

func TestArchiveRoundTripsCompressedPayload(t *testing.T) {
	svc, db, node := setupService(t)
	ctx := context.Background()
	orderID := node.Generate()
	appliedAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	event := &domain.PaymentEvent{
		EventID:    "e1",
		Provider:   "generic",
		OrderID:    orderID,
		Type:       domain.EventTypeCaptured,
		RawType:    "payment.captured",
		Amount:     100,
		Currency:   "USD",
		Checksum:   "abc",
		RawPayload: []byte(`{"id":"e1","type":"payment.captured"}`),
	}
	require.NoError(t, svc.Archive(ctx, db, event, appliedAt))
	// redelivery is a no-op
	require.NoError(t, svc.Archive(ctx, db, event, appliedAt.Add(time.Minute)))

	views, err := svc.ListEvents(ctx, orderID.String())
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "e1", views[0].EventID)
	assert.Equal(t, appliedAt, views[0].AppliedAt.UTC())
	assert.Equal(t, appliedAt, views[0].OccurredAt.UTC())
	assert.JSONEq(t, string(event.RawPayload), string(views[0].Payload))

	var stored domain.EventRecord
	require.NoError(t, db.First(&stored, "event_id = ?", "e1").Error)
	assert.NotEqual(t, event.RawPayload, stored.Payload)
}

func TestListEventsRejectsInvalidID(t *testing.T) {
	svc, _, _ := setupService(t)
	_, err := svc.ListEvents(context.Background(), "O1")
	assert.ErrorIs(t, err, orderdomain.ErrInvalidID)
}

func TestPublicStatus(t *testing.T) {
	svc, db, node := setupService(t)
	ctx := context.Background()

	_, err := svc.PublicStatus(ctx, node.Generate().String())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	now := time.Now().UTC()
	order := orderdomain.Order{
		ID:               node.Generate(),
		Status:           orderdomain.StatusRefunding,
		Version:          4,
		Amount:           900,
		Currency:         "EUR",
		CreatedAt:        now,
		LastTransitionAt: now,
		UpdatedAt:        now,
	}
	require.NoError(t, db.Create(&order).Error)

	status, err := svc.PublicStatus(ctx, order.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "REFUNDING", status.Status)
	assert.True(t, status.Paid)
	assert.False(t, status.Refunded)
	assert.Equal(t, int64(900), status.Amount)
}
