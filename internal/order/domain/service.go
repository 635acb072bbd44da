package domain

import (
	"context"

	"github.com/smallbiznis/orderflow/pkg/db/pagination"
	"gorm.io/gorm"
)

type CreateOrderRequest struct {
	Amount   int64          `json:"amount"`
	Currency string         `json:"currency"`
	Metadata map[string]any `json:"metadata"`
}

type ListOrderRequest struct {
	PageToken string
	PageSize  int32
	Status    string
}

type ListOrderFilter struct {
	Status Status
}

type ListOrderResponse struct {
	pagination.PageInfo
	Orders []Order `json:"orders"`
}

// TransitionResult reports the order before and after a committed transition.
type TransitionResult struct {
	From  Status
	Order Order
}

type Service interface {
	Create(ctx context.Context, req CreateOrderRequest) (Order, error)
	GetByID(ctx context.Context, id string) (Order, error)
	List(ctx context.Context, req ListOrderRequest) (ListOrderResponse, error)
	// Transition loads the order through db, applies the state machine and
	// persists with a version CAS. db is usually the caller's transaction.
	Transition(ctx context.Context, db *gorm.DB, id string, in TransitionInput) (TransitionResult, error)
}
