package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

//go:generate mockgen -source=gateway.go -destination=../gateway/mock_gateway.go -package=gateway

type SubmitRequest struct {
	OrderID          snowflake.ID
	CorrelationID    string
	PaymentReference string
	Amount           int64
	Currency         string
}

type SubmitResult struct {
	GatewayRefundID string
	Status          string
}

// Gateway submits refunds to the payment provider. Submissions with the
// same CorrelationID must be deduplicated by the provider.
type Gateway interface {
	Name() string
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
}
