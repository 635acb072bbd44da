package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusCreated        Status = "CREATED"
	StatusPaymentPending Status = "PAYMENT_PENDING"
	StatusPaid           Status = "PAID"
	StatusRefunding      Status = "REFUNDING"
	StatusRefunded       Status = "REFUNDED"
	StatusFailed         Status = "FAILED"
)

type Order struct {
	ID               snowflake.ID      `gorm:"primaryKey" json:"id"`
	Status           Status            `gorm:"size:32;not null;index" json:"status"`
	Version          int64             `gorm:"not null" json:"version"`
	Amount           int64             `gorm:"not null" json:"amount"`
	Currency         string            `gorm:"size:3;not null" json:"currency"`
	PaymentReference string            `gorm:"size:191" json:"payment_reference,omitempty"`
	Metadata         datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt        time.Time         `gorm:"not null" json:"created_at"`
	LastTransitionAt time.Time         `gorm:"not null" json:"last_transition_at"`
	UpdatedAt        time.Time         `gorm:"not null" json:"updated_at"`
}

func (Order) TableName() string { return "orders" }
