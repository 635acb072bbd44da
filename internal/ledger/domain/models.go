package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Cause string

const (
	CauseWebhook       Cause = "webhook"
	CauseRefundRequest Cause = "refund_request"
)

type EntryStatus string

const (
	EntryStatusPending EntryStatus = "pending"
	EntryStatusApplied EntryStatus = "applied"
)

// RefundKeyPrefix namespaces operator refund requests in the ledger.
const RefundKeyPrefix = "refund:"

// Entry records that the effect identified by EventID has been applied.
// A pending entry is a claim held while its effect is being committed.
type Entry struct {
	EventID    string       `gorm:"primaryKey;size:191" json:"event_id"`
	OrderID    snowflake.ID `gorm:"index" json:"order_id"`
	Cause      Cause        `gorm:"size:32;not null" json:"cause"`
	Status     EntryStatus  `gorm:"size:16;not null;default:applied" json:"status"`
	ClaimToken string       `gorm:"size:64" json:"claim_token,omitempty"`
	AppliedAt  time.Time    `gorm:"not null" json:"applied_at"`
	ExpiresAt  time.Time    `gorm:"not null;index" json:"expires_at"`
}

func (Entry) TableName() string { return "idempotency_ledger" }

// Claim is a held reservation of a ledger key.
type Claim struct {
	Entry Entry
	Token string
}

func RefundKey(idempotencyKey string) string {
	return RefundKeyPrefix + idempotencyKey
}
