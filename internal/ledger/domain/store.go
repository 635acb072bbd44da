package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Store is an idempotency ledger backend. Keys are append-only until purged
// after the retention window.
type Store interface {
	Backend() string
	HasBeenApplied(ctx context.Context, key string) (bool, error)
	// RecordApplied stores an applied entry, failing with ErrConflict when
	// the key is already present.
	RecordApplied(ctx context.Context, entry Entry) error
	// Claim reserves entry.EventID for at most hold. It fails with
	// ErrAlreadyApplied for a committed key and ErrConflict for one held by
	// another claim.
	Claim(ctx context.Context, entry Entry, hold time.Duration) (*Claim, error)
	// Commit turns a held claim into an applied entry.
	Commit(ctx context.Context, claim *Claim) error
	// Release drops a held claim so the key can be retried.
	Release(ctx context.Context, claim *Claim) error
	// Purge removes up to limit entries that expired before the given time.
	Purge(ctx context.Context, before time.Time, limit int) (int64, error)
}

// Transactional stores can record an entry inside the caller's database
// transaction, making the claim commit or roll back with it.
type Transactional interface {
	ClaimTx(ctx context.Context, tx *gorm.DB, entry Entry) error
}

// ValidKey rejects empty and oversized keys.
func ValidKey(key string) error {
	if key == "" || len(key) > 191 {
		return ErrInvalidKey
	}
	return nil
}
