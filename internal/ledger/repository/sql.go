package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/orderflow/internal/clock"
	"github.com/smallbiznis/orderflow/internal/config"
	"github.com/smallbiznis/orderflow/internal/ledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLStore keeps the ledger in the idempotency_ledger table. ClaimTx joins
// the caller's transaction so the entry commits with the order transition.
type SQLStore struct {
	db        *gorm.DB
	clock     clock.Clock
	retention time.Duration
}

func NewSQLStore(db *gorm.DB, clk clock.Clock, retention time.Duration) *SQLStore {
	return &SQLStore{db: db, clock: clk, retention: retention}
}

func (s *SQLStore) Backend() string { return config.LedgerBackendSQL }

func (s *SQLStore) HasBeenApplied(ctx context.Context, key string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&domain.Entry{}).
		Where("event_id = ? AND status = ?", key, domain.EntryStatusApplied).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SQLStore) RecordApplied(ctx context.Context, entry domain.Entry) error {
	return s.ClaimTx(ctx, s.db, entry)
}

func (s *SQLStore) ClaimTx(ctx context.Context, tx *gorm.DB, entry domain.Entry) error {
	if err := domain.ValidKey(entry.EventID); err != nil {
		return err
	}
	if tx == nil {
		tx = s.db
	}
	entry = s.applied(entry)
	return s.insert(ctx, tx, entry)
}

func (s *SQLStore) Claim(ctx context.Context, entry domain.Entry, hold time.Duration) (*domain.Claim, error) {
	if err := domain.ValidKey(entry.EventID); err != nil {
		return nil, err
	}
	token := uuid.NewString()
	entry.Status = domain.EntryStatusPending
	entry.ClaimToken = token
	entry.ExpiresAt = s.clock.Now().Add(hold)
	if entry.AppliedAt.IsZero() {
		entry.AppliedAt = s.clock.Now()
	}
	if err := s.insert(ctx, s.db, entry); err != nil {
		return nil, err
	}
	return &domain.Claim{Entry: entry, Token: token}, nil
}

func (s *SQLStore) Commit(ctx context.Context, claim *domain.Claim) error {
	entry := s.applied(claim.Entry)
	res := s.db.WithContext(ctx).Exec(
		`UPDATE idempotency_ledger
		 SET status = ?, claim_token = '', applied_at = ?, expires_at = ?
		 WHERE event_id = ? AND status = ? AND claim_token = ?`,
		domain.EntryStatusApplied,
		entry.AppliedAt,
		entry.ExpiresAt,
		entry.EventID,
		domain.EntryStatusPending,
		claim.Token,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (s *SQLStore) Release(ctx context.Context, claim *domain.Claim) error {
	return s.db.WithContext(ctx).Exec(
		`DELETE FROM idempotency_ledger WHERE event_id = ? AND status = ? AND claim_token = ?`,
		claim.Entry.EventID,
		domain.EntryStatusPending,
		claim.Token,
	).Error
}

func (s *SQLStore) Purge(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	var keys []string
	err := s.db.WithContext(ctx).
		Model(&domain.Entry{}).
		Where("expires_at < ?", before).
		Order("expires_at asc").
		Limit(limit).
		Pluck("event_id", &keys).Error
	if err != nil || len(keys) == 0 {
		return 0, err
	}
	res := s.db.WithContext(ctx).
		Where("event_id IN ? AND expires_at < ?", keys, before).
		Delete(&domain.Entry{})
	return res.RowsAffected, res.Error
}

func (s *SQLStore) applied(entry domain.Entry) domain.Entry {
	if entry.AppliedAt.IsZero() {
		entry.AppliedAt = s.clock.Now()
	}
	entry.Status = domain.EntryStatusApplied
	entry.ClaimToken = ""
	entry.ExpiresAt = entry.AppliedAt.Add(s.retention)
	return entry
}

// insert writes entry unless the key exists. An expired pending claim left
// by a crashed writer is taken over.
func (s *SQLStore) insert(ctx context.Context, db *gorm.DB, entry domain.Entry) error {
	for attempt := 0; attempt < 2; attempt++ {
		row := entry
		res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		var existing domain.Entry
		if err := db.WithContext(ctx).Where("event_id = ?", entry.EventID).Limit(1).Find(&existing).Error; err != nil {
			return err
		}
		switch {
		case existing.EventID == "":
			continue
		case existing.Status == domain.EntryStatusApplied:
			return domain.ErrAlreadyApplied
		case existing.ExpiresAt.After(s.clock.Now()):
			return domain.ErrConflict
		}
		err := db.WithContext(ctx).Exec(
			`DELETE FROM idempotency_ledger WHERE event_id = ? AND status = ? AND claim_token = ?`,
			existing.EventID,
			domain.EntryStatusPending,
			existing.ClaimToken,
		).Error
		if err != nil {
			return err
		}
	}
	return domain.ErrConflict
}

var (
	_ domain.Store         = (*SQLStore)(nil)
	_ domain.Transactional = (*SQLStore)(nil)
)
