package repository

import (
	"context"
	"encoding/json"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/google/uuid"
	"github.com/smallbiznis/orderflow/internal/clock"
	"github.com/smallbiznis/orderflow/internal/config"
	"github.com/smallbiznis/orderflow/internal/ledger/domain"
)

const boltBucket = "idempotency_ledger"

// BoltStore is a single-node ledger in an embedded bolt file. Every
// mutation runs in one serializable bolt.Update.
type BoltStore struct {
	db        *bolt.DB
	clock     clock.Clock
	retention time.Duration
}

func OpenBoltStore(path string, clk clock.Clock, retention time.Duration) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db, clock: clk, retention: retention}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Backend() string { return config.LedgerBackendBolt }

func (s *BoltStore) HasBeenApplied(ctx context.Context, key string) (bool, error) {
	applied := false
	err := s.db.View(func(tx *bolt.Tx) error {
		entry, err := readEntry(tx.Bucket([]byte(boltBucket)), key)
		if err != nil || entry == nil {
			return err
		}
		applied = entry.Status == domain.EntryStatusApplied
		return nil
	})
	return applied, err
}

func (s *BoltStore) RecordApplied(ctx context.Context, entry domain.Entry) error {
	if err := domain.ValidKey(entry.EventID); err != nil {
		return err
	}
	entry = s.applied(entry)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		if b.Get([]byte(entry.EventID)) != nil {
			return domain.ErrAlreadyApplied
		}
		return writeEntry(b, entry)
	})
}

func (s *BoltStore) Claim(ctx context.Context, entry domain.Entry, hold time.Duration) (*domain.Claim, error) {
	if err := domain.ValidKey(entry.EventID); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	entry.Status = domain.EntryStatusPending
	entry.ClaimToken = uuid.NewString()
	entry.ExpiresAt = now.Add(hold)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		existing, err := readEntry(b, entry.EventID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Status == domain.EntryStatusApplied {
				return domain.ErrAlreadyApplied
			}
			if existing.ExpiresAt.After(now) {
				return domain.ErrConflict
			}
		}
		return writeEntry(b, entry)
	})
	if err != nil {
		return nil, err
	}
	return &domain.Claim{Entry: entry, Token: entry.ClaimToken}, nil
}

func (s *BoltStore) Commit(ctx context.Context, claim *domain.Claim) error {
	entry := s.applied(claim.Entry)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		existing, err := readEntry(b, entry.EventID)
		if err != nil {
			return err
		}
		if existing == nil || existing.Status != domain.EntryStatusPending || existing.ClaimToken != claim.Token {
			return domain.ErrConflict
		}
		return writeEntry(b, entry)
	})
}

func (s *BoltStore) Release(ctx context.Context, claim *domain.Claim) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		existing, err := readEntry(b, claim.Entry.EventID)
		if err != nil || existing == nil {
			return err
		}
		if existing.Status != domain.EntryStatusPending || existing.ClaimToken != claim.Token {
			return nil
		}
		return b.Delete([]byte(claim.Entry.EventID))
	})
}

func (s *BoltStore) Purge(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	var removed int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if len(expired) >= limit {
				return nil
			}
			var entry domain.Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.ExpiresAt.Before(before) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *BoltStore) applied(entry domain.Entry) domain.Entry {
	if entry.AppliedAt.IsZero() {
		entry.AppliedAt = s.clock.Now()
	}
	entry.Status = domain.EntryStatusApplied
	entry.ClaimToken = ""
	entry.ExpiresAt = entry.AppliedAt.Add(s.retention)
	return entry
}

func readEntry(b *bolt.Bucket, key string) (*domain.Entry, error) {
	raw := b.Get([]byte(key))
	if raw == nil {
		return nil, nil
	}
	var entry domain.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func writeEntry(b *bolt.Bucket, entry domain.Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return b.Put([]byte(entry.EventID), raw)
}

var _ domain.Store = (*BoltStore)(nil)
