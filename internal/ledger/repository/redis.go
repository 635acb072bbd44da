package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/orderflow/internal/clock"
	"github.com/smallbiznis/orderflow/internal/config"
	"github.com/smallbiznis/orderflow/internal/ledger/domain"
)

const redisKeyPrefix = "orderflow:ledger:"

// commitScript swaps a held claim for the applied entry.
const commitScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
  return 1
end
return 0
`

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisStore keeps ledger keys with SET NX. Applied keys expire after the
// retention window, so Purge has nothing to do.
type RedisStore struct {
	client    *redis.Client
	clock     clock.Clock
	retention time.Duration
	commit    *redis.Script
	release   *redis.Script
}

func NewRedisStore(client *redis.Client, clk clock.Clock, retention time.Duration) *RedisStore {
	return &RedisStore{
		client:    client,
		clock:     clk,
		retention: retention,
		commit:    redis.NewScript(commitScript),
		release:   redis.NewScript(releaseScript),
	}
}

func (s *RedisStore) Backend() string { return config.LedgerBackendRedis }

func (s *RedisStore) HasBeenApplied(ctx context.Context, key string) (bool, error) {
	entry, err := s.get(ctx, key)
	if err != nil || entry == nil {
		return false, err
	}
	return entry.Status == domain.EntryStatusApplied, nil
}

func (s *RedisStore) RecordApplied(ctx context.Context, entry domain.Entry) error {
	if err := domain.ValidKey(entry.EventID); err != nil {
		return err
	}
	entry = s.applied(entry)
	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, redisKeyPrefix+entry.EventID, value, s.retention).Result()
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrAlreadyApplied
	}
	return nil
}

func (s *RedisStore) Claim(ctx context.Context, entry domain.Entry, hold time.Duration) (*domain.Claim, error) {
	if err := domain.ValidKey(entry.EventID); err != nil {
		return nil, err
	}
	if hold <= 0 {
		return nil, errors.New("ledger claim hold must be positive")
	}
	token := uuid.NewString()
	entry.Status = domain.EntryStatusPending
	entry.ClaimToken = token
	entry.ExpiresAt = s.clock.Now().Add(hold)
	value, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}

	ok, err := s.client.SetNX(ctx, redisKeyPrefix+entry.EventID, value, hold).Result()
	if err != nil {
		return nil, err
	}
	if ok {
		return &domain.Claim{Entry: entry, Token: string(value)}, nil
	}

	existing, err := s.get(ctx, entry.EventID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == domain.EntryStatusApplied {
		return nil, domain.ErrAlreadyApplied
	}
	return nil, domain.ErrConflict
}

func (s *RedisStore) Commit(ctx context.Context, claim *domain.Claim) error {
	entry := s.applied(claim.Entry)
	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	swapped, err := s.commit.Run(ctx, s.client,
		[]string{redisKeyPrefix + entry.EventID},
		claim.Token,
		string(value),
		s.retention.Milliseconds(),
	).Int()
	if err != nil {
		return err
	}
	if swapped == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, claim *domain.Claim) error {
	if claim == nil || claim.Token == "" {
		return nil
	}
	return s.release.Run(ctx, s.client, []string{redisKeyPrefix + claim.Entry.EventID}, claim.Token).Err()
}

func (s *RedisStore) Purge(ctx context.Context, before time.Time, limit int) (int64, error) {
	return 0, nil
}

func (s *RedisStore) get(ctx context.Context, key string) (*domain.Entry, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry domain.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *RedisStore) applied(entry domain.Entry) domain.Entry {
	if entry.AppliedAt.IsZero() {
		entry.AppliedAt = s.clock.Now()
	}
	entry.Status = domain.EntryStatusApplied
	entry.ClaimToken = ""
	entry.ExpiresAt = entry.AppliedAt.Add(s.retention)
	return entry
}

var _ domain.Store = (*RedisStore)(nil)
