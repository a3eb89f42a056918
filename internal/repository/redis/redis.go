// Package redis keeps the usage ledger and ban list in Redis so several
// gateway processes share quota counts and bans.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/raakeshmj/gatewarden/internal/db"
	"github.com/raakeshmj/gatewarden/internal/repository"
)

const (
	keyPrefix    = "gatewarden:"
	anonymousKey = "-"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store implements repository.UsageRepository and repository.BanRepository.
type Store struct {
	client *redis.Client
}

var (
	_ repository.UsageRepository = (*Store)(nil)
	_ repository.BanRepository   = (*Store)(nil)
)

func New(cfg Config) *Store {
	return NewFromClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}))
}

func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func usageKey(tokenID string) string {
	if tokenID == "" {
		tokenID = anonymousKey
	}
	return keyPrefix + "usage:" + tokenID
}

func banKey(ip string) string {
	return keyPrefix + "ban:" + ip
}

// AppendUsageRecord adds the record to the token's sorted set, scored by
// timestamp in milliseconds, and trims entries past retention.
func (s *Store) AppendUsageRecord(ctx context.Context, rec *db.UsageRecord) error {
	key := usageKey(rec.TokenID)
	ts := rec.Timestamp.UnixMilli()
	cutoff := rec.Timestamp.Add(-repository.UsageRetention).UnixMilli()

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(ts),
		Member: strconv.FormatInt(ts, 10) + ":" + uuid.NewString(),
	})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, key, repository.UsageRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append usage: %w", err)
	}
	return nil
}

func (s *Store) CountUsageSince(ctx context.Context, tokenID string, since time.Time) (int64, error) {
	n, err := s.client.ZCount(ctx, usageKey(tokenID), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return n, nil
}

func (s *Store) IsIPBlocked(ctx context.Context, ip string, now time.Time) (*db.BlockedIP, error) {
	val, err := s.client.Get(ctx, banKey(ip)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ban: %w", err)
	}
	var ban db.BlockedIP
	if err := json.Unmarshal(val, &ban); err != nil {
		return nil, fmt.Errorf("decode ban: %w", err)
	}
	if !ban.Active(now) {
		return nil, nil
	}
	return &ban, nil
}

// BlockIP stores the ban with a key TTL matching its expiry. Permanent bans
// carry no TTL.
func (s *Store) BlockIP(ctx context.Context, ban *db.BlockedIP) error {
	data, err := json.Marshal(ban)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if !ban.Permanent() {
		ttl = time.Until(ban.ExpiresAt)
		if ttl <= 0 {
			// Already lapsed; nothing to enforce.
			return s.client.Del(ctx, banKey(ban.IP)).Err()
		}
	}
	return s.client.Set(ctx, banKey(ban.IP), data, ttl).Err()
}

func (s *Store) UnblockIP(ctx context.Context, ip string) error {
	n, err := s.client.Del(ctx, banKey(ip)).Result()
	if err != nil {
		return fmt.Errorf("delete ban: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) ListBlockedIPs(ctx context.Context, now time.Time) ([]*db.BlockedIP, error) {
	var list []*db.BlockedIP
	iter := s.client.Scan(ctx, 0, keyPrefix+"ban:*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, err
		}
		var ban db.BlockedIP
		if err := json.Unmarshal(val, &ban); err != nil {
			return nil, fmt.Errorf("decode ban %s: %w", iter.Val(), err)
		}
		if ban.Active(now) {
			list = append(list, &ban)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].BlockedAt.After(list[j].BlockedAt) })
	return list, nil
}

// Ping checks if Redis connection is alive
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
