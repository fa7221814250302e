package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/paper-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for account and position reads. Writes go to the primary store and
// invalidate the user's keys; reads check Redis first then fall back to the
// primary.
//
// Every invalidation bumps a per-user version. A miss records the version
// before reading the primary and fills the cache only if it is unchanged, so
// a read that overlapped a write cannot put the old row back.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.invalidate(ctx, a.UserID)
	return nil
}

func (s *CachedStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.UpsertPosition(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, p.UserID)
	return nil
}

func (s *CachedStore) DeletePosition(ctx context.Context, userID, ticker string) error {
	if err := s.primary.DeletePosition(ctx, userID, ticker); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

// InTx delegates to the primary and drops the user's cached reads once the
// transaction has committed. Reads inside the transaction bypass the cache.
func (s *CachedStore) InTx(ctx context.Context, userID string, fn func(tx Tx) error) error {
	if err := s.primary.InTx(ctx, userID, fn); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(userID)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	ver, ok := s.version(ctx, userID)
	a, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ok {
		s.fill(ctx, userID, ver, accountKey(userID), a)
	}
	return a, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	ver, ok := s.version(ctx, userID)
	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ok {
		s.fill(ctx, userID, ver, positionsKey(userID), positions)
	}
	return positions, nil
}

// GetPosition is served from the cached position list.
func (s *CachedStore) GetPosition(ctx context.Context, userID, ticker string) (*model.Position, error) {
	positions, err := s.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.Ticker == ticker {
			copy := p
			return &copy, nil
		}
	}
	return nil, ErrPositionNotFound
}

// --- Passthrough (not cached) ---

func (s *CachedStore) PasswordHash(ctx context.Context, userID string) (string, error) {
	return s.primary.PasswordHash(ctx, userID)
}

func (s *CachedStore) GetTrade(ctx context.Context, userID, tradeID string) (*model.Trade, error) {
	return s.primary.GetTrade(ctx, userID, tradeID)
}

func (s *CachedStore) ListTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, userID)
}

func (s *CachedStore) AddWatch(ctx context.Context, e *model.WatchlistEntry) error {
	return s.primary.AddWatch(ctx, e)
}

func (s *CachedStore) RemoveWatch(ctx context.Context, userID, ticker string) error {
	return s.primary.RemoveWatch(ctx, userID, ticker)
}

func (s *CachedStore) ListWatch(ctx context.Context, userID string) ([]model.WatchlistEntry, error) {
	return s.primary.ListWatch(ctx, userID)
}

// --- Cache helpers ---

// fillScript sets KEYS[2] only while KEYS[1] (the user's version) still
// holds ARGV[1]. A missing version compares as "".
var fillScript = redis.NewScript(`
if (redis.call("GET", KEYS[1]) or "") ~= ARGV[1] then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
else
  redis.call("SET", KEYS[2], ARGV[2])
end
return 1
`)

// version returns the user's cache version. ok is false when Redis cannot
// be read, in which case the caller must not fill.
func (s *CachedStore) version(ctx context.Context, userID string) (ver string, ok bool) {
	ver, err := s.rdb.Get(ctx, versionKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", true
	}
	return ver, err == nil
}

func (s *CachedStore) fill(ctx context.Context, userID, ver, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	keys := []string{versionKey(userID), key}
	if err := fillScript.Run(ctx, s.rdb, keys, ver, data, s.ttl.Milliseconds()).Err(); err != nil {
		slog.Warn("cache fill failed", "key", key, "err", err)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, userID string) {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, versionKey(userID))
		pipe.Del(ctx, accountKey(userID), positionsKey(userID))
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "user", userID, "err", err)
	}
}

func accountKey(uid string) string   { return fmt.Sprintf("account:%s", uid) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
func versionKey(uid string) string   { return fmt.Sprintf("ver:%s", uid) }
