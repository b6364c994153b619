package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/ledger"
	"github.com/atmx/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
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

func (s *CachedStore) SaveBatch(ctx context.Context, b *ledger.Batch) error {
	if err := s.primary.SaveBatch(ctx, b); err != nil {
		return err
	}
	// A failed invalidation only leaves entries to expire with the TTL.
	if keys := invalidations(b); len(keys) > 0 {
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			slog.Warn("cache invalidation failed", "keys", len(keys), "err", err)
		}
	}
	return nil
}

func (s *CachedStore) Load(ctx context.Context) (*ledger.Batch, error) {
	return s.primary.Load(ctx)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return readThrough(ctx, s, marketKey(id), func() (*model.Market, error) {
		return s.primary.GetMarket(ctx, id)
	})
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return readThrough(ctx, s, marketsKey, func() ([]model.Market, error) {
		return s.primary.ListMarkets(ctx)
	})
}

func (s *CachedStore) GetPool(ctx context.Context, marketID string) (*model.PoolAmounts, error) {
	return readThrough(ctx, s, poolKey(marketID), func() (*model.PoolAmounts, error) {
		return s.primary.GetPool(ctx, marketID)
	})
}

func (s *CachedStore) GetAccountPositions(ctx context.Context, account string) ([]model.Position, error) {
	return readThrough(ctx, s, positionsKey(account), func() ([]model.Position, error) {
		return s.primary.GetAccountPositions(ctx, account)
	})
}

func (s *CachedStore) GetAccountOrders(ctx context.Context, account string) ([]model.Order, error) {
	return readThrough(ctx, s, ordersKey(account), func() ([]model.Order, error) {
		return s.primary.GetAccountOrders(ctx, account)
	})
}

func (s *CachedStore) GetBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	return readThrough(ctx, s, balanceKey(account), func() (decimal.Decimal, error) {
		return s.primary.GetBalance(ctx, account)
	})
}

// --- Cache helpers ---

func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func() (T, error)) (T, error) {
	// Try cache.
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return v, nil
		}
	}

	// Cache miss: read from primary.
	v, err := load()
	if err != nil {
		return v, err
	}
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return v, nil
}

// invalidations lists the cache keys a batch makes stale.
func invalidations(b *ledger.Batch) []string {
	seen := make(map[string]bool)
	var keys []string
	add := func(k string) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, m := range b.Markets {
		add(marketKey(m.ID))
		add(marketsKey)
	}
	for _, p := range b.Pools {
		add(poolKey(p.MarketID))
	}
	for _, p := range b.Positions {
		add(positionsKey(p.Account))
	}
	for _, p := range b.ClosedPositions {
		add(positionsKey(p.Account))
	}
	for _, o := range b.Orders {
		add(ordersKey(o.Account))
	}
	for _, bal := range b.Balances {
		add(balanceKey(bal.Account))
	}
	return keys
}

const marketsKey = "markets"

func marketKey(id string) string      { return fmt.Sprintf("market:%s", id) }
func poolKey(id string) string        { return fmt.Sprintf("pool:%s", id) }
func positionsKey(acct string) string { return fmt.Sprintf("positions:%s", acct) }
func ordersKey(acct string) string    { return fmt.Sprintf("orders:%s", acct) }
func balanceKey(acct string) string   { return fmt.Sprintf("balance:%s", acct) }
