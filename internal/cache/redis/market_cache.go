package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

// DefaultMarketTTL bounds how stale a cached market snapshot can be.
const DefaultMarketTTL = time.Minute

// MarketCache implements domain.MarketCache with JSON strings.
//
// Key schema:
//
//	tokenledger:market:{id} - JSON encoded domain.Market
type MarketCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewMarketCache creates a MarketCache. A non-positive ttl uses
// DefaultMarketTTL.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = DefaultMarketTTL
	}
	return &MarketCache{rdb: c.Underlying(), ttl: ttl}
}

func marketKey(id string) string { return keyPrefix + "market:" + id }

// Set stores a market snapshot.
func (mc *MarketCache) Set(ctx context.Context, market domain.Market) error {
	data, err := json.Marshal(market)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", market.ID, err)
	}
	if err := mc.rdb.Set(ctx, marketKey(market.ID), data, mc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set market %s: %w", market.ID, err)
	}
	return nil
}

// Get returns domain.ErrNotFound on a cache miss.
func (mc *MarketCache) Get(ctx context.Context, id string) (domain.Market, error) {
	data, err := mc.rdb.Get(ctx, marketKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Market{}, fmt.Errorf("redis: market %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("redis: get market %s: %w", id, err)
	}

	var market domain.Market
	if err := json.Unmarshal(data, &market); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %s: %w", id, err)
	}
	return market, nil
}

func (mc *MarketCache) Invalidate(ctx context.Context, id string) error {
	if err := mc.rdb.Del(ctx, marketKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", id, err)
	}
	return nil
}

var _ domain.MarketCache = (*MarketCache)(nil)

// CachedMarkets is a cache-aside domain.MarketProvider. Cache failures fall
// through to the source.
type CachedMarkets struct {
	cache  domain.MarketCache
	source domain.MarketProvider
}

// NewCachedMarkets wraps source with cache.
func NewCachedMarkets(cache domain.MarketCache, source domain.MarketProvider) *CachedMarkets {
	return &CachedMarkets{cache: cache, source: source}
}

func (c *CachedMarkets) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	if m, err := c.cache.Get(ctx, id); err == nil {
		return m, nil
	}
	m, err := c.source.GetMarket(ctx, id)
	if err != nil {
		return domain.Market{}, err
	}
	_ = c.cache.Set(ctx, m)
	return m, nil
}

// Forget drops a market so the next read goes to the source. Settlement
// calls it after a market changes state.
func (c *CachedMarkets) Forget(ctx context.Context, id string) error {
	return c.cache.Invalidate(ctx, id)
}

var _ domain.MarketProvider = (*CachedMarkets)(nil)
