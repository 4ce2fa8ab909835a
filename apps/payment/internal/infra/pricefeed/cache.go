package pricefeed

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/logger"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
)

// Cache 报价缓存；LastGood 没有过期时间，所有源都挂了时兜底
type Cache interface {
	Get(ctx context.Context, currency string) (domain.PriceQuote, bool)
	Set(ctx context.Context, q domain.PriceQuote, ttl time.Duration)
	// SetSpot 只写短期缓存，不动 last-known-good（兜底报价用）
	SetSpot(ctx context.Context, q domain.PriceQuote, ttl time.Duration)
	LastGood(ctx context.Context, currency string) (domain.PriceQuote, bool)
}

type memEntry struct {
	quote     domain.PriceQuote
	expiresAt time.Time
}

// MemoryCache 单实例部署用
type MemoryCache struct {
	clock clock.Clock

	mu   sync.RWMutex
	spot map[string]memEntry
	last map[string]domain.PriceQuote
}

func NewMemoryCache(clk clock.Clock) *MemoryCache {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryCache{
		clock: clk,
		spot:  make(map[string]memEntry),
		last:  make(map[string]domain.PriceQuote),
	}
}

func (c *MemoryCache) Get(_ context.Context, currency string) (domain.PriceQuote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.spot[currency]
	if !ok || !c.clock.Now().Before(e.expiresAt) {
		return domain.PriceQuote{}, false
	}
	return e.quote, true
}

func (c *MemoryCache) Set(_ context.Context, q domain.PriceQuote, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spot[q.Currency] = memEntry{quote: q, expiresAt: c.clock.Now().Add(ttl)}
	c.last[q.Currency] = q
}

func (c *MemoryCache) SetSpot(_ context.Context, q domain.PriceQuote, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spot[q.Currency] = memEntry{quote: q, expiresAt: c.clock.Now().Add(ttl)}
}

func (c *MemoryCache) LastGood(_ context.Context, currency string) (domain.PriceQuote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.last[currency]
	return q, ok
}

const (
	redisSpotPrefix = "price:spot:"
	redisLastPrefix = "price:last:"
)

// RedisCache 多实例共享报价，减少对外请求
type RedisCache struct {
	rdb redis.Cmdable
}

func NewRedisCache(rdb redis.Cmdable) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, currency string) (domain.PriceQuote, bool) {
	return c.load(ctx, redisSpotPrefix+currency)
}

func (c *RedisCache) LastGood(ctx context.Context, currency string) (domain.PriceQuote, bool) {
	return c.load(ctx, redisLastPrefix+currency)
}

func (c *RedisCache) Set(ctx context.Context, q domain.PriceQuote, ttl time.Duration) {
	c.write(ctx, q, ttl, true)
}

func (c *RedisCache) SetSpot(ctx context.Context, q domain.PriceQuote, ttl time.Duration) {
	c.write(ctx, q, ttl, false)
}

func (c *RedisCache) write(ctx context.Context, q domain.PriceQuote, ttl time.Duration, withLast bool) {
	b, err := json.Marshal(q)
	if err != nil {
		logger.Warn(ctx, "marshal price quote failed", zap.Error(err))
		return
	}
	// TTL 加 10% 以内的抖动，避免多个实例同时回源
	if ttl > 0 {
		ttl += time.Duration(rand.Int63n(int64(ttl)/10 + 1))
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, redisSpotPrefix+q.Currency, b, ttl)
	if withLast {
		pipe.Set(ctx, redisLastPrefix+q.Currency, b, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn(ctx, "write price cache failed", zap.String("currency", q.Currency), zap.Error(err))
	}
}

func (c *RedisCache) load(ctx context.Context, key string) (domain.PriceQuote, bool) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warn(ctx, "read price cache failed", zap.String("key", key), zap.Error(err))
		}
		return domain.PriceQuote{}, false
	}
	var q domain.PriceQuote
	if err := json.Unmarshal(b, &q); err != nil {
		logger.Warn(ctx, "decode price cache failed", zap.String("key", key), zap.Error(err))
		return domain.PriceQuote{}, false
	}
	return q, true
}
