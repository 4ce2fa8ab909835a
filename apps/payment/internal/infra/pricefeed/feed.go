package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/influxsink"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/logger"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/metrics"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/ratelimit"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const metricKind = "price"

const (
	DefaultTTL         = 5 * time.Minute
	DefaultFallbackTTL = 30 * time.Second
)

type Config struct {
	TTL            time.Duration     `mapstructure:"ttl"`
	FallbackTTL    time.Duration     `mapstructure:"fallbackTtl"` // 兜底报价的缓存时间，不超过 TTL
	RequestTimeout time.Duration     `mapstructure:"requestTimeout"`
	FloorPrices    map[string]string `mapstructure:"floorPrices"` // 所有源都挂且没有历史价时的兜底价
	Sources        []SourceConfig    `mapstructure:"sources"`
}

// PriceSink 每次成功回源的价格落到时序库，可为 nil
type PriceSink interface {
	WritePrice(p influxsink.PricePoint)
}

// Feed 多源价格聚合：缓存 -> 按优先级回源 -> last-known-good -> 兜底价。永远不返回 error
type Feed struct {
	sources  []Source
	cache    Cache
	limiter  *ratelimit.Store
	breakers *ratelimit.Manager
	sink     PriceSink
	clock    clock.Clock

	ttl         time.Duration
	fallbackTTL time.Duration
	timeout     time.Duration
	floors  map[string]decimal.Decimal

	sf singleflight.Group
}

var _ domain.PriceFeed = (*Feed)(nil)

type Deps struct {
	Client   *http.Client
	Cache    Cache // nil 用内存缓存
	Limiter  *ratelimit.Store
	Breakers *ratelimit.Manager
	Sink     PriceSink
	Clock    clock.Clock
}

func New(cfg Config, deps Deps) (*Feed, error) {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	f := &Feed{
		cache:    deps.Cache,
		limiter:  deps.Limiter,
		breakers: deps.Breakers,
		sink:     deps.Sink,
		clock:    clk,
		ttl:         cfg.TTL,
		fallbackTTL: cfg.FallbackTTL,
		timeout:     cfg.RequestTimeout,
		floors:   make(map[string]decimal.Decimal),
	}
	if f.cache == nil {
		f.cache = NewMemoryCache(clk)
	}
	if f.limiter == nil {
		f.limiter = ratelimit.NewStore(rate.Inf, 1, 0)
	}
	if f.breakers == nil {
		f.breakers = ratelimit.NewManager(ratelimit.Rule{}, nil)
	}
	if f.ttl <= 0 {
		f.ttl = DefaultTTL
	}
	if f.fallbackTTL <= 0 {
		f.fallbackTTL = DefaultFallbackTTL
	}
	if f.fallbackTTL > f.ttl {
		f.fallbackTTL = f.ttl
	}
	if f.timeout <= 0 {
		f.timeout = 5 * time.Second
	}

	floors := cfg.FloorPrices
	if len(floors) == 0 {
		floors = map[string]string{"USD": "50000"}
	}
	for cur, s := range floors {
		d, err := decimal.NewFromString(s)
		if err != nil || !d.IsPositive() {
			return nil, fmt.Errorf("invalid floor price %q for %s", s, cur)
		}
		f.floors[strings.ToUpper(cur)] = d
	}

	scs := cfg.Sources
	if len(scs) == 0 {
		scs = DefaultSources()
	}
	for _, sc := range scs {
		src, ok := NewSource(sc, deps.Client)
		if !ok {
			return nil, fmt.Errorf("unknown price source kind %q for %q", sc.Kind, sc.Name)
		}
		if sc.Rate > 0 {
			burst := sc.Burst
			if burst <= 0 {
				burst = 1
			}
			f.limiter.SetLimit(limiterKey(sc.Name), rate.Limit(sc.Rate), burst)
		}
		f.sources = append(f.sources, src)
	}
	return f, nil
}

func limiterKey(source string) string { return "price:" + source }

// GetCurrentPrice 1 BTC 的法币价格
func (f *Feed) GetCurrentPrice(ctx context.Context, currency string) domain.PriceQuote {
	cur := strings.ToUpper(strings.TrimSpace(currency))
	if cur == "" {
		cur = "USD"
	}
	if q, ok := f.cache.Get(ctx, cur); ok {
		return q
	}

	// 缓存失效时同一币种只回源一次；用独立 ctx，避免第一个调用方取消连累其它等待者
	v, _, _ := f.sf.Do(cur, func() (interface{}, error) {
		if q, ok := f.cache.Get(ctx, cur); ok {
			return q, nil
		}
		return f.refresh(context.WithoutCancel(ctx), cur), nil
	})
	return v.(domain.PriceQuote)
}

func (f *Feed) refresh(ctx context.Context, cur string) domain.PriceQuote {
	var errs []error
	for _, src := range f.sources {
		price, err := f.fetchOne(ctx, src, cur)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		q := domain.PriceQuote{
			Currency:  cur,
			Price:     price,
			Source:    src.Name(),
			FetchedAt: f.clock.Now(),
		}
		f.cache.Set(ctx, q, f.ttl)
		if f.sink != nil {
			f.sink.WritePrice(influxsink.PricePoint{
				Currency: cur,
				Source:   q.Source,
				Price:    price.InexactFloat64(),
				At:       q.FetchedAt,
			})
		}
		return q
	}

	cause := errors.Join(errs...)
	if lg, ok := f.cache.LastGood(ctx, cur); ok {
		lg.Stale = true
		lg.Warning = "all price sources failed, using last known price"
		metrics.PriceFallbackTotal.WithLabelValues("last_good").Inc()
		logger.Warn(ctx, "price sources down, serving last known good",
			zap.String("currency", cur),
			zap.String("price", lg.Price.String()),
			zap.Time("fetched_at", lg.FetchedAt),
			zap.Error(cause))
		f.cache.SetSpot(ctx, lg, f.fallbackTTL)
		return lg
	}

	q := domain.PriceQuote{
		Currency:  cur,
		Price:     f.floors[cur],
		Source:    "floor",
		FetchedAt: f.clock.Now(),
		Stale:     true,
		Fallback:  true,
		Warning:   "all price sources failed, using configured floor price",
	}
	if !q.Price.IsPositive() {
		q.Price = decimal.Zero
		q.Warning = "all price sources failed and no floor price configured"
	}
	metrics.PriceFallbackTotal.WithLabelValues("floor").Inc()
	logger.Warn(ctx, "price sources down, serving floor price",
		zap.String("currency", cur),
		zap.String("price", q.Price.String()),
		zap.Error(cause))
	f.cache.SetSpot(ctx, q, f.fallbackTTL)
	return q
}

func (f *Feed) fetchOne(ctx context.Context, src Source, cur string) (decimal.Decimal, error) {
	name := src.Name()
	if err := f.limiter.Wait(ctx, limiterKey(name)); err != nil {
		return decimal.Zero, err
	}

	var price decimal.Decimal
	start := time.Now()
	err := f.breakers.Do(metricKind+":"+name, func() error {
		cctx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		p, err := src.Fetch(cctx, cur)
		if err != nil {
			return err
		}
		if !p.IsPositive() {
			return fmt.Errorf("non-positive price %s", p.String())
		}
		price = p
		return nil
	})
	metrics.SourceLatency.WithLabelValues(metricKind, name).Observe(time.Since(start).Seconds())

	result := "ok"
	switch {
	case err == nil:
	case ratelimit.IsOpen(err):
		result = "breaker_open"
	default:
		result = "error"
	}
	metrics.SourceRequestTotal.WithLabelValues(metricKind, name, result).Inc()
	return price, err
}
