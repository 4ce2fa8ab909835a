package explorer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/logger"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/metrics"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/ratelimit"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/xerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const metricKind = "explorer"

type Config struct {
	Network        string         `mapstructure:"network"`        // mainnet / testnet
	RequestTimeout time.Duration  `mapstructure:"requestTimeout"` // 单次请求超时
	Sources        []SourceConfig `mapstructure:"sources"`        // 为空用 DefaultSources
}

// Gateway 按优先级依次尝试各个 explorer，全部失败才返回 ChainUnavailable
type Gateway struct {
	sources  []Source
	limiter  *ratelimit.Store
	breakers *ratelimit.Manager
	timeout  time.Duration
	tracer   trace.Tracer
}

var _ domain.ChainGateway = (*Gateway)(nil)

// New sources 的顺序就是优先级
func New(sources []Source, limiter *ratelimit.Store, breakers *ratelimit.Manager, timeout time.Duration) *Gateway {
	if limiter == nil {
		limiter = ratelimit.NewStore(rate.Inf, 1, 0)
	}
	if breakers == nil {
		breakers = ratelimit.NewManager(ratelimit.Rule{}, nil)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		sources:  sources,
		limiter:  limiter,
		breakers: breakers,
		timeout:  timeout,
		tracer:   otel.Tracer("payment/explorer"),
	}
}

// NewFromConfig 按配置组装 sources，并给每个 source 设置独立的限速
func NewFromConfig(cfg Config, client *http.Client, limiter *ratelimit.Store, breakers *ratelimit.Manager, clk clock.Clock) (*Gateway, error) {
	if limiter == nil {
		limiter = ratelimit.NewStore(rate.Inf, 1, 0)
	}
	scs := cfg.Sources
	if len(scs) == 0 {
		scs = DefaultSources(cfg.Network)
	}
	sources := make([]Source, 0, len(scs))
	for _, sc := range scs {
		src, ok := NewSource(sc, client, clk)
		if !ok {
			return nil, fmt.Errorf("unknown explorer kind %q for source %q", sc.Kind, sc.Name)
		}
		if sc.Rate > 0 {
			burst := sc.Burst
			if burst <= 0 {
				burst = 1
			}
			limiter.SetLimit(limiterKey(sc.Name), rate.Limit(sc.Rate), burst)
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		return nil, errors.New("no explorer sources configured")
	}
	return New(sources, limiter, breakers, cfg.RequestTimeout), nil
}

func limiterKey(source string) string { return "explorer:" + source }

func (g *Gateway) GetAddressTransactions(ctx context.Context, address string) ([]domain.ChainTransaction, error) {
	return try(ctx, g, "address_txs", func(ctx context.Context, s Source) ([]domain.ChainTransaction, error) {
		return s.AddressTransactions(ctx, address)
	})
}

func (g *Gateway) GetAddressBalance(ctx context.Context, address string) (domain.AddressBalance, error) {
	return try(ctx, g, "address_balance", func(ctx context.Context, s Source) (domain.AddressBalance, error) {
		return s.AddressBalance(ctx, address)
	})
}

func (g *Gateway) GetTransactionConfirmations(ctx context.Context, txHash string) (int64, error) {
	return try(ctx, g, "tx_confirmations", func(ctx context.Context, s Source) (int64, error) {
		return s.TxConfirmations(ctx, txHash)
	})
}

func (g *Gateway) GetAddressUTXOs(ctx context.Context, address string) ([]domain.UTXO, error) {
	return try(ctx, g, "address_utxos", func(ctx context.Context, s Source) ([]domain.UTXO, error) {
		return s.AddressUTXOs(ctx, address)
	})
}

func (g *Gateway) GetTipHeight(ctx context.Context) (int64, error) {
	return try(ctx, g, "tip_height", func(ctx context.Context, s Source) (int64, error) {
		return s.TipHeight(ctx)
	})
}

// try 依次调用每个 source：限速 -> 熔断 -> 超时。
// 所有 source 都是 404 时返回 RecordNotFound，否则返回 ChainUnavailable
func try[T any](ctx context.Context, g *Gateway, op string, fn func(ctx context.Context, s Source) (T, error)) (T, error) {
	var zero T
	var lastErr error
	allNotFound := true

	for _, src := range g.sources {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		name := src.Name()

		out, err := callOne(ctx, g, op, src, fn)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return zero, err
		}

		lastErr = err
		if !xerr.IsCode(err, xerr.RecordNotFound) {
			allNotFound = false
		}
		logger.Warn(ctx, "explorer source failed, falling back",
			zap.String("op", op),
			zap.String("source", name),
			zap.Error(err))
	}

	if lastErr == nil {
		lastErr = errors.New("no explorer sources")
		allNotFound = false
	}
	if allNotFound {
		return zero, lastErr
	}
	return zero, xerr.Wrap(lastErr, xerr.ChainUnavailable, "all chain data sources failed")
}

// callOne 单个 source 的一次调用，带 span 和 metrics
func callOne[T any](ctx context.Context, g *Gateway, op string, src Source, fn func(ctx context.Context, s Source) (T, error)) (T, error) {
	var out T
	name := src.Name()

	ctx, span := g.tracer.Start(ctx, "explorer."+op, trace.WithAttributes(
		attribute.String("explorer.source", name),
	))
	defer span.End()

	if err := g.limiter.Wait(ctx, limiterKey(name)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate limited")
		return out, err
	}

	start := time.Now()
	err := g.breakers.Do(name, func() error {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		var err error
		out, err = fn(cctx, src)
		return err
	})
	metrics.SourceLatency.WithLabelValues(metricKind, name).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.SourceRequestTotal.WithLabelValues(metricKind, name, "ok").Inc()
	case ratelimit.IsOpen(err):
		metrics.SourceRequestTotal.WithLabelValues(metricKind, name, "breaker_open").Inc()
	case xerr.IsCode(err, xerr.RecordNotFound):
		metrics.SourceRequestTotal.WithLabelValues(metricKind, name, "not_found").Inc()
	default:
		metrics.SourceRequestTotal.WithLabelValues(metricKind, name, "error").Inc()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var zero T
		return zero, err
	}
	return out, nil
}
