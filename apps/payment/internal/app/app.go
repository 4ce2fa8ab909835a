package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/config"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/app/monitor"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/core/service"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
	ghttp "github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/http"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/http/handler"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/infra/bitcoin"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/infra/explorer"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/infra/persistence"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/infra/pricefeed"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/bootstrap"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/broker"
	vipConfig "github.com/olawanle/time-machine-investment-system-sub000/pkg/config"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/hdwallet"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/influxsink"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/logger"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/metrics"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/orm"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/ratelimit"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/safe"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/trace"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/xredis"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const leaderKey = "payment:monitor:leader"

// App 组装整个支付引擎
type App struct {
	cfg   config.Config
	clock clock.Clock

	db      *gorm.DB
	rdb     *redis.Client
	bus     broker.Broker
	sink    *influxsink.Sink
	node    *bitcoin.NodeBroadcaster
	monitor *monitor.Monitor
	server  *http.Server

	closers []func(context.Context)
}

// New 加载配置；configName 为空用 payment-engine
func New(configName string, paths ...string) (*App, error) {
	if configName == "" {
		configName = "payment-engine"
	}
	var cfg config.Config
	opts := []vipConfig.Option{vipConfig.WithDefaults(config.Defaults())}
	if len(paths) > 0 {
		opts = append(opts, vipConfig.WithPaths(paths...))
	}
	if _, err := vipConfig.LoadAndWatch(configName, &cfg, opts...); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &App{cfg: cfg, clock: clock.New()}, nil
}

// Start 初始化基础设施和所有服务，返回 cleanup
func (a *App) Start(ctx context.Context) (func(), error) {
	cfg := &a.cfg
	logger.InitWithFile(cfg.Name, cfg.Log.Level, cfg.Log.File)
	metrics.MustRegister()
	safe.PanicHook = func(task string) { metrics.GoroutinePanicTotal.WithLabelValues(task).Inc() }

	cleanup := func() {
		c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for i := len(a.closers) - 1; i >= 0; i-- {
			a.closers[i](c)
		}
		logger.Sync()
	}
	if err := a.start(ctx); err != nil {
		cleanup()
		return nil, err
	}
	return cleanup, nil
}

func (a *App) onClose(fn func(context.Context)) { a.closers = append(a.closers, fn) }

func (a *App) start(ctx context.Context) error {
	cfg := &a.cfg

	shutdownTrace, err := trace.InitTrace(cfg.Name, cfg.Trace)
	if err != nil {
		return fmt.Errorf("init trace: %w", err)
	}
	a.onClose(func(c context.Context) { _ = shutdownTrace(c) })

	if err := bootstrap.InitSentinel(cfg.Sentinel); err != nil {
		return err
	}
	bootstrap.StartPprof(cfg.Pprof)

	// 钱包
	master, err := hdwallet.ParseMasterKey(cfg.Wallet.MasterPubKey)
	if err != nil {
		return err
	}
	params, err := bitcoin.NetParams(cfg.Wallet.Network)
	if err != nil {
		return err
	}
	if master.Params().Name != params.Name {
		return fmt.Errorf("master key is for %s but wallet.network is %s", master.Params().Name, params.Name)
	}
	treasury, err := btcutil.DecodeAddress(cfg.Wallet.TreasuryAddress, params)
	if err != nil || !treasury.IsForNet(params) {
		return fmt.Errorf("invalid treasury address %q for %s", cfg.Wallet.TreasuryAddress, params.Name)
	}

	// 存储
	a.db, err = orm.Open(&cfg.DB)
	if err != nil {
		return err
	}
	if err := persistence.AutoMigrate(a.db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	a.onClose(func(context.Context) { _ = sqlDB.Close() })

	var rdb redis.Cmdable
	if cfg.Redis.Enabled() {
		a.rdb, err = xredis.Open(&cfg.Redis)
		if err != nil {
			return err
		}
		rdb = a.rdb
		a.onClose(func(context.Context) { _ = a.rdb.Close() })
	}
	metrics.StartPoolCollector(ctx, sqlDB, a.rdb, 15*time.Second)

	// 外部数据源：限速 + 熔断
	breakers := ratelimit.NewManager(cfg.Breaker, nil)
	breakers.OnStateChange(func(name string, from, to gobreaker.State) {
		metrics.CBState.WithLabelValues(name).Set(float64(to))
		logger.Warn(context.Background(), "circuit breaker state changed",
			zap.String("source", name), zap.String("from", from.String()), zap.String("to", to.String()))
	})
	limiter := ratelimit.NewStore(rate.Inf, 1, 0)
	client := &http.Client{Timeout: 30 * time.Second}

	gateway, err := explorer.NewFromConfig(cfg.Explorer, client, limiter, breakers, a.clock)
	if err != nil {
		return err
	}

	var sweepSink service.SweepSink
	var priceSink pricefeed.PriceSink
	if cfg.Influx.Enabled() {
		a.sink = influxsink.New(cfg.Influx)
		sweepSink, priceSink = a.sink, a.sink
		a.onClose(func(context.Context) { a.sink.Close() })
		logger.Info(ctx, "influx sink enabled", zap.String("influx", cfg.Influx.String()))
	}

	var cache pricefeed.Cache
	if cfg.PriceFeed.Cache == "redis" {
		cache = pricefeed.NewRedisCache(rdb)
	}
	feed, err := pricefeed.New(cfg.PriceFeed.Config, pricefeed.Deps{
		Client:   client,
		Cache:    cache,
		Limiter:  limiter,
		Breakers: breakers,
		Sink:     priceSink,
		Clock:    a.clock,
	})
	if err != nil {
		return err
	}

	switch cfg.Broker.Kind {
	case "nats":
		nb, err := broker.NewNatsBroker(cfg.Broker.URL, cfg.Broker.Subject)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		a.bus = nb
	case "memory":
		a.bus = broker.NewMemBroker()
	}
	if a.bus != nil {
		a.onClose(func(context.Context) { _ = a.bus.Close() })
	}

	// 广播
	var bc domain.Broadcaster
	if cfg.Wallet.Broadcaster == "node" {
		a.node, err = bitcoin.NewNodeBroadcaster(cfg.Wallet.Node, params, gateway)
		if err != nil {
			return fmt.Errorf("connect bitcoin node: %w", err)
		}
		bc = a.node
		a.onClose(func(context.Context) { a.node.Close() })
	} else {
		bc = bitcoin.NewSimulatedBroadcaster(a.clock, cfg.Wallet.SimulatedFeeSats)
		logger.Warn(ctx, "using simulated broadcaster, sweeps are not sent to the network")
	}

	// 业务
	repo := persistence.New(a.db)
	addrSvc := service.NewAddressService(repo, repo, master)
	sweepSvc := service.NewSweepService(service.SweepDeps{
		Addresses:   addrSvc,
		Repo:        repo,
		Chain:       gateway,
		Broadcaster: bc,
		Redis:       rdb,
		Broker:      a.bus,
		Sink:        sweepSink,
		Clock:       a.clock,
	}, service.SweepConfig{
		TreasuryAddress:       cfg.Wallet.TreasuryAddress,
		RequiredConfirmations: cfg.Sweep.RequiredConfirmations,
		LockTTL:               cfg.Sweep.LockTTL,
	})
	paySvc := service.NewPaymentService(service.PaymentDeps{
		Repo:      repo,
		Addresses: addrSvc,
		Chain:     gateway,
		Price:     feed,
		Sweeper:   sweepSvc,
		Broker:    a.bus,
		Clock:     a.clock,
	}, service.PaymentConfig{
		DefaultExpiry:         cfg.Payment.DefaultExpiry,
		RequiredConfirmations: cfg.Payment.RequiredConfirmations,
		Tolerance:             cfg.PaymentTolerance(),
		SweepOnConfirm:        cfg.Payment.SweepOnConfirm,
	})
	n, err := paySvc.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore pending payments: %w", err)
	}

	var lease *xredis.LeaderLease
	if cfg.Monitor.LeaderElection {
		lease = xredis.NewLeaderLease(rdb, leaderKey, cfg.Monitor.LeaseTTL)
	}
	a.monitor = monitor.New(cfg.Monitor.Config, monitor.Deps{
		Payments:  paySvc,
		Addresses: addrSvc,
		Chain:     gateway,
		Sweeper:   sweepSvc,
		Leader:    lease,
		Clock:     a.clock,
	})

	a.server = ghttp.NewRouter(ctx, ghttp.Config{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		RateLimit:    cfg.HTTP.RateLimit,
		RateBurst:    cfg.HTTP.RateBurst,
		Sentinel:     cfg.Sentinel.Enabled,
	}, ghttp.Handlers{
		Payment: &handler.Payment{Payments: paySvc, Price: feed},
		Admin:   &handler.Admin{Addresses: addrSvc, Sweeps: sweepSvc, Monitor: a.monitor},
	})

	logger.Info(ctx, "✅ payment engine initialized",
		zap.String("network", params.Name),
		zap.String("script_type", string(master.ScriptType())),
		zap.String("treasury", cfg.Wallet.TreasuryAddress),
		zap.String("broadcaster", cfg.Wallet.Broadcaster),
		zap.Bool("redis", a.rdb != nil),
		zap.Int("restored_pending", n))
	return nil
}

// Run 阻塞到 ctx 结束
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Monitor.Enabled {
		a.monitor.Start(ctx)
		defer a.monitor.Stop()
	}
	err := bootstrap.ServeHTTP(ctx, a.server, a.cfg.HTTP.ShutdownTimeout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
