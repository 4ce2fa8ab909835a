package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/http/handler"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/http/router"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/middleware"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/ratelimit"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
)

type Config struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"` // force sweep 是同步的，别设太小
	RateLimit    float64       `mapstructure:"rateLimit"`    // 每个 IP + 路由的 rps
	RateBurst    int           `mapstructure:"rateBurst"`
	Sentinel     bool          `mapstructure:"-"`
}

type Handlers struct {
	Payment *handler.Payment
	Admin   *handler.Admin
}

// NewRouter ctx 结束时限流 janitor 退出
func NewRouter(ctx context.Context, cfg Config, h Handlers) *http.Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 50
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 100
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Minute
	}

	store := ratelimit.NewStore(rate.Limit(cfg.RateLimit), cfg.RateBurst, 10*time.Minute)
	store.StartJanitor(ctx, time.Minute)

	return &http.Server{
		Addr:           cfg.Addr,
		Handler:        NewEngine(cfg, store, h),
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}
}

// NewEngine 不带 server 的 gin 引擎，单测直接用
func NewEngine(cfg Config, store *ratelimit.Store, h Handlers) *gin.Engine {
	r := gin.New()
	// 监控
	p := ginprom.NewPrometheus("payment")
	p.Use(r)

	mws := []gin.HandlerFunc{
		otelgin.Middleware("payment-engine"),
		middleware.ReqId(),
		cors.Default(),
		middleware.Recover(),
	}
	if store != nil {
		mws = append(mws, middleware.RateLimit(store))
	}
	if cfg.Sentinel {
		mws = append(mws, middleware.Sentinel())
	}
	r.Use(mws...)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	router.Payment(api, h.Payment)
	router.Admin(api, h.Admin)
	return r
}
