package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"runtime"
	"strings"
	"time"

	sentinels "github.com/alibaba/sentinel-golang/api"
	"github.com/alibaba/sentinel-golang/core/flow"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/logger"
	"go.uber.org/zap"
)

// SentinelCfg HTTP 入口流控规则
type SentinelCfg struct {
	Enabled bool       `mapstructure:"enabled"`
	Rules   []FlowRule `mapstructure:"rules"`
}

type FlowRule struct {
	Resource       string  `mapstructure:"resource"` // METHOD:/route
	Threshold      float64 `mapstructure:"threshold"`
	StatIntervalMs uint32  `mapstructure:"statIntervalMs"`
	Control        string  `mapstructure:"control"` // reject / throttling
	MaxQueueWaitMs uint32  `mapstructure:"maxQueueWaitMs"`
}

// InitSentinel 初始化 sentinel 并加载流控规则；未启用时什么都不做
func InitSentinel(sc SentinelCfg) error {
	if !sc.Enabled {
		return nil
	}
	if err := sentinels.InitDefault(); err != nil {
		return fmt.Errorf("init sentinel: %w", err)
	}

	var flowRules []*flow.Rule
	for _, rule := range sc.Rules {
		if rule.Resource == "" {
			continue
		}
		r := &flow.Rule{
			Resource:               rule.Resource,
			Threshold:              rule.Threshold,
			StatIntervalInMs:       rule.StatIntervalMs,
			TokenCalculateStrategy: flow.Direct,
			ControlBehavior:        flow.Reject,
		}
		if strings.ToLower(rule.Control) == "throttling" {
			r.ControlBehavior = flow.Throttling
			r.MaxQueueingTimeMs = rule.MaxQueueWaitMs
		}
		flowRules = append(flowRules, r)
	}
	if len(flowRules) > 0 {
		if _, err := flow.LoadRules(flowRules); err != nil {
			return fmt.Errorf("load flow rules: %w", err)
		}
	}
	logger.Info(context.Background(), "sentinel flow rules loaded", zap.Int("rules", len(flowRules)))
	return nil
}

// StartPprof 独立端口暴露 pprof，addr 为空不启动
func StartPprof(addr string) {
	if addr == "" {
		return
	}
	runtime.SetMutexProfileFraction(10)
	runtime.SetBlockProfileRate(10000)

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}

	go func() {
		logger.Info(context.Background(), "pprof listening", zap.String("addr", srv.Addr))
		if e := srv.ListenAndServe(); e != nil && !errors.Is(e, http.ErrServerClosed) {
			logger.Warn(context.Background(), "pprof listen error", zap.Error(e))
		}
	}()
}

// ServeHTTP 启动 http server，ctx 结束后优雅关闭
func ServeHTTP(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	c, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(c)
}
