package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/app/monitor"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/infra/bitcoin"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/infra/explorer"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/infra/pricefeed"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/bootstrap"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/influxsink"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/orm"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/ratelimit"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/trace"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/xredis"
	"github.com/shopspring/decimal"
)

// Config 对应 config/payment-engine.yaml
type Config struct {
	Name      string                `mapstructure:"name"`
	Log       LogConfig             `mapstructure:"log"`
	HTTP      HTTPConfig            `mapstructure:"http"`
	Pprof     string                `mapstructure:"pprof"` // 为空不开
	DB        orm.Config            `mapstructure:"db"`
	Redis     xredis.Config         `mapstructure:"redis"` // addr 为空就是单实例模式
	Trace     trace.Config          `mapstructure:"trace"`
	Influx    influxsink.Config     `mapstructure:"influx"`
	Broker    BrokerConfig          `mapstructure:"broker"`
	Sentinel  bootstrap.SentinelCfg `mapstructure:"sentinel"`
	Breaker   ratelimit.Rule        `mapstructure:"breaker"` // explorer / 价格源共用的默认熔断规则
	Wallet    WalletConfig          `mapstructure:"wallet"`
	Payment   PaymentConfig         `mapstructure:"payment"`
	Sweep     SweepConfig           `mapstructure:"sweep"`
	Explorer  explorer.Config       `mapstructure:"explorer"`
	PriceFeed PriceFeedConfig       `mapstructure:"priceFeed"`
	Monitor   MonitorConfig         `mapstructure:"monitor"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	RateLimit       float64       `mapstructure:"rateLimit"`
	RateBurst       int           `mapstructure:"rateBurst"`
}

type BrokerConfig struct {
	Kind    string `mapstructure:"kind"` // nats / memory / 空（不发事件）
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"` // NATS subject 前缀，默认服务名
}

type WalletConfig struct {
	Network         string `mapstructure:"network"`      // mainnet / testnet / regtest
	MasterPubKey    string `mapstructure:"masterPubKey"` // 账户级 xpub/ypub/zpub
	TreasuryAddress string `mapstructure:"treasuryAddress"`
	// Broadcaster simulated / node
	Broadcaster      string             `mapstructure:"broadcaster"`
	SimulatedFeeSats int64              `mapstructure:"simulatedFeeSats"`
	Node             bitcoin.NodeConfig `mapstructure:"node"`
}

type PaymentConfig struct {
	DefaultExpiry         time.Duration `mapstructure:"defaultExpiry"`
	RequiredConfirmations int64         `mapstructure:"requiredConfirmations"`
	Tolerance             string        `mapstructure:"tolerance"` // 0.02 = ±2%
	SweepOnConfirm        bool          `mapstructure:"sweepOnConfirm"`
}

type SweepConfig struct {
	RequiredConfirmations int64         `mapstructure:"requiredConfirmations"`
	LockTTL               time.Duration `mapstructure:"lockTtl"`
}

type PriceFeedConfig struct {
	pricefeed.Config `mapstructure:",squash"`
	Cache            string `mapstructure:"cache"` // memory / redis
}

type MonitorConfig struct {
	monitor.Config `mapstructure:",squash"`
	Enabled        bool          `mapstructure:"enabled"`
	LeaderElection bool          `mapstructure:"leaderElection"`
	LeaseTTL       time.Duration `mapstructure:"leaseTtl"`
}

// Defaults 没有配置文件时也能用默认值 + 环境变量跑起来
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"name":                          "payment-engine",
		"log.level":                     "info",
		"http.addr":                     ":8080",
		"db.driver":                     "sqlite",
		"db.dsn":                        "file:payment.db?_busy_timeout=5000",
		"wallet.network":                "mainnet",
		"wallet.masterPubKey":           "",
		"wallet.treasuryAddress":        "",
		"wallet.broadcaster":            "simulated",
		"payment.defaultExpiry":         "15m",
		"payment.requiredConfirmations": 1,
		"payment.tolerance":             "0.02",
		"payment.sweepOnConfirm":        true,
		"monitor.enabled":               true,
		"monitor.interval":              "30s",
		"monitor.sweepDelay":            "1s",
		"priceFeed.ttl":                 "5m",
		"priceFeed.fallbackTtl":         "30s",
	}
}

// Normalize 补默认值并校验必填项
func (c *Config) Normalize() error {
	if c.Name == "" {
		c.Name = "payment-engine"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}

	c.Wallet.MasterPubKey = strings.TrimSpace(c.Wallet.MasterPubKey)
	c.Wallet.TreasuryAddress = strings.TrimSpace(c.Wallet.TreasuryAddress)
	if c.Wallet.MasterPubKey == "" {
		return errors.New("wallet.masterPubKey is required")
	}
	if c.Wallet.TreasuryAddress == "" {
		return errors.New("wallet.treasuryAddress is required")
	}
	if c.Wallet.Network == "" {
		c.Wallet.Network = "mainnet"
	}
	switch strings.ToLower(c.Wallet.Broadcaster) {
	case "":
		c.Wallet.Broadcaster = "simulated"
	case "simulated", "node":
		c.Wallet.Broadcaster = strings.ToLower(c.Wallet.Broadcaster)
	default:
		return fmt.Errorf("wallet.broadcaster must be simulated or node, got %q", c.Wallet.Broadcaster)
	}
	if c.Wallet.Broadcaster == "node" && c.Wallet.Node.Host == "" {
		return errors.New("wallet.node.host is required for the node broadcaster")
	}
	if c.Explorer.Network == "" {
		c.Explorer.Network = c.Wallet.Network
	}

	if c.Payment.DefaultExpiry <= 0 {
		c.Payment.DefaultExpiry = 15 * time.Minute
	}
	if c.Payment.RequiredConfirmations <= 0 {
		c.Payment.RequiredConfirmations = 1
	}
	if c.Payment.Tolerance == "" {
		c.Payment.Tolerance = "0.02"
	}
	tol, err := decimal.NewFromString(c.Payment.Tolerance)
	if err != nil || tol.IsNegative() || tol.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("payment.tolerance must be in [0, 1), got %q", c.Payment.Tolerance)
	}

	if c.Sweep.RequiredConfirmations <= 0 {
		c.Sweep.RequiredConfirmations = 1
	}
	if c.Sweep.LockTTL <= 0 {
		c.Sweep.LockTTL = 2 * time.Minute
	}

	switch strings.ToLower(c.PriceFeed.Cache) {
	case "", "memory":
		c.PriceFeed.Cache = "memory"
	case "redis":
		c.PriceFeed.Cache = "redis"
		if !c.Redis.Enabled() {
			return errors.New("priceFeed.cache=redis needs redis.addr")
		}
	default:
		return fmt.Errorf("priceFeed.cache must be memory or redis, got %q", c.PriceFeed.Cache)
	}

	if c.Monitor.LeaderElection && !c.Redis.Enabled() {
		return errors.New("monitor.leaderElection needs redis.addr")
	}
	if c.Monitor.LeaseTTL <= 0 {
		c.Monitor.LeaseTTL = 3 * c.monitorInterval()
	}

	c.Broker.Kind = strings.ToLower(c.Broker.Kind)
	switch c.Broker.Kind {
	case "", "memory":
	case "nats":
		if c.Broker.URL == "" {
			return errors.New("broker.url is required for nats")
		}
		if c.Broker.Subject == "" {
			c.Broker.Subject = c.Name
		}
	default:
		return fmt.Errorf("broker.kind must be nats or memory, got %q", c.Broker.Kind)
	}
	return nil
}

// PaymentTolerance Normalize 之后调用
func (c *Config) PaymentTolerance() decimal.Decimal {
	return decimal.RequireFromString(c.Payment.Tolerance)
}

func (c *Config) monitorInterval() time.Duration {
	if c.Monitor.Interval > 0 {
		return c.Monitor.Interval
	}
	return monitor.DefaultInterval
}
