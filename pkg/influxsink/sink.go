package influxsink

import (
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/logger"
	"go.uber.org/zap"
)

type Config struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`

	// 写入优化项
	BatchSize     uint          `mapstructure:"batchSize"`
	FlushInterval time.Duration `mapstructure:"flushInterval"`
	UseGzip       bool          `mapstructure:"useGzip"`
}

func (c Config) Enabled() bool { return c.URL != "" }

// PricePoint 一次成功的报价
type PricePoint struct {
	Currency string
	Source   string
	Price    float64
	At       time.Time
}

// SweepPoint 一次归集结果
type SweepPoint struct {
	Address    string
	Status     string // pending / confirmed / failed
	AmountSats int64
	At         time.Time
}

type Sink struct {
	client influxdb2.Client
	write  api.WriteAPI
}

func New(cfg Config) *Sink {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	opt := influxdb2.DefaultOptions().
		SetBatchSize(cfg.BatchSize).
		SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())).
		SetUseGZip(cfg.UseGzip)

	c := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opt)
	w := c.WriteAPI(cfg.Org, cfg.Bucket)

	// 必须消费 Errors()，否则异步写入错误可能导致阻塞
	go func() {
		for err := range w.Errors() {
			logger.Log.Warn("influx write error", zap.Error(err))
		}
	}()

	return &Sink{client: c, write: w}
}

// Close 会 flush buffer
func (s *Sink) Close() {
	s.write.Flush()
	s.client.Close()
}

func (s *Sink) WritePrice(p PricePoint) {
	// tags 用于筛选与分组；注意 tag cardinality，地址不要做 tag 以外的高基数字段
	pt := write.NewPoint("btc_price",
		map[string]string{"currency": p.Currency, "source": p.Source},
		map[string]interface{}{"price": p.Price},
		p.At)
	s.write.WritePoint(pt)
}

func (s *Sink) WriteSweep(p SweepPoint) {
	pt := write.NewPoint("sweep",
		map[string]string{"status": p.Status},
		map[string]interface{}{"amount_sats": p.AmountSats, "address": p.Address},
		p.At)
	s.write.WritePoint(pt)
}

func (cfg Config) String() string {
	return fmt.Sprintf("url=%s org=%s bucket=%s batch=%d flush=%s gzip=%v",
		cfg.URL, cfg.Org, cfg.Bucket, cfg.BatchSize, cfg.FlushInterval, cfg.UseGzip)
}
