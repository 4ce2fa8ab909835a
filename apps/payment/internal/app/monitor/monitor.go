package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/core/service"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/logger"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/metrics"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/safe"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/xredis"
	"go.uber.org/zap"
)

const (
	DefaultInterval   = 30 * time.Second
	DefaultSweepDelay = time.Second

	TriggerTimer = "timer"
	TriggerForce = "force"
)

type Config struct {
	Interval time.Duration `mapstructure:"interval"`
	// SweepDelay 两次归集之间的间隔，给 explorer 限速留余量；负数表示不等
	SweepDelay time.Duration `mapstructure:"sweepDelay"`
}

type PaymentVerifier interface {
	VerifyAllPending(ctx context.Context) service.VerifySummary
}

type AddressLister interface {
	ListAddresses(ctx context.Context) ([]*domain.DerivedAddress, error)
}

type BalanceReader interface {
	GetAddressBalance(ctx context.Context, address string) (domain.AddressBalance, error)
}

type Sweeper interface {
	Sweep(ctx context.Context, address string) (*service.SweepResult, error)
	ConfirmSweeps(ctx context.Context) (int, error)
	InFlight() []string
	IsInFlight(address string) bool
}

type Deps struct {
	Payments  PaymentVerifier // 可为 nil
	Addresses AddressLister
	Chain     BalanceReader
	Sweeper   Sweeper
	Leader    *xredis.LeaderLease // 可为 nil，单实例部署不需要
	Clock     clock.Clock
}

// PassReport 一轮巡检的结果
type PassReport struct {
	Trigger         string                 `json:"trigger"`
	StartedAt       time.Time              `json:"startedAt"`
	Duration        time.Duration          `json:"duration"`
	Verify          service.VerifySummary  `json:"verify"`
	Checked         int                    `json:"checked"`
	Skipped         int                    `json:"skipped"`
	Swept           int                    `json:"swept"`
	Failed          int                    `json:"failed"`
	ConfirmedSweeps int                    `json:"confirmedSweeps"`
	Results         []*service.SweepResult `json:"results,omitempty"`
}

type Status struct {
	Active            bool          `json:"active"`
	InFlight          int           `json:"inFlight"`
	InFlightAddresses []string      `json:"inFlightAddresses"`
	Interval          time.Duration `json:"interval"`
	LastRunAt         *time.Time    `json:"lastRunAt,omitempty"`
	LastReport        *PassReport   `json:"lastReport,omitempty"`
	Passes            int64         `json:"passes"`
	Leader            bool          `json:"leader"`
}

// Monitor 定时 verify 待支付单、归集有余额的地址、推进归集确认
type Monitor struct {
	cfg   Config
	deps  Deps
	clock clock.Clock

	passMu sync.Mutex // 同一时间只跑一轮

	mu      sync.Mutex
	active  bool
	cancel  context.CancelFunc
	done    chan struct{}
	last    *PassReport
	passes  int64
	leading bool
}

func New(cfg Config, deps Deps) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SweepDelay == 0 {
		cfg.SweepDelay = DefaultSweepDelay
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{cfg: cfg, deps: deps, clock: clk}
}

// Start 重复调用无副作用；ticker 在返回前建好
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	ticker := m.clock.Ticker(m.cfg.Interval)
	done := make(chan struct{})
	m.active, m.cancel, m.done = true, cancel, done

	logger.Info(ctx, "payment monitor started",
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("sweep_delay", m.cfg.SweepDelay),
		zap.Bool("leader_election", m.deps.Leader != nil))

	safe.GoCtx(ctx, "payment-monitor", func(ctx context.Context) {
		defer close(done)
		defer ticker.Stop()
		m.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	})
}

// Stop 等当前这一轮跑完再返回
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.active = false
	m.mu.Unlock()

	cancel()
	<-done

	if m.deps.Leader != nil {
		ctx, c := context.WithTimeout(context.Background(), 3*time.Second)
		defer c()
		if err := m.deps.Leader.Release(ctx); err != nil {
			logger.Warn(ctx, "release monitor leadership failed", zap.Error(err))
		}
	}
	logger.Info(context.Background(), "🛑 payment monitor stopped")
}

func (m *Monitor) tick(ctx context.Context) {
	if !m.isLeader(ctx) {
		return
	}
	m.runPass(ctx, TriggerTimer)
}

func (m *Monitor) isLeader(ctx context.Context) bool {
	if m.deps.Leader == nil {
		return true
	}
	ok, err := m.deps.Leader.Acquire(ctx)
	if err != nil {
		logger.Warn(ctx, "monitor leader lease failed, skipping pass", zap.Error(err))
		ok = false
	}
	m.mu.Lock()
	changed := m.leading != ok
	m.leading = ok
	m.mu.Unlock()
	if changed {
		logger.Info(ctx, "monitor leadership changed", zap.Bool("leader", ok), zap.String("id", m.deps.Leader.ID()))
	}
	return ok
}

// ForceSweepAll 手动触发一轮，同步返回结果；不看 leader
func (m *Monitor) ForceSweepAll(ctx context.Context) PassReport {
	return m.runPass(ctx, TriggerForce)
}

func (m *Monitor) runPass(ctx context.Context, trigger string) PassReport {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	start := m.clock.Now()
	began := time.Now()
	rep := PassReport{Trigger: trigger, StartedAt: start}

	if m.deps.Payments != nil {
		rep.Verify = m.deps.Payments.VerifyAllPending(ctx)
	}
	m.sweepAll(ctx, &rep)

	n, err := m.deps.Sweeper.ConfirmSweeps(ctx)
	if err != nil {
		logger.Warn(ctx, "confirm sweeps failed", zap.Error(err))
	}
	rep.ConfirmedSweeps = n

	rep.Duration = m.clock.Since(start)
	metrics.MonitorPassSeconds.WithLabelValues(trigger).Observe(time.Since(began).Seconds())

	m.mu.Lock()
	m.passes++
	cp := rep
	m.last = &cp
	m.mu.Unlock()

	logger.Info(ctx, "monitor pass finished",
		zap.String("trigger", trigger),
		zap.Int("verified", rep.Verify.Checked),
		zap.Int("checked", rep.Checked),
		zap.Int("swept", rep.Swept),
		zap.Int("failed", rep.Failed),
		zap.Int("confirmed_sweeps", rep.ConfirmedSweeps))
	return rep
}

func (m *Monitor) sweepAll(ctx context.Context, rep *PassReport) {
	list, err := m.deps.Addresses.ListAddresses(ctx)
	if err != nil {
		logger.Error(ctx, "monitor: list addresses failed", zap.Error(err))
		return
	}

	attempted := false
	for _, a := range list {
		if ctx.Err() != nil {
			return
		}
		rep.Checked++
		if m.deps.Sweeper.IsInFlight(a.Address) {
			rep.Skipped++
			continue
		}
		bal, err := m.deps.Chain.GetAddressBalance(ctx, a.Address)
		if err != nil {
			rep.Failed++
			logger.Warn(ctx, "monitor: balance lookup failed", zap.String("address", a.Address), zap.Error(err))
			continue
		}
		if bal.BalanceSats <= 0 {
			continue
		}

		if attempted && !m.wait(ctx) {
			return
		}
		attempted = true

		res, err := m.deps.Sweeper.Sweep(ctx, a.Address)
		if res != nil {
			rep.Results = append(rep.Results, res)
		}
		switch {
		case err != nil:
			rep.Failed++
			if !errors.Is(err, context.Canceled) {
				logger.Warn(ctx, "monitor: sweep failed", zap.String("address", a.Address), zap.Error(err))
			}
		case res != nil && res.Success:
			rep.Swept++
		default:
			rep.Skipped++
		}
	}
}

func (m *Monitor) wait(ctx context.Context) bool {
	if m.cfg.SweepDelay < 0 {
		return true
	}
	t := m.clock.Timer(m.cfg.SweepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (m *Monitor) GetStatus() Status {
	inflight := m.deps.Sweeper.InFlight()

	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Active:            m.active,
		InFlight:          len(inflight),
		InFlightAddresses: inflight,
		Interval:          m.cfg.Interval,
		Passes:            m.passes,
		Leader:            m.deps.Leader == nil || m.leading,
	}
	if m.last != nil {
		cp := *m.last
		at := cp.StartedAt
		st.LastRunAt = &at
		st.LastReport = &cp
	}
	return st
}
