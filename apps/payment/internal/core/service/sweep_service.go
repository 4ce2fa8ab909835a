package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/broker"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/influxsink"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/logger"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/metrics"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/xerr"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/xredis"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const sweepLockPrefix = "sweep:lock:"

// SweepResult 业务结果（没余额、正在归集等）走这里，不当成 error
type SweepResult struct {
	Success    bool   `json:"success"`
	Address    string `json:"address"`
	TxHash     string `json:"txHash,omitempty"`
	AmountSats int64  `json:"amountSats,omitempty"`
	FeeSats    int64  `json:"feeSats,omitempty"`
	Error      string `json:"error,omitempty"`
	Code       int    `json:"code,omitempty"`
	Err        error  `json:"-"`
}

// SweepSink 归集结果的时序落点（influx），可为 nil
type SweepSink interface {
	WriteSweep(p influxsink.SweepPoint)
}

type SweepConfig struct {
	TreasuryAddress       string
	RequiredConfirmations int64
	// LockTTL 多实例部署时分布式锁的过期时间，rdb 为 nil 时不用
	LockTTL time.Duration
}

type SweepDeps struct {
	Addresses   *AddressService
	Repo        domain.SweepRepo
	Chain       domain.ChainGateway
	Broadcaster domain.Broadcaster
	Redis       redis.Cmdable // 可为 nil
	Broker      broker.Broker // 可为 nil
	Sink        SweepSink     // 可为 nil
	Clock       clock.Clock
}

// SweepService 把一次性收款地址上的钱归集到 treasury。
// inFlight 是防止重复归集的唯一防线
type SweepService struct {
	addrs       *AddressService
	repo        domain.SweepRepo
	chain       domain.ChainGateway
	broadcaster domain.Broadcaster
	rdb         redis.Cmdable
	bus         broker.Broker
	sink        SweepSink
	clock       clock.Clock
	cfg         SweepConfig

	mu       sync.Mutex
	inFlight map[string]time.Time
}

func NewSweepService(deps SweepDeps, cfg SweepConfig) *SweepService {
	if cfg.RequiredConfirmations <= 0 {
		cfg.RequiredConfirmations = DefaultRequiredConfirmations
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &SweepService{
		addrs:       deps.Addresses,
		repo:        deps.Repo,
		chain:       deps.Chain,
		broadcaster: deps.Broadcaster,
		rdb:         deps.Redis,
		bus:         deps.Broker,
		sink:        deps.Sink,
		clock:       clk,
		cfg:         cfg,
		inFlight:    make(map[string]time.Time),
	}
}

func (s *SweepService) acquire(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[address]; ok {
		return false
	}
	s.inFlight[address] = s.clock.Now()
	metrics.SweepInFlight.Set(float64(len(s.inFlight)))
	return true
}

func (s *SweepService) release(address string) {
	s.mu.Lock()
	delete(s.inFlight, address)
	metrics.SweepInFlight.Set(float64(len(s.inFlight)))
	s.mu.Unlock()
}

// InFlight 当前正在归集的地址，按地址排序
func (s *SweepService) InFlight() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.inFlight))
	for a := range s.inFlight {
		out = append(out, a)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

func (s *SweepService) IsInFlight(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[address]
	return ok
}

// Sweep 归集一个地址的全部余额。
// 返回 error 只表示暂时性故障（查余额失败、广播失败），下一轮可以重试
func (s *SweepService) Sweep(ctx context.Context, address string) (*SweepResult, error) {
	ctx = logger.WithFields(ctx, zap.String("address", address))

	// 1. 必须是本系统派生的地址
	if _, err := s.addrs.GetAddress(ctx, address); err != nil {
		if errors.Is(err, domain.ErrAddressNotFound) {
			return s.skipped(address, domain.ErrAddressNotFound, "not_found"), nil
		}
		return nil, err
	}

	// 2. 进程内去重
	if !s.acquire(address) {
		return s.skipped(address, domain.ErrSweepInProgress, "in_progress"), nil
	}
	defer s.release(address)

	// 3. 多实例去重
	if s.rdb != nil {
		lock := xredis.NewDistLock(s.rdb, sweepLockPrefix+address, s.cfg.LockTTL)
		ok, err := lock.TryLock(ctx)
		if err != nil {
			return nil, xerr.Wrap(err, xerr.ServerCommonError, "acquire sweep lock failed")
		}
		if !ok {
			return s.skipped(address, domain.ErrSweepInProgress, "in_progress"), nil
		}
		defer func() {
			if _, err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				logger.Warn(ctx, "release sweep lock failed", zap.Error(err))
			}
		}()
	}

	// 4. 上一笔还没确认，不重复发
	pending, err := s.repo.HasPendingSweep(ctx, address)
	if err != nil {
		return nil, err
	}
	if pending {
		return s.skipped(address, domain.ErrSweepPending, "pending"), nil
	}

	// 5. 查余额
	bal, err := s.chain.GetAddressBalance(ctx, address)
	if err != nil {
		metrics.SweepTotal.WithLabelValues("error").Inc()
		logger.Warn(ctx, "sweep: balance lookup failed", zap.Error(err))
		return nil, err
	}
	if bal.BalanceSats <= 0 {
		return s.skipped(address, domain.ErrNoBalance, "no_balance"), nil
	}

	// 6. 构造 + 签名 + 广播
	order := domain.SweepOrder{
		Source:      address,
		Destination: s.cfg.TreasuryAddress,
		AmountSats:  bal.BalanceSats,
	}
	out, err := s.broadcaster.Broadcast(ctx, order)
	if err != nil {
		rec := &domain.SweepRecord{
			SourceAddress: address,
			DestAddress:   s.cfg.TreasuryAddress,
			AmountSats:    bal.BalanceSats,
			Status:        domain.SweepStatusFailed,
			Error:         truncate(err.Error(), 255),
		}
		if cerr := s.repo.CreateSweep(ctx, rec); cerr != nil {
			logger.Error(ctx, "save failed sweep record failed", zap.Error(cerr))
		}
		metrics.SweepTotal.WithLabelValues("failed").Inc()
		s.record(address, domain.SweepStatusFailed, bal.BalanceSats)
		s.publish(ctx, domain.TopicSweepFailed, rec)
		logger.Error(ctx, "sweep broadcast failed",
			zap.Int64("amount_sats", bal.BalanceSats),
			zap.Error(err))

		wrapped := xerr.Wrap(err, xerr.BroadcastFailed, "sweep broadcast failed")
		return &SweepResult{
			Address:    address,
			AmountSats: bal.BalanceSats,
			Error:      xerr.MsgOf(wrapped),
			Code:       xerr.BroadcastFailed,
			Err:        wrapped,
		}, wrapped
	}

	// 7. 记录 + 标记
	rec := &domain.SweepRecord{
		SourceAddress: address,
		DestAddress:   s.cfg.TreasuryAddress,
		AmountSats:    out.AmountSats,
		FeeSats:       out.FeeSats,
		TxHash:        out.TxHash,
		Status:        domain.SweepStatusPending,
	}
	err = s.repo.Transaction(ctx, func(txCtx context.Context) error {
		if err := s.repo.CreateSweep(txCtx, rec); err != nil {
			return err
		}
		return s.addrs.MarkSwept(txCtx, address)
	})
	if err != nil {
		// 交易已经广播了，记录写失败只能人工对账
		logger.Error(ctx, "sweep broadcast but record not saved",
			zap.String("tx_hash", out.TxHash),
			zap.Error(err))
	}

	metrics.SweepTotal.WithLabelValues("broadcast").Inc()
	s.record(address, domain.SweepStatusPending, out.AmountSats)
	s.publish(ctx, domain.TopicSweepBroadcast, rec)
	logger.Info(ctx, "✅ sweep broadcast",
		zap.String("treasury", s.cfg.TreasuryAddress),
		zap.String("tx_hash", out.TxHash),
		zap.Int64("amount_sats", out.AmountSats),
		zap.Int64("fee_sats", out.FeeSats))

	return &SweepResult{
		Success:    true,
		Address:    address,
		TxHash:     out.TxHash,
		AmountSats: out.AmountSats,
		FeeSats:    out.FeeSats,
	}, nil
}

// ConfirmSweeps 把确认数够了的 pending 归集记录推进到 confirmed
func (s *SweepService) ConfirmSweeps(ctx context.Context) (int, error) {
	list, err := s.repo.ListPendingSweeps(ctx)
	if err != nil {
		return 0, err
	}

	confirmed := 0
	for _, rec := range list {
		if ctx.Err() != nil {
			return confirmed, ctx.Err()
		}
		if rec.TxHash == "" {
			continue
		}
		n, err := s.chain.GetTransactionConfirmations(ctx, rec.TxHash)
		if err != nil {
			if xerr.IsCode(err, xerr.RecordNotFound) {
				logger.Debug(ctx, "sweep tx not visible yet", zap.String("tx_hash", rec.TxHash))
			} else {
				logger.Warn(ctx, "sweep confirmation lookup failed", zap.String("tx_hash", rec.TxHash), zap.Error(err))
			}
			continue
		}
		if n < s.cfg.RequiredConfirmations {
			continue
		}
		if err := s.repo.ConfirmSweep(ctx, rec.ID, n); err != nil {
			if !errors.Is(err, domain.ErrSweepNotPending) {
				logger.Warn(ctx, "confirm sweep failed", zap.Int64("id", rec.ID), zap.Error(err))
			}
			continue
		}
		confirmed++
		rec.Status = domain.SweepStatusConfirmed
		rec.Confirmations = n
		metrics.SweepTotal.WithLabelValues("confirmed").Inc()
		s.record(rec.SourceAddress, domain.SweepStatusConfirmed, rec.AmountSats)
		s.publish(ctx, domain.TopicSweepConfirmed, rec)
	}
	return confirmed, nil
}

func (s *SweepService) ListSweeps(ctx context.Context, page, limit int) ([]*domain.SweepRecord, error) {
	return s.repo.ListSweeps(ctx, page, limit)
}

func (s *SweepService) skipped(address string, err error, reason string) *SweepResult {
	metrics.SweepTotal.WithLabelValues(reason).Inc()
	return &SweepResult{
		Address: address,
		Error:   xerr.MsgOf(err),
		Code:    xerr.CodeOf(err),
		Err:     err,
	}
}

func (s *SweepService) record(address string, status domain.SweepStatus, amount int64) {
	if s.sink == nil {
		return
	}
	s.sink.WriteSweep(influxsink.SweepPoint{
		Address:    address,
		Status:     status.String(),
		AmountSats: amount,
		At:         s.clock.Now(),
	})
}

func (s *SweepService) publish(ctx context.Context, topic string, rec *domain.SweepRecord) {
	err := broker.PublishEvent(ctx, s.bus, topic, s.clock.Now(), domain.SweepEvent{
		SourceAddress: rec.SourceAddress,
		DestAddress:   rec.DestAddress,
		AmountSats:    rec.AmountSats,
		FeeSats:       rec.FeeSats,
		TxHash:        rec.TxHash,
		Error:         rec.Error,
	})
	if err != nil {
		logger.Warn(ctx, "publish sweep event failed", zap.String("topic", topic), zap.Error(err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
