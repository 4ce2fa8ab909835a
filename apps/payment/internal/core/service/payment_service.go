package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/broker"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/logger"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/metrics"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/safe"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/xerr"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultExpiry                = 15 * time.Minute
	DefaultRequiredConfirmations = 1
	QuoteCurrency                = "USD"
)

var satsPerBTC = decimal.NewFromInt(100_000_000)

// Sweeper 确认后触发归集
type Sweeper interface {
	Sweep(ctx context.Context, address string) (*SweepResult, error)
}

type PaymentConfig struct {
	DefaultExpiry         time.Duration
	RequiredConfirmations int64
	Tolerance             decimal.Decimal
	// SweepOnConfirm 确认后立刻异步归集；关掉则只靠 monitor
	SweepOnConfirm bool
}

type PaymentDeps struct {
	Repo      domain.PaymentRepo
	Addresses *AddressService
	Chain     domain.ChainGateway
	Price     domain.PriceFeed
	Sweeper   Sweeper       // 可为 nil
	Broker    broker.Broker // 可为 nil
	Clock     clock.Clock
}

// VerifyResult verify 的返回；业务结果都在这里，error 只表示暂时性故障
type VerifyResult struct {
	Success       bool                     `json:"success"`
	Status        domain.PaymentStatus     `json:"status"`
	Confirmations int64                    `json:"confirmations"`
	IsComplete    bool                     `json:"isComplete"`
	Transaction   *domain.ChainTransaction `json:"transaction,omitempty"`
	Message       string                   `json:"message,omitempty"`
}

// VerifySummary 后台批量 verify 的统计
type VerifySummary struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Expired   int `json:"expired"`
	Failed    int `json:"failed"`
	Errors    int `json:"errors"`
}

// PaymentService 支付单生命周期；pending 表是唯一写入方
type PaymentService struct {
	repo    domain.PaymentRepo
	addrs   *AddressService
	chain   domain.ChainGateway
	price   domain.PriceFeed
	sweeper Sweeper
	bus     broker.Broker
	clock   clock.Clock
	cfg     PaymentConfig

	mu      sync.Mutex
	pending map[string]*domain.PaymentRequest

	sf singleflight.Group
}

func NewPaymentService(deps PaymentDeps, cfg PaymentConfig) *PaymentService {
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = DefaultExpiry
	}
	if cfg.RequiredConfirmations <= 0 {
		cfg.RequiredConfirmations = DefaultRequiredConfirmations
	}
	if !cfg.Tolerance.IsPositive() {
		cfg.Tolerance = DefaultTolerance
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &PaymentService{
		repo:    deps.Repo,
		addrs:   deps.Addresses,
		chain:   deps.Chain,
		price:   deps.Price,
		sweeper: deps.Sweeper,
		bus:     deps.Broker,
		clock:   clk,
		cfg:     cfg,
		pending: make(map[string]*domain.PaymentRequest),
	}
}

// SetSweeper SweepService 依赖 AddressService，构造顺序上晚于 PaymentService 时用
func (s *PaymentService) SetSweeper(sw Sweeper) {
	s.sweeper = sw
}

// Restore 启动时把库里的 pending 单子装回内存
func (s *PaymentService) Restore(ctx context.Context) (int, error) {
	list, err := s.repo.ListPendingPayments(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	for _, p := range list {
		s.pending[p.ID] = p
	}
	s.mu.Unlock()

	logger.Info(ctx, "pending payments restored", zap.Int("count", len(list)))
	return len(list), nil
}

// CreatePaymentRequest 新建支付单：报价 -> 派生新地址 -> 落库 -> 进入 pending 表
func (s *PaymentService) CreatePaymentRequest(ctx context.Context, userID string, usdAmount decimal.Decimal, expirationMinutes int) (*domain.PaymentRequest, error) {
	if !usdAmount.IsPositive() {
		return nil, xerr.Wrap(domain.ErrInvalidAmount, xerr.InvalidAmount,
			fmt.Sprintf("usd amount must be positive, got %s", usdAmount.String()))
	}
	if userID == "" {
		return nil, xerr.New(xerr.RequestParamsError, "userId is required")
	}
	expiry := s.cfg.DefaultExpiry
	if expirationMinutes > 0 {
		expiry = time.Duration(expirationMinutes) * time.Minute
	}

	quote := s.price.GetCurrentPrice(ctx, QuoteCurrency)
	if !quote.Price.IsPositive() {
		return nil, xerr.New(xerr.ServerCommonError, "no usable btc price")
	}
	btcAmount := usdAmount.Div(quote.Price).Round(8)
	expectedSats := btcAmount.Mul(satsPerBTC).IntPart()
	if expectedSats <= 0 {
		return nil, xerr.New(xerr.InvalidAmount, "amount is below one satoshi")
	}

	addr, err := s.addrs.NextAddress(ctx)
	if err != nil {
		return nil, err
	}

	// 链高度只用来放宽匹配窗口，取不到不影响建单
	height, err := s.chain.GetTipHeight(ctx)
	if err != nil {
		logger.Warn(ctx, "tip height unavailable at create", zap.Error(err))
		height = 0
	}

	now := s.clock.Now()
	p := &domain.PaymentRequest{
		ID:                    uuid.NewString(),
		UserID:                userID,
		UsdAmount:             usdAmount,
		BtcAmount:             btcAmount,
		ExpectedSats:          expectedSats,
		PriceUsd:              quote.Price,
		PriceSource:           quote.Source,
		Address:               addr.Address,
		AddressIndex:          addr.Index,
		RequiredConfirmations: s.cfg.RequiredConfirmations,
		CreatedHeight:         height,
		Status:                domain.PaymentStatusPending,
		CreatedAt:             now,
		ExpiresAt:             now.Add(expiry),
		UpdatedAt:             now,
	}
	if err := s.repo.CreatePayment(ctx, p); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.pending[p.ID] = p
	out := p.Clone()
	s.mu.Unlock()

	if quote.Stale {
		logger.Warn(ctx, "payment priced with stale quote",
			zap.String("payment_id", p.ID),
			zap.String("price", quote.Price.String()),
			zap.String("source", quote.Source))
	}
	logger.Info(ctx, "payment request created",
		zap.String("payment_id", p.ID),
		zap.String("user_id", userID),
		zap.String("usd", usdAmount.String()),
		zap.String("btc", btcAmount.String()),
		zap.String("address", addr.Address))
	return out, nil
}

// VerifyPayment 可以反复轮询；同一个 id 的并发调用合并成一次
func (s *PaymentService) VerifyPayment(ctx context.Context, id string) (*VerifyResult, error) {
	v, err, _ := s.sf.Do(id, func() (interface{}, error) {
		return s.verify(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*VerifyResult).clone(), nil
}

// clone singleflight 的结果被多个调用方共享，每人拿一份独立的
func (r *VerifyResult) clone() *VerifyResult {
	c := *r
	if r.Transaction != nil {
		tx := *r.Transaction
		c.Transaction = &tx
	}
	return &c
}

func (s *PaymentService) verify(ctx context.Context, id string) (*VerifyResult, error) {
	ctx = logger.WithFields(ctx, zap.String("payment_id", id))
	p, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	// 1. 终态直接返回，不再查链
	if p.Status.IsTerminal() {
		s.evict(id)
		return terminalResult(p), nil
	}

	// 2. 过期优先于一切
	if p.IsExpiredAt(s.clock.Now()) {
		res, _, err := s.settle(ctx, p, domain.Settlement{
			Status:     domain.PaymentStatusExpired,
			FailReason: "expired",
		})
		return res, err
	}

	// 3. 地址不在注册表里，没法恢复
	if _, err := s.addrs.GetAddress(ctx, p.Address); err != nil {
		if errors.Is(err, domain.ErrAddressNotFound) {
			res, _, err := s.settle(ctx, p, domain.Settlement{
				Status:     domain.PaymentStatusFailed,
				FailReason: "address not registered",
			})
			return res, err
		}
		return nil, err
	}

	// 4. 查链失败保持 pending，下次再来
	txs, err := s.chain.GetAddressTransactions(ctx, p.Address)
	if err != nil {
		logger.Warn(ctx, "verify: chain lookup failed",
			zap.String("address", p.Address),
			zap.Error(err))
		return nil, err
	}

	tx, ok := MatchTransaction(txs, p.ExpectedSats, MatchWindow{
		CreatedAt:     p.CreatedAt,
		CreatedHeight: p.CreatedHeight,
		SeenHash:      p.TxHash,
	}, s.cfg.Tolerance)
	if !ok {
		return &VerifyResult{
			Status:  domain.PaymentStatusPending,
			Message: "waiting for payment",
		}, nil
	}

	if tx.Confirmations < p.RequiredConfirmations {
		// 记住这笔交易（内存 + 库），确认后区块时间可能早于 createdAt
		if tx.Hash != p.TxHash || tx.Confirmations != p.Confirmations {
			if err := s.repo.RecordSeen(ctx, p.ID, tx.Hash, tx.Confirmations); err != nil {
				logger.Warn(ctx, "record seen tx failed", zap.String("tx_hash", tx.Hash), zap.Error(err))
			}
		}
		s.mu.Lock()
		if e, ok := s.pending[p.ID]; ok {
			e.TxHash = tx.Hash
			e.Confirmations = tx.Confirmations
		}
		s.mu.Unlock()

		t := tx
		return &VerifyResult{
			Success:       true,
			Status:        domain.PaymentStatusPending,
			Confirmations: tx.Confirmations,
			Transaction:   &t,
			Message:       fmt.Sprintf("waiting for confirmations %d/%d", tx.Confirmations, p.RequiredConfirmations),
		}, nil
	}

	paidAt := tx.Timestamp
	res, _, err := s.settle(ctx, p, domain.Settlement{
		Status:        domain.PaymentStatusConfirmed,
		TxHash:        tx.Hash,
		ReceivedSats:  tx.AmountSats,
		Confirmations: tx.Confirmations,
		PaidAt:        &paidAt,
	})
	if err != nil {
		return nil, err
	}
	if res.Transaction != nil && res.Transaction.Hash == tx.Hash {
		t := tx
		res.Transaction = &t
	}
	return res, nil
}

// CancelPayment pending -> failed；已是终态返回 false
func (s *PaymentService) CancelPayment(ctx context.Context, id string) (bool, error) {
	ctx = logger.WithFields(ctx, zap.String("payment_id", id))
	p, err := s.lookup(ctx, id)
	if err != nil {
		return false, err
	}
	if p.Status.IsTerminal() {
		return false, nil
	}
	_, won, err := s.settle(ctx, p, domain.Settlement{
		Status:     domain.PaymentStatusFailed,
		FailReason: "cancelled",
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

// GetPendingPayments 用户还能付款的单子，按创建时间排序
func (s *PaymentService) GetPendingPayments(ctx context.Context, userID string) []*domain.PaymentRequest {
	now := s.clock.Now()

	s.mu.Lock()
	out := make([]*domain.PaymentRequest, 0)
	for _, p := range s.pending {
		if p.UserID != userID || p.Status != domain.PaymentStatusPending || p.IsExpiredAt(now) {
			continue
		}
		out = append(out, p.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// PendingCount 内存里还在跟踪的单子数
func (s *PaymentService) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// VerifyAllPending monitor 每一轮调用；单个失败不影响其它
func (s *PaymentService) VerifyAllPending(ctx context.Context) VerifySummary {
	s.mu.Lock()
	list := make([]*domain.PaymentRequest, 0, len(s.pending))
	for _, p := range s.pending {
		list = append(list, p)
	}
	s.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })

	var sum VerifySummary
	for _, p := range list {
		if ctx.Err() != nil {
			break
		}
		sum.Checked++
		res, err := s.VerifyPayment(ctx, p.ID)
		if err != nil {
			sum.Errors++
			logger.Warn(ctx, "background verify failed", zap.String("payment_id", p.ID), zap.Error(err))
			continue
		}
		switch res.Status {
		case domain.PaymentStatusConfirmed:
			sum.Confirmed++
		case domain.PaymentStatusExpired:
			sum.Expired++
		case domain.PaymentStatusFailed:
			sum.Failed++
		}
	}
	return sum
}

// lookup 先查内存，再查库；返回的是副本
func (s *PaymentService) lookup(ctx context.Context, id string) (*domain.PaymentRequest, error) {
	s.mu.Lock()
	p, ok := s.pending[id]
	if ok {
		p = p.Clone()
	}
	s.mu.Unlock()
	if ok {
		return p, nil
	}
	return s.repo.GetPayment(ctx, id)
}

func (s *PaymentService) evict(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// settle 落库是唯一的判定点：乐观锁没命中说明别人先一步推进了，以库里为准。
// won 表示这次迁移是否由本次调用完成
func (s *PaymentService) settle(ctx context.Context, p *domain.PaymentRequest, st domain.Settlement) (res *VerifyResult, won bool, err error) {
	err = s.repo.SettlePayment(ctx, p.ID, st)
	if errors.Is(err, domain.ErrPaymentNotPending) {
		s.evict(p.ID)
		latest, gerr := s.repo.GetPayment(ctx, p.ID)
		if gerr != nil {
			return nil, false, gerr
		}
		return terminalResult(latest), false, nil
	}
	if err != nil {
		return nil, false, err
	}

	snapshot := p.Clone()
	snapshot.Status = st.Status
	snapshot.TxHash = st.TxHash
	snapshot.ReceivedSats = st.ReceivedSats
	snapshot.Confirmations = st.Confirmations
	snapshot.PaidAt = st.PaidAt
	snapshot.FailReason = st.FailReason
	snapshot.UpdatedAt = s.clock.Now()
	s.evict(p.ID)

	metrics.PaymentTransitionTotal.WithLabelValues(st.Status.String()).Inc()
	logger.Info(ctx, "payment settled",
		zap.String("status", st.Status.String()),
		zap.String("tx_hash", st.TxHash),
		zap.String("reason", st.FailReason))

	if st.Status == domain.PaymentStatusConfirmed {
		s.onConfirmed(ctx, snapshot)
	}
	s.publish(ctx, snapshot)

	return terminalResult(snapshot), true, nil
}

func (s *PaymentService) onConfirmed(ctx context.Context, p *domain.PaymentRequest) {
	if err := s.addrs.RecordReceived(ctx, p.Address, p.ReceivedSats); err != nil {
		logger.Error(ctx, "record received failed",
			zap.String("address", p.Address),
			zap.Error(err))
	}

	if s.sweeper == nil || !s.cfg.SweepOnConfirm {
		return
	}
	sweeper, address := s.sweeper, p.Address
	safe.GoCtx(context.WithoutCancel(ctx), "sweep-after-confirm", func(ctx context.Context) {
		res, err := sweeper.Sweep(ctx, address)
		if err != nil {
			logger.Warn(ctx, "sweep after confirm failed, monitor will retry",
				zap.String("address", address), zap.Error(err))
			return
		}
		if !res.Success {
			logger.Info(ctx, "sweep after confirm skipped",
				zap.String("address", address), zap.String("reason", res.Error))
		}
	})
}

func (s *PaymentService) publish(ctx context.Context, p *domain.PaymentRequest) {
	var topic string
	switch p.Status {
	case domain.PaymentStatusConfirmed:
		topic = domain.TopicPaymentConfirmed
	case domain.PaymentStatusExpired:
		topic = domain.TopicPaymentExpired
	case domain.PaymentStatusFailed:
		topic = domain.TopicPaymentFailed
	default:
		return
	}
	err := broker.PublishEvent(ctx, s.bus, topic, s.clock.Now(), domain.PaymentEvent{
		ID:           p.ID,
		UserID:       p.UserID,
		Address:      p.Address,
		Status:       p.Status.String(),
		TxHash:       p.TxHash,
		ExpectedSats: p.ExpectedSats,
		ReceivedSats: p.ReceivedSats,
		Reason:       p.FailReason,
	})
	if err != nil {
		logger.Warn(ctx, "publish payment event failed", zap.String("topic", topic), zap.Error(err))
	}
}

func terminalResult(p *domain.PaymentRequest) *VerifyResult {
	res := &VerifyResult{
		Status:        p.Status,
		Confirmations: p.Confirmations,
	}
	switch p.Status {
	case domain.PaymentStatusConfirmed:
		res.Success = true
		res.IsComplete = true
		res.Message = "payment confirmed"
		if p.TxHash != "" {
			tx := domain.ChainTransaction{
				Hash:          p.TxHash,
				AmountSats:    p.ReceivedSats,
				Confirmations: p.Confirmations,
				ToAddress:     p.Address,
			}
			if p.PaidAt != nil {
				tx.Timestamp = *p.PaidAt
			}
			res.Transaction = &tx
		}
	case domain.PaymentStatusExpired:
		res.Message = "payment request expired"
	case domain.PaymentStatusFailed:
		res.Message = p.FailReason
	}
	return res
}
