package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/hdwallet"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/logger"
	"go.uber.org/zap"
)

// AddressService 收款地址注册表：分配 index、派生、落库
type AddressService struct {
	repo      domain.AddressRepo
	sweepRepo domain.SweepRepo
	master    *hdwallet.MasterKey

	mu     sync.Mutex
	loaded bool
	next   uint32
}

func NewAddressService(repo domain.AddressRepo, sweepRepo domain.SweepRepo, master *hdwallet.MasterKey) *AddressService {
	return &AddressService{
		repo:      repo,
		sweepRepo: sweepRepo,
		master:    master,
	}
}

// NextAddress 分配下一个 index 并派生地址。
// 整个过程在一把锁里；落库失败的 index 也会被跳过，不会再发出去
func (s *AddressService) NextAddress(ctx context.Context) (*domain.DerivedAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		max, err := s.repo.MaxIndex(ctx)
		if err != nil {
			return nil, err
		}
		s.next = uint32(max + 1)
		s.loaded = true
	}

	index := s.next
	s.next++

	d, err := s.master.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("derive index %d: %w", index, err)
	}

	addr := &domain.DerivedAddress{
		Index:          d.Index,
		Address:        d.Address,
		DerivationPath: d.DerivationPath,
		ScriptType:     string(d.ScriptType),
	}
	if err := s.repo.SaveAddress(ctx, addr); err != nil {
		logger.Error(ctx, "save derived address failed",
			zap.Uint32("index", index),
			zap.String("address", d.Address),
			zap.Error(err))
		return nil, err
	}

	logger.Info(ctx, "✅ 地址生成成功",
		zap.Uint32("index", index),
		zap.String("address", d.Address),
		zap.String("path", d.DerivationPath))
	return addr, nil
}

func (s *AddressService) GetAddress(ctx context.Context, address string) (*domain.DerivedAddress, error) {
	return s.repo.GetAddress(ctx, address)
}

func (s *AddressService) ListAddresses(ctx context.Context) ([]*domain.DerivedAddress, error) {
	return s.repo.ListAddresses(ctx)
}

// RecordReceived 支付确认后累加收款
func (s *AddressService) RecordReceived(ctx context.Context, address string, sats int64) error {
	return s.repo.AddReceived(ctx, address, sats)
}

func (s *AddressService) MarkSwept(ctx context.Context, address string) error {
	return s.repo.MarkSwept(ctx, address)
}

func (s *AddressService) Stats(ctx context.Context) (*domain.WalletStats, error) {
	st, err := s.repo.AddressStats(ctx)
	if err != nil {
		return nil, err
	}
	if s.sweepRepo != nil {
		st.PendingSweeps, st.ConfirmedSweeps, st.FailedSweeps, err = s.sweepRepo.SweepStats(ctx)
		if err != nil {
			return nil, err
		}
	}
	return st, nil
}
