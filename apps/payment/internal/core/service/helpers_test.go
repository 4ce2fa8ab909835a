package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/infra/persistence"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/hdwallet"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// BIP84 "abandon ... about" 账户 0
const testZpub = "zpub6rFR7y4Q2AijBEqTUquhVz398htDFrtymD9xYYfG1m4wAcvPhXNfE3EfH1r1ADqtfSdVCToUG868RvUUkgDKf31mGDtKsAYz2oz2AGutZYs"

const testTreasury = "bc1qtreasury"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, persistence.AutoMigrate(db))
	return db
}

func newTestMaster(t *testing.T) *hdwallet.MasterKey {
	t.Helper()
	mk, err := hdwallet.ParseMasterKey(testZpub)
	require.NoError(t, err)
	return mk
}

// fakeChain 按地址返回预置的交易 / 余额
type fakeChain struct {
	mu       sync.Mutex
	txs      map[string][]domain.ChainTransaction
	balances map[string]int64
	confs    map[string]int64
	err      error
	tip      int64
	txCalls  int32
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		txs:      make(map[string][]domain.ChainTransaction),
		balances: make(map[string]int64),
		confs:    make(map[string]int64),
		tip:      800000,
	}
}

func (f *fakeChain) setTxs(addr string, txs ...domain.ChainTransaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[addr] = txs
}

func (f *fakeChain) setBalance(addr string, sats int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[addr] = sats
}

func (f *fakeChain) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeChain) GetAddressTransactions(_ context.Context, addr string) ([]domain.ChainTransaction, error) {
	atomic.AddInt32(&f.txCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]domain.ChainTransaction(nil), f.txs[addr]...), nil
}

func (f *fakeChain) GetAddressBalance(_ context.Context, addr string) (domain.AddressBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.AddressBalance{}, f.err
	}
	return domain.AddressBalance{BalanceSats: f.balances[addr], TxCount: int64(len(f.txs[addr]))}, nil
}

func (f *fakeChain) GetTransactionConfirmations(_ context.Context, hash string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.confs[hash], nil
}

func (f *fakeChain) GetAddressUTXOs(context.Context, string) ([]domain.UTXO, error) {
	return nil, nil
}

func (f *fakeChain) GetTipHeight(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.tip, nil
}

type fixedPrice struct {
	price decimal.Decimal
}

func (p fixedPrice) GetCurrentPrice(_ context.Context, cur string) domain.PriceQuote {
	return domain.PriceQuote{Currency: cur, Price: p.price, Source: "fixed"}
}

// fakeBroadcaster 可以让 Broadcast 卡住，观察并发行为
type fakeBroadcaster struct {
	calls   int32
	started chan struct{}
	block   chan struct{}
	err     error
}

func (b *fakeBroadcaster) Broadcast(ctx context.Context, o domain.SweepOrder) (*domain.BroadcastResult, error) {
	atomic.AddInt32(&b.calls, 1)
	if b.started != nil {
		b.started <- struct{}{}
	}
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	return &domain.BroadcastResult{
		TxHash:     "sweep-" + o.Source,
		AmountSats: o.AmountSats - 200,
		FeeSats:    200,
	}, nil
}

func (b *fakeBroadcaster) Calls() int {
	return int(atomic.LoadInt32(&b.calls))
}

type engine struct {
	repo     *persistence.Repo
	addrs    *AddressService
	payments *PaymentService
	sweeps   *SweepService
	chain    *fakeChain
	bcast    *fakeBroadcaster
	clock    *clock.Mock
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	repo := persistence.New(newTestDB(t))
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	e := &engine{
		repo:  repo,
		chain: newFakeChain(),
		bcast: &fakeBroadcaster{},
		clock: clk,
	}
	e.addrs = NewAddressService(repo, repo, newTestMaster(t))
	e.payments = NewPaymentService(PaymentDeps{
		Repo:      repo,
		Addresses: e.addrs,
		Chain:     e.chain,
		Price:     fixedPrice{price: decimal.NewFromInt(50000)},
		Clock:     clk,
	}, PaymentConfig{})
	e.sweeps = NewSweepService(SweepDeps{
		Addresses:   e.addrs,
		Repo:        repo,
		Chain:       e.chain,
		Broadcaster: e.bcast,
		Clock:       clk,
	}, SweepConfig{TreasuryAddress: testTreasury})
	return e
}
