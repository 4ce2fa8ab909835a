package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/broker"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/xerr"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchTransaction(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	after := created.Add(time.Minute)
	const expected = int64(200000)

	tests := []struct {
		name     string
		txs      []domain.ChainTransaction
		seen     string
		height   int64
		wantOK   bool
		wantHash string
	}{
		{
			name:     "正好低 2.0% 接受",
			txs:      []domain.ChainTransaction{{Hash: "a", AmountSats: 196000, Timestamp: after}},
			wantOK:   true,
			wantHash: "a",
		},
		{
			name:     "正好高 2.0% 接受",
			txs:      []domain.ChainTransaction{{Hash: "a", AmountSats: 204000, Timestamp: after}},
			wantOK:   true,
			wantHash: "a",
		},
		{
			name:   "低 2.1% 拒绝",
			txs:    []domain.ChainTransaction{{Hash: "a", AmountSats: 195800, Timestamp: after}},
			wantOK: false,
		},
		{
			name:   "金额完全一致但早于创建时间",
			txs:    []domain.ChainTransaction{{Hash: "a", AmountSats: expected, Timestamp: created.Add(-time.Second)}},
			wantOK: false,
		},
		{
			name:     "创建时间当刻算数",
			txs:      []domain.ChainTransaction{{Hash: "a", AmountSats: expected, Timestamp: created}},
			wantOK:   true,
			wantHash: "a",
		},
		{
			name: "时间相同按 gateway 顺序取第一笔",
			txs: []domain.ChainTransaction{
				{Hash: "old", AmountSats: expected, Timestamp: created.Add(-time.Hour)},
				{Hash: "small", AmountSats: 1000, Timestamp: after},
				{Hash: "first", AmountSats: 199000, Timestamp: after},
				{Hash: "exact", AmountSats: expected, Timestamp: after},
			},
			wantOK:   true,
			wantHash: "first",
		},
		{
			name: "新的在前时取时间最早的一笔",
			txs: []domain.ChainTransaction{
				{Hash: "newer-mempool", AmountSats: expected, Timestamp: created.Add(5 * time.Minute)},
				{Hash: "older-confirmed", AmountSats: 199000, Timestamp: after, Confirmations: 1, BlockHeight: 800001},
			},
			wantOK:   true,
			wantHash: "older-confirmed",
		},
		{
			name:     "区块时间早于创建时间但区块高于创建时高度",
			txs:      []domain.ChainTransaction{{Hash: "mined", AmountSats: expected, Timestamp: created.Add(-20 * time.Minute), BlockHeight: 800001, Confirmations: 1}},
			height:   800000,
			wantOK:   true,
			wantHash: "mined",
		},
		{
			name:   "创建时高度所在区块里的交易不算",
			txs:    []domain.ChainTransaction{{Hash: "mined", AmountSats: expected, Timestamp: created.Add(-20 * time.Minute), BlockHeight: 800000, Confirmations: 2}},
			height: 800000,
			wantOK: false,
		},
		{
			name:     "mempool 里见过的交易确认后区块时间更早也认",
			txs:      []domain.ChainTransaction{{Hash: "seen", AmountSats: 199000, Timestamp: created.Add(-time.Minute), Confirmations: 1}},
			seen:     "seen",
			wantOK:   true,
			wantHash: "seen",
		},
		{
			name:   "没有交易",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := MatchWindow{CreatedAt: created, CreatedHeight: tt.height, SeenHash: tt.seen}
			tx, ok := MatchTransaction(tt.txs, expected, w, DefaultTolerance)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantHash, tx.Hash)
			}
		})
	}
}

func TestCreatePaymentRequest_Validation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	for _, amt := range []string{"0", "-5", "-0.01"} {
		_, err := e.payments.CreatePaymentRequest(ctx, "u1", decimal.RequireFromString(amt), 0)
		assert.ErrorIs(t, err, domain.ErrInvalidAmount, amt)
		assert.Equal(t, xerr.InvalidAmount, xerr.CodeOf(err))
	}

	// 校验失败不消耗 index
	p, err := e.payments.CreatePaymentRequest(ctx, "u1", decimal.NewFromInt(10), 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), p.AddressIndex)
}

func TestPaymentLifecycle_EndToEnd(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	bus := broker.NewMemBroker()
	e.payments.bus = bus
	sub, err := bus.Subscribe(ctx, []string{domain.TopicPaymentConfirmed})
	require.NoError(t, err)

	p, err := e.payments.CreatePaymentRequest(ctx, "u1", decimal.NewFromInt(100), 0)
	require.NoError(t, err)
	assert.True(t, p.BtcAmount.Equal(decimal.RequireFromString("0.002")))
	assert.Equal(t, int64(200000), p.ExpectedSats)
	assert.Equal(t, e.clock.Now().Add(15*time.Minute), p.ExpiresAt)
	assert.Equal(t, int64(1), p.RequiredConfirmations)
	assert.Equal(t, domain.PaymentStatusPending, p.Status)

	// 还没付款
	res, err := e.payments.VerifyPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.PaymentStatusPending, res.Status)

	// 0.00199 BTC，少 0.5%，1 个确认
	e.clock.Add(2 * time.Minute)
	e.chain.setTxs(p.Address, domain.ChainTransaction{
		Hash:          "tx-1",
		AmountSats:    199000,
		Confirmations: 1,
		Timestamp:     e.clock.Now(),
		ToAddress:     p.Address,
	})

	res, err = e.payments.VerifyPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.IsComplete)
	assert.Equal(t, domain.PaymentStatusConfirmed, res.Status)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, "tx-1", res.Transaction.Hash)
	assert.Equal(t, 0, e.payments.PendingCount(), "终态后移出 pending 表")

	// 再查一次不会访问链
	calls := e.chain.txCalls
	res, err = e.payments.VerifyPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, res.IsComplete)
	assert.Equal(t, calls, e.chain.txCalls)

	addr, err := e.addrs.GetAddress(ctx, p.Address)
	require.NoError(t, err)
	assert.Equal(t, int64(199000), addr.TotalReceivedSats)

	stored, err := e.repo.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusConfirmed, stored.Status)
	assert.Equal(t, "tx-1", stored.TxHash)

	select {
	case msg := <-sub:
		var ev struct {
			Topic string              `json:"topic"`
			Data  domain.PaymentEvent `json:"data"`
		}
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		assert.Equal(t, domain.TopicPaymentConfirmed, ev.Topic)
		assert.Equal(t, p.ID, ev.Data.ID)
		assert.Equal(t, int64(199000), ev.Data.ReceivedSats)
	case <-time.After(time.Second):
		t.Fatal("no payment:confirmed event")
	}
}

func TestVerify_ExpiryTakesPrecedence(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	p, err := e.payments.CreatePaymentRequest(ctx, "u1", decimal.NewFromInt(100), 10)
	require.NoError(t, err)
	e.chain.setTxs(p.Address, domain.ChainTransaction{
		Hash: "tx-1", AmountSats: 200000, Confirmations: 6, Timestamp: e.clock.Now().Add(time.Minute),
	})

	e.clock.Add(10*time.Minute + time.Second)
	res, err := e.payments.VerifyPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusExpired, res.Status)
	assert.False(t, res.Success)
	assert.Equal(t, int32(0), e.chain.txCalls, "过期判断在查链之前")

	// 终态不可变
	ok, err := e.payments.CancelPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	stored, err := e.repo.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusExpired, stored.Status)
}

func TestVerify_ExactlyAtExpiryIsStillPending(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	p, err := e.payments.CreatePaymentRequest(ctx, "u1", decimal.NewFromInt(100), 0)
	require.NoError(t, err)
	e.clock.Add(15 * time.Minute)

	res, err := e.payments.VerifyPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, res.Status)
}

func TestVerify_ChainFailureLeavesPending(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	p, err := e.payments.CreatePaymentRequest(ctx, "u1", decimal.NewFromInt(100), 0)
	require.NoError(t, err)

	down := xerr.Wrap(errors.New("all explorers down"), xerr.ChainUnavailable, "chain unavailable")
	e.chain.setErr(down)

	_, err = e.payments.VerifyPayment(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrChainUnavailable)

	pending := e.payments.GetPendingPayments(ctx, "u1")
	require.Len(t, pending, 1)
	assert.Equal(t, domain.PaymentStatusPending, pending[0].Status)

	// 恢复后可以正常确认
	e.chain.setErr(nil)
	e.chain.setTxs(p.Address, domain.ChainTransaction{
		Hash: "tx-1", AmountSats: 200000, Confirmations: 1, Timestamp: e.clock.Now(),
	})
	res, err := e.payments.VerifyPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, res.IsComplete)
}

func TestVerify_WaitsForConfirmations(t *testing.T) {
	e := newEngine(t)
	e.payments.cfg.RequiredConfirmations = 2
	ctx := context.Background()

	p, err := e.payments.CreatePaymentRequest(ctx, "u1", decimal.NewFromInt(100), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.RequiredConfirmations)

	e.clock.Add(time.Minute)
	e.chain.setTxs(p.Address, domain.ChainTransaction{
		Hash: "tx-1", AmountSats: 200000, Confirmations: 0, Timestamp: e.clock.Now(),
	})
	res, err := e.payments.VerifyPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.IsComplete)
	assert.Equal(t, domain.PaymentStatusPending, res.Status)

	// 出块后时间戳是区块时间，早于创建时间，但同一笔交易仍然认
	e.chain.setTxs(p.Address, domain.ChainTransaction{
		Hash: "tx-1", AmountSats: 200000, Confirmations: 2, Timestamp: p.CreatedAt.Add(-30 * time.Second),
	})
	res, err = e.payments.VerifyPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, res.IsComplete)
	assert.Equal(t, int64(2), res.Confirmations)
}

func TestVerify_OlderConfirmedBeatsNewerMempool(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	p, err := e.payments.CreatePaymentRequest(ctx, "u1", decimal.NewFromInt(100), 0)
	require.NoError(t, err)

	// explorer 的顺序：mempool 在前，新的在前
	e.clock.Add(10 * time.Minute)
	e.chain.setTxs(p.Address,
		domain.ChainTransaction{Hash: "newer-mempool", AmountSats: 200000, Timestamp: p.CreatedAt.Add(5 * time.Minute)},
		domain.ChainTransaction{Hash: "older-confirmed", AmountSats: 199000, Confirmations: 1, BlockHeight: 800001, Timestamp: p.CreatedAt.Add(time.Minute)},
	)

	res, err := e.payments.VerifyPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, res.IsComplete)
	assert.Equal(t, domain.PaymentStatusConfirmed, res.Status)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, "older-confirmed", res.Transaction.Hash)
}

func TestVerify_MinedBetweenPollsWithEarlierBlockTime(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	p, err := e.payments.CreatePaymentRequest(ctx, "u1", decimal.NewFromInt(100), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(800000), p.CreatedHeight)

	// 从没在 mempool 里看到过，区块时间比创建时间早
	e.clock.Add(5 * time.Minute)
	e.chain.setTxs(p.Address, domain.ChainTransaction{
		Hash: "tx-1", AmountSats: 200000, Confirmations: 1, BlockHeight: 800001,
		Timestamp: p.CreatedAt.Add(-10 * time.Minute),
	})

	res, err := e.payments.VerifyPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, res.IsComplete)
	assert.Equal(t, domain.PaymentStatusConfirmed, res.Status)
}

func TestVerify_SeenTxSurvivesRestart(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	p, err := e.payments.CreatePaymentRequest(ctx, "u1", decimal.NewFromInt(100), 0)
	require.NoError(t, err)

	e.clock.Add(time.Minute)
	e.chain.setTxs(p.Address, domain.ChainTransaction{
		Hash: "tx-1", AmountSats: 200000, Timestamp: e.clock.Now(),
	})
	res, err := e.payments.VerifyPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, res.Status)
	assert.True(t, res.Success)

	row, err := e.repo.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", row.TxHash)
	assert.Equal(t, domain.PaymentStatusPending, row.Status)

	// 重启：新的 tracker 从库里恢复；链高度未知，只能靠记下的 hash
	restarted := NewPaymentService(PaymentDeps{
		Repo:      e.repo,
		Addresses: e.addrs,
		Chain:     e.chain,
		Price:     fixedPrice{price: decimal.NewFromInt(50000)},
		Clock:     e.clock,
	}, PaymentConfig{})
	n, err := restarted.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e.chain.setTxs(p.Address, domain.ChainTransaction{
		Hash: "tx-1", AmountSats: 200000, Confirmations: 1,
		Timestamp: p.CreatedAt.Add(-30 * time.Second),
	})
	res, err = restarted.VerifyPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, res.IsComplete)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, "tx-1", res.Transaction.Hash)
}

func TestCreatePaymentRequest_TipHeightUnavailable(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	e.chain.setErr(errors.New("explorers down"))
	p, err := e.payments.CreatePaymentRequest(ctx, "u1", decimal.NewFromInt(100), 0)
	require.NoError(t, err, "高度取不到不影响建单")
	assert.Zero(t, p.CreatedHeight)
}

func TestVerifyResult_CloneIsIndependent(t *testing.T) {
	shared := &VerifyResult{
		Success:     true,
		Status:      domain.PaymentStatusConfirmed,
		Transaction: &domain.ChainTransaction{Hash: "tx-1", AmountSats: 200000},
	}
	a := shared.clone()
	b := shared.clone()
	a.Transaction.Hash = "changed"
	a.Message = "changed"

	assert.Equal(t, "tx-1", b.Transaction.Hash)
	assert.Equal(t, "tx-1", shared.Transaction.Hash)
	assert.Empty(t, shared.Message)

	assert.Nil(t, (&VerifyResult{}).clone().Transaction)
}

func TestCancelPayment(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	p, err := e.payments.CreatePaymentRequest(ctx, "u1", decimal.NewFromInt(100), 0)
	require.NoError(t, err)

	ok, err := e.payments.CancelPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.payments.CancelPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok, "已经是终态")

	res, err := e.payments.VerifyPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, res.Status)
	assert.Equal(t, "cancelled", res.Message)

	_, err = e.payments.CancelPayment(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
	_, err = e.payments.VerifyPayment(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func TestGetPendingPayments(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	first, err := e.payments.CreatePaymentRequest(ctx, "u1", decimal.NewFromInt(10), 5)
	require.NoError(t, err)
	e.clock.Add(time.Second)
	second, err := e.payments.CreatePaymentRequest(ctx, "u1", decimal.NewFromInt(20), 0)
	require.NoError(t, err)
	e.clock.Add(time.Second)
	_, err = e.payments.CreatePaymentRequest(ctx, "u2", decimal.NewFromInt(30), 0)
	require.NoError(t, err)
	e.clock.Add(time.Second)
	cancelled, err := e.payments.CreatePaymentRequest(ctx, "u1", decimal.NewFromInt(40), 0)
	require.NoError(t, err)
	_, err = e.payments.CancelPayment(ctx, cancelled.ID)
	require.NoError(t, err)

	got := e.payments.GetPendingPayments(ctx, "u1")
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)

	// 过期但还没 verify 的不再返回
	e.clock.Add(6 * time.Minute)
	got = e.payments.GetPendingPayments(ctx, "u1")
	require.Len(t, got, 1)
	assert.Equal(t, second.ID, got[0].ID)

	assert.Empty(t, e.payments.GetPendingPayments(ctx, "nobody"))
}

func TestRestoreAndVerifyAllPending(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	paid, err := e.payments.CreatePaymentRequest(ctx, "u1", decimal.NewFromInt(100), 0)
	require.NoError(t, err)
	stale, err := e.payments.CreatePaymentRequest(ctx, "u1", decimal.NewFromInt(100), 1)
	require.NoError(t, err)
	_, err = e.payments.CreatePaymentRequest(ctx, "u1", decimal.NewFromInt(100), 0)
	require.NoError(t, err)

	// 地址不是本系统派生的，无法恢复
	now := e.clock.Now()
	require.NoError(t, e.repo.CreatePayment(ctx, &domain.PaymentRequest{
		ID: "orphan", UserID: "u1", Address: "bc1qforeign", ExpectedSats: 1000,
		Status: domain.PaymentStatusPending, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	// 模拟重启
	restarted := NewPaymentService(PaymentDeps{
		Repo:      e.repo,
		Addresses: e.addrs,
		Chain:     e.chain,
		Price:     fixedPrice{price: decimal.NewFromInt(50000)},
		Clock:     e.clock,
	}, PaymentConfig{})
	n, err := restarted.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	e.clock.Add(2 * time.Minute)
	e.chain.setTxs(paid.Address, domain.ChainTransaction{
		Hash: "tx-paid", AmountSats: 200000, Confirmations: 3, Timestamp: e.clock.Now(),
	})

	sum := restarted.VerifyAllPending(ctx)
	assert.Equal(t, VerifySummary{Checked: 4, Confirmed: 1, Expired: 1, Failed: 1}, sum)
	assert.Equal(t, 1, restarted.PendingCount())

	res, err := restarted.VerifyPayment(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusExpired, res.Status)

	res, err = restarted.VerifyPayment(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, res.Status)
	assert.Equal(t, "address not registered", res.Message)
}
