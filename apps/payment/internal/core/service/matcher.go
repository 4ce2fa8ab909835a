package service

import (
	"sort"
	"time"

	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultTolerance 金额允许的偏差比例（含边界）
var DefaultTolerance = decimal.RequireFromString("0.02")

// MatchWindow 判断一笔交易是不是在支付单创建之后发生的
type MatchWindow struct {
	CreatedAt time.Time
	// CreatedHeight 创建时的链高度，0 表示未知。
	// 高于它的区块里的交易一定在创建之后，不管区块时间是多少
	CreatedHeight int64
	// SeenHash 之前已经匹配过（还没够确认数）的交易
	SeenHash string
}

// Eligible 交易是否落在窗口内
func (w MatchWindow) Eligible(tx domain.ChainTransaction) bool {
	switch {
	case w.SeenHash != "" && tx.Hash == w.SeenHash:
		return true
	case w.CreatedHeight > 0 && tx.BlockHeight > w.CreatedHeight:
		return true
	default:
		return !tx.Timestamp.Before(w.CreatedAt)
	}
}

// MatchTransaction 按时间先后找第一笔满足条件的交易，时间相同保持 gateway 顺序。
// 条件：落在窗口内，且 |amount - expected| <= expected * tolerance
func MatchTransaction(txs []domain.ChainTransaction, expectedSats int64, w MatchWindow, tolerance decimal.Decimal) (domain.ChainTransaction, bool) {
	// explorer 一般新的在前，mempool 在最前面
	candidates := make([]domain.ChainTransaction, 0, len(txs))
	for _, tx := range txs {
		if w.Eligible(tx) {
			candidates = append(candidates, tx)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Timestamp.Before(candidates[j].Timestamp)
	})

	expected := decimal.NewFromInt(expectedSats)
	limit := expected.Mul(tolerance)
	for _, tx := range candidates {
		diff := decimal.NewFromInt(tx.AmountSats).Sub(expected).Abs()
		if diff.LessThanOrEqual(limit) {
			return tx, true
		}
	}
	return domain.ChainTransaction{}, false
}
