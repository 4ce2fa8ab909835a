package bitcoin

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/logger"
	"go.uber.org/zap"
)

// SimulatedBroadcaster 开发/测试用：不上链，只生成一个确定性的 txid
type SimulatedBroadcaster struct {
	clock   clock.Clock
	feeSats int64
}

var _ domain.Broadcaster = (*SimulatedBroadcaster)(nil)

func NewSimulatedBroadcaster(clk clock.Clock, feeSats int64) *SimulatedBroadcaster {
	if clk == nil {
		clk = clock.New()
	}
	if feeSats < 0 {
		feeSats = 0
	}
	return &SimulatedBroadcaster{clock: clk, feeSats: feeSats}
}

func (s *SimulatedBroadcaster) Broadcast(ctx context.Context, order domain.SweepOrder) (*domain.BroadcastResult, error) {
	if order.AmountSats <= s.feeSats {
		return nil, fmt.Errorf("amount %d sats does not cover fee %d sats", order.AmountSats, s.feeSats)
	}
	seed := fmt.Sprintf("%s|%s|%d|%d", order.Source, order.Destination, order.AmountSats, s.clock.Now().UnixNano())
	h := chainhash.DoubleHashH([]byte(seed))

	logger.Warn(ctx, "simulated sweep broadcast, nothing was sent to the network",
		zap.String("source", order.Source),
		zap.String("destination", order.Destination),
		zap.Int64("amount_sats", order.AmountSats),
		zap.String("txid", h.String()))

	return &domain.BroadcastResult{
		TxHash:     h.String(),
		AmountSats: order.AmountSats - s.feeSats,
		FeeSats:    s.feeSats,
	}, nil
}
