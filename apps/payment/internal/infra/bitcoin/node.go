package bitcoin

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/logger"
	"go.uber.org/zap"
)

// 低于这个值的输出节点会当作 dust 拒绝
const dustLimitSats = 546

type NodeConfig struct {
	Host       string  `mapstructure:"host"`
	User       string  `mapstructure:"user"`
	Password   string  `mapstructure:"password"`
	DisableTLS bool    `mapstructure:"disableTls"`
	FeeRate    float64 `mapstructure:"feeRate"`    // sat/vB；<=0 时向节点 estimatesmartfee
	ConfTarget int64   `mapstructure:"confTarget"` // estimatesmartfee 的目标块数
}

// nodeRPC rpcclient.Client 里用到的部分
type nodeRPC interface {
	SignRawTransactionWithWallet(tx *wire.MsgTx) (*wire.MsgTx, bool, error)
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
	EstimateSmartFee(confTarget int64, mode *btcjson.EstimateSmartFeeMode) (*btcjson.EstimateSmartFeeResult, error)
	Shutdown()
}

type utxoLister interface {
	GetAddressUTXOs(ctx context.Context, address string) ([]domain.UTXO, error)
}

// NodeBroadcaster 组交易 -> 托管节点签名 -> 广播。
// 私钥只在节点钱包里，本进程只看得到 xpub
type NodeBroadcaster struct {
	rpc     nodeRPC
	utxos   utxoLister
	params  *chaincfg.Params
	feeRate float64
	target  int64
}

var _ domain.Broadcaster = (*NodeBroadcaster)(nil)

func NewNodeBroadcaster(cfg NodeConfig, network *chaincfg.Params, utxos utxoLister) (*NodeBroadcaster, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true, // bitcoind 只支持 POST
		DisableTLS:   cfg.DisableTLS,
	}, nil)
	if err != nil {
		return nil, err
	}
	return newNodeBroadcaster(client, cfg, network, utxos), nil
}

func newNodeBroadcaster(rpc nodeRPC, cfg NodeConfig, network *chaincfg.Params, utxos utxoLister) *NodeBroadcaster {
	if cfg.ConfTarget <= 0 {
		cfg.ConfTarget = 6
	}
	return &NodeBroadcaster{
		rpc:     rpc,
		utxos:   utxos,
		params:  network,
		feeRate: cfg.FeeRate,
		target:  cfg.ConfTarget,
	}
}

func (b *NodeBroadcaster) Broadcast(ctx context.Context, order domain.SweepOrder) (*domain.BroadcastResult, error) {
	src, err := btcutil.DecodeAddress(order.Source, b.params)
	if err != nil {
		return nil, fmt.Errorf("invalid source address: %w", err)
	}
	dst, err := btcutil.DecodeAddress(order.Destination, b.params)
	if err != nil {
		return nil, fmt.Errorf("invalid treasury address: %w", err)
	}
	pkScript, err := txscript.PayToAddrScript(dst)
	if err != nil {
		return nil, fmt.Errorf("treasury script: %w", err)
	}

	utxos, err := b.utxos.GetAddressUTXOs(ctx, order.Source)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	var total int64
	for _, u := range utxos {
		// 未确认的不花
		if !u.Confirmed {
			continue
		}
		hash, err := chainhash.NewHashFromStr(u.TxHash)
		if err != nil {
			return nil, fmt.Errorf("invalid utxo hash %q: %w", u.TxHash, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil))
		total += u.ValueSats
	}
	if len(tx.TxIn) == 0 {
		return nil, errors.New("no confirmed utxos to sweep")
	}

	rate, err := b.currentFeeRate()
	if err != nil {
		return nil, err
	}
	vsize := estimateVSize(src, dst, len(tx.TxIn))
	fee := int64(math.Ceil(rate * float64(vsize)))
	out := total - fee
	if out < dustLimitSats {
		return nil, fmt.Errorf("sweep output %d sats below dust after fee %d sats", out, fee)
	}
	tx.AddTxOut(wire.NewTxOut(out, pkScript))

	signed, complete, err := b.rpc.SignRawTransactionWithWallet(tx)
	if err != nil {
		return nil, fmt.Errorf("signrawtransactionwithwallet: %w", err)
	}
	if !complete {
		return nil, errors.New("node wallet could not sign every input")
	}
	txHash, err := b.rpc.SendRawTransaction(signed, false)
	if err != nil {
		return nil, fmt.Errorf("sendrawtransaction: %w", err)
	}

	logger.Info(ctx, "sweep broadcast",
		zap.String("source", order.Source),
		zap.String("txid", txHash.String()),
		zap.Int("inputs", len(tx.TxIn)),
		zap.Int64("amount_sats", out),
		zap.Int64("fee_sats", fee),
		zap.Float64("fee_rate", rate))

	return &domain.BroadcastResult{TxHash: txHash.String(), AmountSats: out, FeeSats: fee}, nil
}

// currentFeeRate sat/vB
func (b *NodeBroadcaster) currentFeeRate() (float64, error) {
	if b.feeRate > 0 {
		return b.feeRate, nil
	}
	mode := btcjson.EstimateModeConservative
	res, err := b.rpc.EstimateSmartFee(b.target, &mode)
	if err != nil {
		return 0, fmt.Errorf("estimatesmartfee: %w", err)
	}
	if res.FeeRate == nil || *res.FeeRate <= 0 {
		return 0, fmt.Errorf("estimatesmartfee returned no rate: %v", res.Errors)
	}
	// 节点返回的是 BTC/kvB
	return *res.FeeRate * btcutil.SatoshiPerBitcoin / 1000, nil
}

func (b *NodeBroadcaster) Close() {
	b.rpc.Shutdown()
}

// estimateVSize 按输入/输出脚本类型估算 vbytes
func estimateVSize(src, dst btcutil.Address, inputs int) int64 {
	var in int64
	switch src.(type) {
	case *btcutil.AddressWitnessPubKeyHash:
		in = 68
	case *btcutil.AddressScriptHash: // 按 P2SH-P2WPKH 算
		in = 91
	case *btcutil.AddressTaproot:
		in = 58
	default:
		in = 148
	}
	var out int64
	switch dst.(type) {
	case *btcutil.AddressWitnessPubKeyHash:
		out = 31
	case *btcutil.AddressScriptHash:
		out = 32
	case *btcutil.AddressWitnessScriptHash, *btcutil.AddressTaproot:
		out = 43
	default:
		out = 34
	}
	return 11 + int64(inputs)*in + out
}
