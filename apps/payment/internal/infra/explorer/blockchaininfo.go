package explorer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
)

// BlockchainInfo blockchain.info 只有主网
type BlockchainInfo struct {
	name   string
	base   string
	client *http.Client
	clock  clock.Clock
}

type bciOutput struct {
	Addr  string `json:"addr"`
	Value int64  `json:"value"`
	N     uint32 `json:"n"`
}

type bciTx struct {
	Hash        string `json:"hash"`
	Time        int64  `json:"time"`
	BlockHeight *int64 `json:"block_height"` // 未确认时没有该字段
	Inputs      []struct {
		PrevOut *bciOutput `json:"prev_out"`
	} `json:"inputs"`
	Out []bciOutput `json:"out"`
}

type bciRawAddr struct {
	Address      string  `json:"address"`
	NTx          int64   `json:"n_tx"`
	FinalBalance int64   `json:"final_balance"`
	Txs          []bciTx `json:"txs"`
}

type bciBalance struct {
	FinalBalance  int64 `json:"final_balance"`
	NTx           int64 `json:"n_tx"`
	TotalReceived int64 `json:"total_received"`
}

type bciUnspent struct {
	UnspentOutputs []struct {
		TxHash        string `json:"tx_hash_big_endian"`
		TxOutputN     uint32 `json:"tx_output_n"`
		Value         int64  `json:"value"`
		Confirmations int64  `json:"confirmations"`
	} `json:"unspent_outputs"`
}

func (b *BlockchainInfo) Name() string { return b.name }

func (b *BlockchainInfo) AddressTransactions(ctx context.Context, address string) ([]domain.ChainTransaction, error) {
	var raw bciRawAddr
	if err := getJSON(ctx, b.client, b.name, b.base+"/rawaddr/"+address+"?limit=50", &raw); err != nil {
		return nil, err
	}

	var tip int64
	for _, tx := range raw.Txs {
		if tx.BlockHeight != nil {
			h, err := b.TipHeight(ctx)
			if err != nil {
				return nil, err
			}
			tip = h
			break
		}
	}

	now := b.clock.Now()
	out := make([]domain.ChainTransaction, 0, len(raw.Txs))
	for _, tx := range raw.Txs {
		var amount int64
		for _, o := range tx.Out {
			if o.Addr == address {
				amount += o.Value
			}
		}
		if amount <= 0 {
			continue
		}
		ct := domain.ChainTransaction{
			Hash:       tx.Hash,
			AmountSats: amount,
			Timestamp:  now,
			ToAddress:  address,
			Source:     b.name,
		}
		// time 是节点首次看到交易的时间，确认后也不变
		if tx.Time > 0 {
			ct.Timestamp = time.Unix(tx.Time, 0).UTC()
		}
		if len(tx.Inputs) > 0 && tx.Inputs[0].PrevOut != nil {
			ct.FromAddress = tx.Inputs[0].PrevOut.Addr
		}
		if tx.BlockHeight != nil && *tx.BlockHeight > 0 {
			ct.BlockHeight = *tx.BlockHeight
			ct.Confirmations = confirmations(tip, *tx.BlockHeight)
		}
		out = append(out, ct)
	}
	return out, nil
}

// AddressBalance final_balance 含未确认入账，只在前两个 esplora 源都挂了时才会用到
func (b *BlockchainInfo) AddressBalance(ctx context.Context, address string) (domain.AddressBalance, error) {
	var raw map[string]bciBalance
	if err := getJSON(ctx, b.client, b.name, b.base+"/balance?active="+address, &raw); err != nil {
		return domain.AddressBalance{}, err
	}
	bal, ok := raw[address]
	if !ok {
		return domain.AddressBalance{}, fmt.Errorf("%s: address %s missing in balance response", b.name, address)
	}
	return domain.AddressBalance{BalanceSats: bal.FinalBalance, TxCount: bal.NTx}, nil
}

func (b *BlockchainInfo) TxConfirmations(ctx context.Context, txHash string) (int64, error) {
	var tx bciTx
	if err := getJSON(ctx, b.client, b.name, b.base+"/rawtx/"+txHash, &tx); err != nil {
		return 0, err
	}
	if tx.BlockHeight == nil || *tx.BlockHeight <= 0 {
		return 0, nil
	}
	tip, err := b.TipHeight(ctx)
	if err != nil {
		return 0, err
	}
	return confirmations(tip, *tx.BlockHeight), nil
}

func (b *BlockchainInfo) AddressUTXOs(ctx context.Context, address string) ([]domain.UTXO, error) {
	var raw bciUnspent
	if err := getJSON(ctx, b.client, b.name, b.base+"/unspent?active="+address, &raw); err != nil {
		return nil, err
	}
	out := make([]domain.UTXO, 0, len(raw.UnspentOutputs))
	for _, u := range raw.UnspentOutputs {
		out = append(out, domain.UTXO{
			TxHash:    u.TxHash,
			Vout:      u.TxOutputN,
			ValueSats: u.Value,
			Confirmed: u.Confirmations > 0,
		})
	}
	return out, nil
}

func (b *BlockchainInfo) TipHeight(ctx context.Context) (int64, error) {
	return getInt(ctx, b.client, b.name, b.base+"/q/getblockcount")
}
