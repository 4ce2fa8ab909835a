package explorer

import (
	"context"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
)

// Esplora blockstream.info / mempool.space 用的是同一套 REST API
type Esplora struct {
	name   string
	base   string
	client *http.Client
	clock  clock.Clock
}

type esploraStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
	BlockTime   int64 `json:"block_time"`
}

type esploraTx struct {
	Txid   string        `json:"txid"`
	Status esploraStatus `json:"status"`
	Vin    []struct {
		Prevout *struct {
			Address string `json:"scriptpubkey_address"`
			Value   int64  `json:"value"`
		} `json:"prevout"`
	} `json:"vin"`
	Vout []struct {
		Address string `json:"scriptpubkey_address"`
		Value   int64  `json:"value"`
	} `json:"vout"`
}

type esploraStats struct {
	FundedTxoSum int64 `json:"funded_txo_sum"`
	SpentTxoSum  int64 `json:"spent_txo_sum"`
	TxCount      int64 `json:"tx_count"`
}

type esploraAddress struct {
	Address      string       `json:"address"`
	ChainStats   esploraStats `json:"chain_stats"`
	MempoolStats esploraStats `json:"mempool_stats"`
}

type esploraUTXO struct {
	Txid   string        `json:"txid"`
	Vout   uint32        `json:"vout"`
	Value  int64         `json:"value"`
	Status esploraStatus `json:"status"`
}

func (e *Esplora) Name() string { return e.name }

// AddressTransactions 只返回有钱打进该地址的交易（最近 50 笔，含 mempool）
func (e *Esplora) AddressTransactions(ctx context.Context, address string) ([]domain.ChainTransaction, error) {
	var raw []esploraTx
	if err := getJSON(ctx, e.client, e.name, e.base+"/address/"+address+"/txs", &raw); err != nil {
		return nil, err
	}

	var tip int64
	for _, tx := range raw {
		if tx.Status.Confirmed {
			h, err := e.TipHeight(ctx)
			if err != nil {
				return nil, err
			}
			tip = h
			break
		}
	}

	now := e.clock.Now()
	out := make([]domain.ChainTransaction, 0, len(raw))
	for _, tx := range raw {
		var amount int64
		for _, o := range tx.Vout {
			if o.Address == address {
				amount += o.Value
			}
		}
		if amount <= 0 {
			continue
		}
		ct := domain.ChainTransaction{
			Hash:       tx.Txid,
			AmountSats: amount,
			Timestamp:  now,
			ToAddress:  address,
			Source:     e.name,
		}
		if len(tx.Vin) > 0 && tx.Vin[0].Prevout != nil {
			ct.FromAddress = tx.Vin[0].Prevout.Address
		}
		if tx.Status.Confirmed {
			ct.BlockHeight = tx.Status.BlockHeight
			ct.Confirmations = confirmations(tip, tx.Status.BlockHeight)
			// esplora 没有首见时间，只能用区块时间；早于 createdAt 的情况由匹配时的区块高度兜住
			ct.Timestamp = time.Unix(tx.Status.BlockTime, 0).UTC()
		}
		out = append(out, ct)
	}
	return out, nil
}

// AddressBalance 已确认入账 - 已确认花费 - mempool 里的花费；未确认的入账不能归集
func (e *Esplora) AddressBalance(ctx context.Context, address string) (domain.AddressBalance, error) {
	var raw esploraAddress
	if err := getJSON(ctx, e.client, e.name, e.base+"/address/"+address, &raw); err != nil {
		return domain.AddressBalance{}, err
	}
	bal := raw.ChainStats.FundedTxoSum - raw.ChainStats.SpentTxoSum - raw.MempoolStats.SpentTxoSum
	if bal < 0 {
		bal = 0
	}
	return domain.AddressBalance{
		BalanceSats: bal,
		TxCount:     raw.ChainStats.TxCount + raw.MempoolStats.TxCount,
	}, nil
}

func (e *Esplora) TxConfirmations(ctx context.Context, txHash string) (int64, error) {
	var st esploraStatus
	if err := getJSON(ctx, e.client, e.name, e.base+"/tx/"+txHash+"/status", &st); err != nil {
		return 0, err
	}
	if !st.Confirmed {
		return 0, nil
	}
	tip, err := e.TipHeight(ctx)
	if err != nil {
		return 0, err
	}
	return confirmations(tip, st.BlockHeight), nil
}

func (e *Esplora) AddressUTXOs(ctx context.Context, address string) ([]domain.UTXO, error) {
	var raw []esploraUTXO
	if err := getJSON(ctx, e.client, e.name, e.base+"/address/"+address+"/utxo", &raw); err != nil {
		return nil, err
	}
	out := make([]domain.UTXO, 0, len(raw))
	for _, u := range raw {
		out = append(out, domain.UTXO{
			TxHash:    u.Txid,
			Vout:      u.Vout,
			ValueSats: u.Value,
			Confirmed: u.Status.Confirmed,
		})
	}
	return out, nil
}

func (e *Esplora) TipHeight(ctx context.Context) (int64, error) {
	return getInt(ctx, e.client, e.name, e.base+"/blocks/tip/height")
}
