package explorer

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
)

// BlockCypher 免费额度很低（3 req/s, 100 req/h），放在最后兜底
type BlockCypher struct {
	name   string
	base   string
	token  string
	client *http.Client
	clock  clock.Clock
}

type bcTx struct {
	Hash          string    `json:"hash"`
	BlockHeight   int64     `json:"block_height"` // 未确认为 -1
	Confirmations int64     `json:"confirmations"`
	Confirmed     time.Time `json:"confirmed"`
	Received      time.Time `json:"received"`
	Inputs        []struct {
		Addresses []string `json:"addresses"`
	} `json:"inputs"`
	Outputs []struct {
		Value     int64    `json:"value"`
		Addresses []string `json:"addresses"`
	} `json:"outputs"`
}

type bcAddress struct {
	Address            string `json:"address"`
	Balance            int64  `json:"balance"`
	UnconfirmedBalance int64  `json:"unconfirmed_balance"`
	NTx                int64  `json:"n_tx"`
	UnconfirmedNTx     int64  `json:"unconfirmed_n_tx"`
	Txs                []bcTx `json:"txs"`
	TxRefs             []struct {
		TxHash        string `json:"tx_hash"`
		TxOutputN     int64  `json:"tx_output_n"`
		Value         int64  `json:"value"`
		Confirmations int64  `json:"confirmations"`
	} `json:"txrefs"`
	UnconfirmedTxRefs []struct {
		TxHash    string `json:"tx_hash"`
		TxOutputN int64  `json:"tx_output_n"`
		Value     int64  `json:"value"`
	} `json:"unconfirmed_txrefs"`
}

func (b *BlockCypher) Name() string { return b.name }

func (b *BlockCypher) url(path string, q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	if b.token != "" {
		q.Set("token", b.token)
	}
	if len(q) == 0 {
		return b.base + path
	}
	return b.base + path + "?" + q.Encode()
}

func (b *BlockCypher) AddressTransactions(ctx context.Context, address string) ([]domain.ChainTransaction, error) {
	var raw bcAddress
	q := url.Values{"limit": {"50"}}
	if err := getJSON(ctx, b.client, b.name, b.url("/addrs/"+address+"/full", q), &raw); err != nil {
		return nil, err
	}

	now := b.clock.Now()
	out := make([]domain.ChainTransaction, 0, len(raw.Txs))
	for _, tx := range raw.Txs {
		var amount int64
		for _, o := range tx.Outputs {
			for _, a := range o.Addresses {
				if a == address {
					amount += o.Value
					break
				}
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
		if len(tx.Inputs) > 0 && len(tx.Inputs[0].Addresses) > 0 {
			ct.FromAddress = tx.Inputs[0].Addresses[0]
		}
		// received 是首次看到的时间；区块时间可能比它早，只在没有 received 时用
		switch {
		case !tx.Received.IsZero():
			ct.Timestamp = tx.Received.UTC()
		case tx.BlockHeight > 0 && !tx.Confirmed.IsZero():
			ct.Timestamp = tx.Confirmed.UTC()
		}
		if tx.BlockHeight > 0 {
			ct.BlockHeight = tx.BlockHeight
			ct.Confirmations = tx.Confirmations
		}
		out = append(out, ct)
	}
	return out, nil
}

// AddressBalance unconfirmed_balance 为负说明 mempool 里有花费，要扣掉；为正的入账不算
func (b *BlockCypher) AddressBalance(ctx context.Context, address string) (domain.AddressBalance, error) {
	var raw bcAddress
	if err := getJSON(ctx, b.client, b.name, b.url("/addrs/"+address+"/balance", nil), &raw); err != nil {
		return domain.AddressBalance{}, err
	}
	bal := raw.Balance
	if raw.UnconfirmedBalance < 0 {
		bal += raw.UnconfirmedBalance
	}
	if bal < 0 {
		bal = 0
	}
	return domain.AddressBalance{BalanceSats: bal, TxCount: raw.NTx + raw.UnconfirmedNTx}, nil
}

func (b *BlockCypher) TxConfirmations(ctx context.Context, txHash string) (int64, error) {
	var tx bcTx
	if err := getJSON(ctx, b.client, b.name, b.url("/txs/"+txHash, nil), &tx); err != nil {
		return 0, err
	}
	return tx.Confirmations, nil
}

func (b *BlockCypher) AddressUTXOs(ctx context.Context, address string) ([]domain.UTXO, error) {
	var raw bcAddress
	q := url.Values{"unspentOnly": {"true"}, "includeScript": {"false"}}
	if err := getJSON(ctx, b.client, b.name, b.url("/addrs/"+address, q), &raw); err != nil {
		return nil, err
	}
	out := make([]domain.UTXO, 0, len(raw.TxRefs)+len(raw.UnconfirmedTxRefs))
	for _, r := range raw.TxRefs {
		out = append(out, domain.UTXO{TxHash: r.TxHash, Vout: uint32(r.TxOutputN), ValueSats: r.Value, Confirmed: r.Confirmations > 0})
	}
	for _, r := range raw.UnconfirmedTxRefs {
		out = append(out, domain.UTXO{TxHash: r.TxHash, Vout: uint32(r.TxOutputN), ValueSats: r.Value})
	}
	return out, nil
}

func (b *BlockCypher) TipHeight(ctx context.Context) (int64, error) {
	var raw struct {
		Height int64 `json:"height"`
	}
	if err := getJSON(ctx, b.client, b.name, b.url("", nil), &raw); err != nil {
		return 0, err
	}
	return raw.Height, nil
}
