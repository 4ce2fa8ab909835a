package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ChainTransaction 每次查询现拉现用，不落库，按值比较
type ChainTransaction struct {
	Hash          string    `json:"hash"`
	AmountSats    int64     `json:"amountSats"` // 该交易打到被查询地址的金额
	Confirmations int64     `json:"confirmations"`
	Timestamp     time.Time `json:"timestamp"` // 优先首见时间，没有就用区块时间，再没有用观察时间
	FromAddress   string    `json:"fromAddress,omitempty"`
	ToAddress     string    `json:"toAddress"`
	BlockHeight   int64     `json:"blockHeight,omitempty"` // 0 表示还在 mempool
	Source        string    `json:"source"`
}

type AddressBalance struct {
	BalanceSats int64 `json:"balanceSats"`
	TxCount     int64 `json:"txCount"`
}

type UTXO struct {
	TxHash    string `json:"txHash"`
	Vout      uint32 `json:"vout"`
	ValueSats int64  `json:"valueSats"`
	Confirmed bool   `json:"confirmed"`
}

// ChainGateway 链上数据，多个 explorer 按优先级兜底
type ChainGateway interface {
	GetAddressTransactions(ctx context.Context, address string) ([]ChainTransaction, error)
	GetAddressBalance(ctx context.Context, address string) (AddressBalance, error)
	GetTransactionConfirmations(ctx context.Context, txHash string) (int64, error)
	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)
	GetTipHeight(ctx context.Context) (int64, error)
}

// PriceQuote 1 BTC 的法币价格
type PriceQuote struct {
	Currency  string          `json:"currency"`
	Price     decimal.Decimal `json:"price"`
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetchedAt"`
	Stale     bool            `json:"stale"`    // 来自 last-known-good 或兜底价
	Fallback  bool            `json:"fallback"` // 硬编码兜底价
	Warning   string          `json:"warning,omitempty"`
}

// PriceFeed 永远不返回错误，最差给兜底价
type PriceFeed interface {
	GetCurrentPrice(ctx context.Context, currency string) PriceQuote
}
