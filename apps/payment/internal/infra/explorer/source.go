package explorer

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
)

// Source 一个可插拔的区块浏览器；返回值已经归一化成 domain 类型
type Source interface {
	Name() string
	AddressTransactions(ctx context.Context, address string) ([]domain.ChainTransaction, error)
	AddressBalance(ctx context.Context, address string) (domain.AddressBalance, error)
	TxConfirmations(ctx context.Context, txHash string) (int64, error)
	AddressUTXOs(ctx context.Context, address string) ([]domain.UTXO, error)
	TipHeight(ctx context.Context) (int64, error)
}

const (
	KindEsplora        = "esplora"
	KindBlockchainInfo = "blockchaininfo"
	KindBlockCypher    = "blockcypher"
)

type SourceConfig struct {
	Name    string  `mapstructure:"name"`
	Kind    string  `mapstructure:"kind"` // esplora / blockchaininfo / blockcypher
	BaseURL string  `mapstructure:"baseUrl"`
	Token   string  `mapstructure:"token"` // blockcypher 可选
	Rate    float64 `mapstructure:"rate"`  // 每秒请求数，0 用全局默认
	Burst   int     `mapstructure:"burst"`
}

// DefaultSources 固定优先级：blockstream -> mempool.space -> blockchain.info -> blockcypher
func DefaultSources(network string) []SourceConfig {
	if isTestnet(network) {
		return []SourceConfig{
			{Name: "blockstream", Kind: KindEsplora, BaseURL: "https://blockstream.info/testnet/api", Rate: 5, Burst: 5},
			{Name: "mempool", Kind: KindEsplora, BaseURL: "https://mempool.space/testnet/api", Rate: 5, Burst: 5},
			{Name: "blockcypher", Kind: KindBlockCypher, BaseURL: "https://api.blockcypher.com/v1/btc/test3", Rate: 0.3, Burst: 3},
		}
	}
	return []SourceConfig{
		{Name: "blockstream", Kind: KindEsplora, BaseURL: "https://blockstream.info/api", Rate: 5, Burst: 5},
		{Name: "mempool", Kind: KindEsplora, BaseURL: "https://mempool.space/api", Rate: 5, Burst: 5},
		{Name: "blockchain.info", Kind: KindBlockchainInfo, BaseURL: "https://blockchain.info", Rate: 1, Burst: 2},
		{Name: "blockcypher", Kind: KindBlockCypher, BaseURL: "https://api.blockcypher.com/v1/btc/main", Rate: 0.3, Burst: 3},
	}
}

func isTestnet(network string) bool {
	switch strings.ToLower(network) {
	case "testnet", "testnet3", "test":
		return true
	}
	return false
}

// NewSource 按 kind 构造
func NewSource(sc SourceConfig, client *http.Client, clk clock.Clock) (Source, bool) {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if clk == nil {
		clk = clock.New()
	}
	base := strings.TrimRight(sc.BaseURL, "/")
	switch sc.Kind {
	case KindEsplora:
		return &Esplora{name: sc.Name, base: base, client: client, clock: clk}, true
	case KindBlockchainInfo:
		return &BlockchainInfo{name: sc.Name, base: base, client: client, clock: clk}, true
	case KindBlockCypher:
		return &BlockCypher{name: sc.Name, base: base, token: sc.Token, client: client, clock: clk}, true
	default:
		return nil, false
	}
}
