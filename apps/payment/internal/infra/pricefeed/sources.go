package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
)

// Source 一个现货价格源，返回 1 BTC 对应的法币价格
type Source interface {
	Name() string
	Fetch(ctx context.Context, currency string) (decimal.Decimal, error)
}

const (
	KindCoinbase  = "coinbase"
	KindBinance   = "binance"
	KindCoinGecko = "coingecko"
	KindKraken    = "kraken"
)

type SourceConfig struct {
	Name    string  `mapstructure:"name"`
	Kind    string  `mapstructure:"kind"`
	BaseURL string  `mapstructure:"baseUrl"`
	Rate    float64 `mapstructure:"rate"`
	Burst   int     `mapstructure:"burst"`
}

// DefaultSources 固定优先级
func DefaultSources() []SourceConfig {
	return []SourceConfig{
		{Name: "coinbase", Kind: KindCoinbase, BaseURL: "https://api.coinbase.com", Rate: 5, Burst: 5},
		{Name: "binance", Kind: KindBinance, BaseURL: "https://api.binance.com", Rate: 5, Burst: 5},
		{Name: "coingecko", Kind: KindCoinGecko, BaseURL: "https://api.coingecko.com", Rate: 0.5, Burst: 2},
		{Name: "kraken", Kind: KindKraken, BaseURL: "https://api.kraken.com", Rate: 1, Burst: 2},
	}
}

func NewSource(sc SourceConfig, client *http.Client) (Source, bool) {
	if client == nil {
		client = http.DefaultClient
	}
	h := httpSource{name: sc.Name, base: strings.TrimRight(sc.BaseURL, "/"), client: client}
	switch sc.Kind {
	case KindCoinbase:
		return &Coinbase{h}, true
	case KindBinance:
		return &Binance{h}, true
	case KindCoinGecko:
		return &CoinGecko{h}, true
	case KindKraken:
		return &Kraken{h}, true
	default:
		return nil, false
	}
}

type httpSource struct {
	name   string
	base   string
	client *http.Client
}

func (h httpSource) Name() string { return h.name }

func (h httpSource) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: http %d", h.name, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode: %w", h.name, err)
	}
	return nil
}

// ===== Coinbase: GET /v2/prices/BTC-USD/spot =====

type Coinbase struct{ httpSource }

type cbSpot struct {
	Data struct {
		Amount   decimal.Decimal `json:"amount"`
		Base     string          `json:"base"`
		Currency string          `json:"currency"`
	} `json:"data"`
}

func (c *Coinbase) Fetch(ctx context.Context, currency string) (decimal.Decimal, error) {
	var r cbSpot
	if err := c.getJSON(ctx, "/v2/prices/BTC-"+currency+"/spot", &r); err != nil {
		return decimal.Zero, err
	}
	return r.Data.Amount, nil
}

// ===== Binance: GET /api/v3/ticker/price?symbol=BTCUSDT =====

type Binance struct{ httpSource }

type bnTicker struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

func (b *Binance) Fetch(ctx context.Context, currency string) (decimal.Decimal, error) {
	quote := currency
	if currency == "USD" {
		// binance 没有 USD 现货对，用 USDT 近似
		quote = "USDT"
	}
	var r bnTicker
	if err := b.getJSON(ctx, "/api/v3/ticker/price?symbol=BTC"+quote, &r); err != nil {
		return decimal.Zero, err
	}
	return r.Price, nil
}

// ===== CoinGecko: GET /api/v3/simple/price?ids=bitcoin&vs_currencies=usd =====

type CoinGecko struct{ httpSource }

func (g *CoinGecko) Fetch(ctx context.Context, currency string) (decimal.Decimal, error) {
	vs := strings.ToLower(currency)
	var r map[string]map[string]decimal.Decimal
	q := url.Values{"ids": {"bitcoin"}, "vs_currencies": {vs}}
	if err := g.getJSON(ctx, "/api/v3/simple/price?"+q.Encode(), &r); err != nil {
		return decimal.Zero, err
	}
	p, ok := r["bitcoin"][vs]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: no bitcoin/%s in response", g.name, vs)
	}
	return p, nil
}

// ===== Kraken: GET /0/public/Ticker?pair=XBTUSD =====

type Kraken struct{ httpSource }

type krTicker struct {
	Error  []string `json:"error"`
	Result map[string]struct {
		// c = last trade closed [price, lot volume]
		C []string `json:"c"`
	} `json:"result"`
}

func (k *Kraken) Fetch(ctx context.Context, currency string) (decimal.Decimal, error) {
	var r krTicker
	if err := k.getJSON(ctx, "/0/public/Ticker?pair=XBT"+currency, &r); err != nil {
		return decimal.Zero, err
	}
	if len(r.Error) > 0 {
		return decimal.Zero, fmt.Errorf("%s: %s", k.name, strings.Join(r.Error, "; "))
	}
	for _, t := range r.Result {
		if len(t.C) == 0 {
			break
		}
		return decimal.NewFromString(t.C[0])
	}
	return decimal.Zero, errors.New(k.name + ": empty ticker result")
}
