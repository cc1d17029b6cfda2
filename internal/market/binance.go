package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ai_trader/internal/domain"
)

// Kline represents a single candlestick.
type Kline struct {
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// PriceSource 是账本结算所需的最小行情依赖
type PriceSource interface {
	Price(ctx context.Context, symbol string) (float64, error)
}

// KlineSource 调度器取 K 线所需的行情依赖
type KlineSource interface {
	FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
}

// Client fetches market data from Binance public APIs (no API key required).
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Binance market data client.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Price returns just the latest price for a symbol (lightweight).
func (c *Client) Price(ctx context.Context, symbol string) (float64, error) {
	url := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", c.baseURL, normalizeSymbol(symbol))

	var result struct {
		Price string `json:"price"`
	}
	if err := c.getJSON(ctx, url, &result); err != nil {
		return 0, fmt.Errorf("ticker %s: %w: %v", symbol, domain.ErrUpstreamUnavailable, err)
	}
	price, err := strconv.ParseFloat(result.Price, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("ticker %s 返回无效价格 %q: %w", symbol, result.Price, domain.ErrUpstreamUnavailable)
	}
	return price, nil
}

// FetchKlines 返回按时间正序排列的最近 limit 根 K 线
func (c *Client) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	url := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=%s&limit=%d",
		c.baseURL, normalizeSymbol(symbol), interval, limit)

	var raw [][]json.RawMessage
	if err := c.getJSON(ctx, url, &raw); err != nil {
		return nil, fmt.Errorf("klines %s %s: %w: %v", symbol, interval, domain.ErrUpstreamUnavailable, err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 12 {
			continue
		}
		k := Kline{
			OpenTime:  msToTime(row[0]),
			Open:      parseFloat(row[1]),
			High:      parseFloat(row[2]),
			Low:       parseFloat(row[3]),
			Close:     parseFloat(row[4]),
			Volume:    parseFloat(row[5]),
			CloseTime: msToTime(row[6]),
		}
		klines = append(klines, k)
	}
	if len(klines) == 0 {
		return nil, fmt.Errorf("klines %s %s 为空: %w", symbol, interval, domain.ErrUpstreamUnavailable)
	}
	return klines, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("Binance API %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ---- helpers ----

// normalizeSymbol 兼容 "BTC/USDT" 与 "BTCUSDT" 两种写法
func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// BaseAsset 从交易对推出基础资产名（"BTCUSDT" -> "BTC"）
func BaseAsset(symbol string) string {
	s := normalizeSymbol(symbol)
	for _, quote := range []string{"USDT", "USDC", "BUSD", "USD"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return strings.TrimSuffix(s, quote)
		}
	}
	return s
}

func msToTime(raw json.RawMessage) time.Time {
	var ms int64
	_ = json.Unmarshal(raw, &ms)
	return time.UnixMilli(ms)
}

func parseFloat(raw json.RawMessage) float64 {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var f float64
		_ = json.Unmarshal(raw, &f)
		return f
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
