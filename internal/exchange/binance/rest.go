// Package binance implements the USDT-perpetual futures market-data
// surface: the REST endpoints used for metadata and backfill, and the
// combined-stream websocket feed.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"crypto-surge-screener/internal/model"
)

const defaultHTTPTimeout = 15 * time.Second

// RestClient calls the futures REST API (fapi).
type RestClient struct {
	baseURL  string
	exchange string
	client   *http.Client
}

// NewRestClient creates a REST client against baseURL
// (e.g. "https://fapi.binance.com"). Candles it returns are tagged
// with the given logical exchange name.
func NewRestClient(baseURL, exchange string) *RestClient {
	return &RestClient{
		baseURL:  baseURL,
		exchange: exchange,
		client:   &http.Client{Timeout: defaultHTTPTimeout},
	}
}

func (c *RestClient) get(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("binance request %s: %w", path, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("binance GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("binance read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("binance GET %s: status %d: %s", path, resp.StatusCode, truncate(body, 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("binance decode %s: %w", path, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

type exchangeInfoResponse struct {
	Symbols []model.InstrumentInfo `json:"symbols"`
}

// ExchangeInfo returns the full futures instrument list.
func (c *RestClient) ExchangeInfo(ctx context.Context) ([]model.InstrumentInfo, error) {
	var resp exchangeInfoResponse
	if err := c.get(ctx, "/fapi/v1/exchangeInfo", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Symbols, nil
}

// Klines returns OHLCV bars ordered by open time ascending.
// Zero start/end are omitted; limit <= 0 uses the server default.
//
// Each kline is an array:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume, trades, ...]
func (c *RestClient) Klines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]model.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if !start.IsZero() {
		params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var raw [][]json.RawMessage
	if err := c.get(ctx, "/fapi/v1/klines", params, &raw); err != nil {
		return nil, err
	}

	candles := make([]model.Candle, 0, len(raw))
	for _, k := range raw {
		c2, err := c.parseKline(symbol, k)
		if err != nil {
			return nil, fmt.Errorf("binance kline %s: %w", symbol, err)
		}
		candles = append(candles, c2)
	}
	return candles, nil
}

func (c *RestClient) parseKline(symbol string, k []json.RawMessage) (model.Candle, error) {
	if len(k) < 9 {
		return model.Candle{}, fmt.Errorf("short kline row: %d fields", len(k))
	}
	var openMillis int64
	if err := json.Unmarshal(k[0], &openMillis); err != nil {
		return model.Candle{}, fmt.Errorf("open time: %w", err)
	}
	var trades int64
	if err := json.Unmarshal(k[8], &trades); err != nil {
		return model.Candle{}, fmt.Errorf("trades: %w", err)
	}

	fields := make([]float64, 5)
	// open, high, low, close, volume are string-encoded decimals.
	for i, idx := range []int{1, 2, 3, 4, 5} {
		var s string
		if err := json.Unmarshal(k[idx], &s); err != nil {
			return model.Candle{}, fmt.Errorf("field %d: %w", idx, err)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return model.Candle{}, fmt.Errorf("field %d %q: %w", idx, s, err)
		}
		fields[i] = f
	}
	var quoteVolStr string
	if err := json.Unmarshal(k[7], &quoteVolStr); err != nil {
		return model.Candle{}, fmt.Errorf("quote volume: %w", err)
	}
	quoteVol, err := strconv.ParseFloat(quoteVolStr, 64)
	if err != nil {
		return model.Candle{}, fmt.Errorf("quote volume %q: %w", quoteVolStr, err)
	}

	return model.Candle{
		Exchange:    c.exchange,
		Symbol:      symbol,
		OpenTime:    time.UnixMilli(openMillis).UTC(),
		Open:        fields[0],
		High:        fields[1],
		Low:         fields[2],
		Close:       fields[3],
		Volume:      fields[4],
		QuoteVolume: quoteVol,
		Trades:      trades,
	}, nil
}

// All24hTickers returns the rolling 24h ticker for every symbol.
func (c *RestClient) All24hTickers(ctx context.Context) ([]model.Ticker24h, error) {
	var out []model.Ticker24h
	if err := c.get(ctx, "/fapi/v1/ticker/24hr", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ticker24h returns the rolling 24h ticker for one symbol.
func (c *RestClient) Ticker24h(ctx context.Context, symbol string) (*model.Ticker24h, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var out model.Ticker24h
	if err := c.get(ctx, "/fapi/v1/ticker/24hr", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BookTicker returns the best bid/ask for one symbol.
func (c *RestClient) BookTicker(ctx context.Context, symbol string) (*model.BookTicker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var out model.BookTicker
	if err := c.get(ctx, "/fapi/v1/ticker/bookTicker", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
