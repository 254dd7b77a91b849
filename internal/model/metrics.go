package model

import (
	"encoding/json"
	"time"
)

// SymbolMetrics is the per-symbol real-time analytics row: relative
// volume across seven timeframes, price-change percentages and the
// surge flag. One row per (exchange, symbol), overwritten every tick.
type SymbolMetrics struct {
	Exchange                string    `db:"exchange" json:"exchange"`
	Symbol                  string    `db:"symbol" json:"symbol"`
	RVOL1m                  float64   `db:"rvol_1m" json:"rvol1m"`
	RVOL5m                  float64   `db:"rvol_5m" json:"rvol5m"`
	RVOL15m                 float64   `db:"rvol_15m" json:"rvol15m"`
	RVOL30m                 float64   `db:"rvol_30m" json:"rvol30m"`
	RVOL1h                  float64   `db:"rvol_1h" json:"rvol1h"`
	RVOL4h                  float64   `db:"rvol_4h" json:"rvol4h"`
	RVOLToday               float64   `db:"rvol_today" json:"rvolToday"`
	PriceChangePercent24h   float64   `db:"price_change_percent24h" json:"priceChangePercent24h"`
	PriceChangePercentToday float64   `db:"price_change_percent_today" json:"priceChangePercentToday"`
	IsSurging               bool      `db:"is_surging" json:"isSurging"`
	LastUpdated             time.Time `db:"last_updated" json:"lastUpdated"`
}

// Key returns a unique key for this metrics row: "exchange:symbol".
func (m *SymbolMetrics) Key() string {
	return m.Exchange + ":" + m.Symbol
}

// JSON returns the JSON-encoded metrics row (ignoring errors for hot-path usage).
func (m *SymbolMetrics) JSON() []byte {
	b, _ := json.Marshal(m)
	return b
}

// TickerMetricsSnapshot is one entry of the batch snapshot published
// to downstream subscribers: the latest ticker joined with the latest
// metrics for a symbol.
type TickerMetricsSnapshot struct {
	Exchange                string    `json:"exchange"`
	Symbol                  string    `json:"symbol"`
	LastPrice               float64   `json:"lastPrice"`
	PriceChangePercent      float64   `json:"priceChangePercent"`
	Volume24h               float64   `json:"volume24h"`
	QuoteVolume24h          float64   `json:"quoteVolume24h"`
	RVOL1m                  float64   `json:"rvol1m"`
	RVOL5m                  float64   `json:"rvol5m"`
	RVOL15m                 float64   `json:"rvol15m"`
	RVOL30m                 float64   `json:"rvol30m"`
	RVOL1h                  float64   `json:"rvol1h"`
	RVOL4h                  float64   `json:"rvol4h"`
	RVOLToday               float64   `json:"rvolToday"`
	PriceChangePercentToday float64   `json:"priceChangePercentToday"`
	IsSurging               bool      `json:"isSurging"`
	LastUpdated             time.Time `json:"lastUpdated"`
}
