package model

import (
	"context"
	"time"
)

// ── Port Interfaces ──
// These interfaces decouple the analytics and sync logic from the
// concrete store, exchange and sink implementations.

// CandleStore reads and idempotently writes 1-minute candles.
type CandleStore interface {
	// UpsertCandles inserts-or-replaces candles by natural key in batches.
	UpsertCandles(ctx context.Context, candles []Candle) error

	// VolumeSum returns the base and quote volume summed over
	// open_time in [from, to).
	VolumeSum(ctx context.Context, exchange, symbol string, from, to time.Time) (base, quote float64, err error)

	// LatestOpenTime returns the newest stored open time for a symbol.
	// ok is false when no candle exists.
	LatestOpenTime(ctx context.Context, exchange, symbol string) (ts time.Time, ok bool, err error)

	// FirstCandleAt returns the earliest candle with open_time >= at,
	// or nil when none is stored.
	FirstCandleAt(ctx context.Context, exchange, symbol string, at time.Time) (*Candle, error)

	// CandleExists reports whether the candle at exactly openTime exists.
	CandleExists(ctx context.Context, exchange, symbol string, openTime time.Time) (bool, error)
}

// SymbolStore manages the tracked-symbol universe.
type SymbolStore interface {
	// InsertSymbolIfAbsent inserts a new symbol row and reports whether
	// this call created it. A concurrent insert of the same key is benign:
	// the loser observes false, nil.
	InsertSymbolIfAbsent(ctx context.Context, s Symbol) (bool, error)

	SymbolsByExchange(ctx context.Context, exchange string) ([]Symbol, error)
	SymbolsByStatus(ctx context.Context, exchange string, status SymbolStatus) ([]Symbol, error)

	// UpdateSymbolStatus sets the status for the given symbols in one batch.
	UpdateSymbolStatus(ctx context.Context, exchange string, symbols []string, status SymbolStatus) error
}

// DailyStatStore reads and writes daily volume baselines.
type DailyStatStore interface {
	UpsertDailyStats(ctx context.Context, stats []DailyVolumeStat) error

	// DailyStat returns the stat row for one date, or nil when absent.
	DailyStat(ctx context.Context, exchange, symbol string, date time.Time) (*DailyVolumeStat, error)

	// RecentDailyStats returns up to n rows with date <= upTo,
	// newest first.
	RecentDailyStats(ctx context.Context, exchange, symbol string, upTo time.Time, n int) ([]DailyVolumeStat, error)
}

// MetricsStore persists computed symbol metrics.
type MetricsStore interface {
	UpsertMetrics(ctx context.Context, m SymbolMetrics) error
}

// TickerStore reads and writes latest 24h ticker snapshots.
type TickerStore interface {
	UpsertTickers(ctx context.Context, tickers []TickerSnapshot) error

	// Ticker returns the latest snapshot for a symbol, or nil when absent.
	Ticker(ctx context.Context, exchange, symbol string) (*TickerSnapshot, error)
}

// IngestSink turns buffered feed events into idempotent store writes.
type IngestSink interface {
	WriteCandles(ctx context.Context, candles []Candle) error
	WriteTickers(ctx context.Context, tickers []TickerSnapshot) error
}

// Ticker24h is one entry of the exchange's 24h ticker endpoint.
type Ticker24h struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"lastPrice,string"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
	Volume24h          float64 `json:"volume,string"`
	QuoteVolume24h     float64 `json:"quoteVolume,string"`
}

// BookTicker is the best bid/ask for one symbol.
type BookTicker struct {
	Symbol   string  `json:"symbol"`
	BidPrice float64 `json:"bidPrice,string"`
	BidQty   float64 `json:"bidQty,string"`
	AskPrice float64 `json:"askPrice,string"`
	AskQty   float64 `json:"askQty,string"`
}

// MarketAPI is the exchange's request/response market-data surface.
// Implementations must treat failures as transient: callers log and
// retry on their next scheduled run.
type MarketAPI interface {
	// ExchangeInfo returns the full instrument list.
	ExchangeInfo(ctx context.Context) ([]InstrumentInfo, error)

	// Klines returns OHLCV bars ordered by open time ascending.
	// Zero start/end are omitted from the request.
	Klines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]Candle, error)

	// All24hTickers returns the rolling 24h ticker for every symbol.
	All24hTickers(ctx context.Context) ([]Ticker24h, error)

	// Ticker24h returns the rolling 24h ticker for one symbol.
	Ticker24h(ctx context.Context, symbol string) (*Ticker24h, error)

	// BookTicker returns the best bid/ask for one symbol.
	BookTicker(ctx context.Context, symbol string) (*BookTicker, error)
}
