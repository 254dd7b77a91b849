package model

import "time"

// DailyVolumeStat is the per-symbol daily volume rollup with its
// moving-average baselines. Unique per (exchange, symbol, date); the
// aggregator may overwrite a date's row when re-run.
//
// The moving averages are nil until at least one daily row exists;
// they are means over the most recent 7 / 30 available rows, fewer if
// less history is stored.
type DailyVolumeStat struct {
	Exchange       string    `db:"exchange" json:"exchange"`
	Symbol         string    `db:"symbol" json:"symbol"`
	Date           time.Time `db:"date" json:"date"` // UTC midnight
	VolumeSum      float64   `db:"volume_sum" json:"volumeSum"`
	QuoteVolumeSum float64   `db:"quote_volume_sum" json:"quoteVolumeSum"`
	VolumeMA7      *float64  `db:"volume_ma_7d" json:"volumeMa7d"`
	VolumeMA30     *float64  `db:"volume_ma_30d" json:"volumeMa30d"`
}

// TickerSnapshot is the latest 24h rolling ticker for one symbol,
// continuously overwritten from the live stream. Unique per (exchange, symbol).
type TickerSnapshot struct {
	Exchange           string    `db:"exchange" json:"exchange"`
	Symbol             string    `db:"symbol" json:"symbol"`
	LastPrice          float64   `db:"last_price" json:"lastPrice"`
	PriceChangePercent float64   `db:"price_change_percent" json:"priceChangePercent"`
	Volume24h          float64   `db:"volume24h" json:"volume24h"`
	QuoteVolume24h     float64   `db:"quote_volume24h" json:"quoteVolume24h"`
	LastUpdated        time.Time `db:"last_updated" json:"lastUpdated"`
}
