package model

import "time"

// Candle is a 1-minute OHLCV bar for a single symbol.
// OpenTime is always floored to the minute (UTC). Unique per
// (exchange, symbol, open_time); writers upsert, last write wins.
type Candle struct {
	Exchange    string    `db:"exchange" json:"exchange"`
	Symbol      string    `db:"symbol" json:"symbol"`
	OpenTime    time.Time `db:"open_time" json:"openTime"`
	Open        float64   `db:"open" json:"open"`
	High        float64   `db:"high" json:"high"`
	Low         float64   `db:"low" json:"low"`
	Close       float64   `db:"close" json:"close"`
	Volume      float64   `db:"volume" json:"volume"`            // base asset
	QuoteVolume float64   `db:"quote_volume" json:"quoteVolume"` // quote asset
	Trades      int64     `db:"trades" json:"trades"`
}

// Key returns a unique key for this candle's symbol: "exchange:symbol".
func (c *Candle) Key() string {
	return c.Exchange + ":" + c.Symbol
}

// MinuteFloor truncates t to its minute boundary in UTC.
func MinuteFloor(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// DayFloor truncates t to UTC midnight.
func DayFloor(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
