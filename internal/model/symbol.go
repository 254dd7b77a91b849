package model

import "time"

// SymbolStatus is the lifecycle state of a tracked symbol.
// DELISTED is terminal: a delisted symbol never re-enters TRADING.
type SymbolStatus string

const (
	StatusTrading  SymbolStatus = "TRADING"
	StatusBreak    SymbolStatus = "BREAK"
	StatusDelisted SymbolStatus = "DELISTED"
)

// Symbol is one tracked instrument on one exchange.
// Unique per (exchange, symbol). Rows are never physically deleted.
type Symbol struct {
	Exchange   string       `db:"exchange" json:"exchange"`
	Symbol     string       `db:"symbol" json:"symbol"`
	BaseAsset  string       `db:"base_asset" json:"baseAsset"`
	QuoteAsset string       `db:"quote_asset" json:"quoteAsset"`
	Status     SymbolStatus `db:"status" json:"status"`
	CreatedAt  time.Time    `db:"created_at" json:"-"`
	UpdatedAt  time.Time    `db:"updated_at" json:"-"`
}

// Key returns a unique key for this symbol: "exchange:symbol".
func (s *Symbol) Key() string {
	return s.Exchange + ":" + s.Symbol
}

// InstrumentInfo is the exchange-metadata view of an instrument,
// as returned by the exchangeInfo endpoint.
type InstrumentInfo struct {
	Symbol       string `json:"symbol"`
	Status       string `json:"status"`
	ContractType string `json:"contractType"`
	BaseAsset    string `json:"baseAsset"`
	QuoteAsset   string `json:"quoteAsset"`
}
