// Package analytics computes the volume baselines and the per-symbol
// relative-volume metrics that drive surge detection.
package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"crypto-surge-screener/internal/model"
)

// Baseline rolls stored 1m candles into daily volume stats with
// trailing MA7/MA30 averages. It runs shortly after UTC midnight for
// the day just closed.
type Baseline struct {
	candles  model.CandleStore
	stats    model.DailyStatStore
	symbols  model.SymbolStore
	exchange string
}

// NewBaseline creates the daily aggregator.
func NewBaseline(candles model.CandleStore, stats model.DailyStatStore,
	symbols model.SymbolStore, exchange string) *Baseline {
	return &Baseline{candles: candles, stats: stats, symbols: symbols, exchange: exchange}
}

// Aggregate computes and stores the daily stat row for every TRADING
// symbol for the given date (UTC midnight). Symbols fail independently;
// the next run overwrites any partial result. Symbols that re-enter the
// universe later are re-seeded by the history backfill on promotion.
func (b *Baseline) Aggregate(ctx context.Context, date time.Time) error {
	date = model.DayFloor(date)
	stored, err := b.symbols.SymbolsByStatus(ctx, b.exchange, model.StatusTrading)
	if err != nil {
		return fmt.Errorf("symbols: %w", err)
	}

	var done, failed int
	for _, sym := range stored {
		if err := b.aggregateSymbol(ctx, sym.Symbol, date); err != nil {
			log.Printf("[baseline] %s %s: %v", sym.Symbol, date.Format("2006-01-02"), err)
			failed++
			continue
		}
		done++
	}
	log.Printf("[baseline] %s: aggregated %d symbols (%d failed)", date.Format("2006-01-02"), done, failed)
	return nil
}

// AggregateSymbol computes one symbol's daily row. Exported so a fresh
// symbol can be baselined outside the nightly run.
func (b *Baseline) AggregateSymbol(ctx context.Context, symbol string, date time.Time) error {
	return b.aggregateSymbol(ctx, symbol, model.DayFloor(date))
}

func (b *Baseline) aggregateSymbol(ctx context.Context, symbol string, date time.Time) error {
	base, quote, err := b.candles.VolumeSum(ctx, b.exchange, symbol, date, date.AddDate(0, 0, 1))
	if err != nil {
		return fmt.Errorf("volume sum: %w", err)
	}

	// Trailing rows strictly before this date; the fresh sum completes
	// the window.
	prev, err := b.stats.RecentDailyStats(ctx, b.exchange, symbol, date.AddDate(0, 0, -1), 29)
	if err != nil {
		return fmt.Errorf("recent stats: %w", err)
	}

	// prev is newest-first; the window wants oldest-first with today
	// appended.
	window := make([]float64, 0, len(prev)+1)
	for i := len(prev) - 1; i >= 0; i-- {
		window = append(window, prev[i].VolumeSum)
	}
	window = append(window, base)

	ma7 := mean(tail(window, 7))
	ma30 := mean(tail(window, 30))

	stat := model.DailyVolumeStat{
		Exchange:       b.exchange,
		Symbol:         symbol,
		Date:           date,
		VolumeSum:      base,
		QuoteVolumeSum: quote,
		VolumeMA7:      &ma7,
		VolumeMA30:     &ma30,
	}
	return b.stats.UpsertDailyStats(ctx, []model.DailyVolumeStat{stat})
}

func tail(vals []float64, n int) []float64 {
	if len(vals) > n {
		return vals[len(vals)-n:]
	}
	return vals
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
