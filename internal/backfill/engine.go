// Package backfill recovers missing candle history over the REST API:
// gaps after reconnects, the current UTC day, and the daily-kline
// history that seeds a new symbol's volume baselines.
package backfill

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"crypto-surge-screener/internal/logger"
	"crypto-surge-screener/internal/metrics"
	"crypto-surge-screener/internal/model"
)

const (
	// Exchange page limit for 1m klines; 1500 covers a full UTC day.
	klinePageLimit = 1500

	// Symbols backfilled concurrently per batch.
	batchSize = 10

	// Fallback lookback when a symbol has no stored candles at all.
	defaultGapLookback = 24 * time.Hour
)

// Engine fetches history through the market API and writes it through
// the ingest sink. Failures are isolated per symbol: one bad symbol
// never aborts a batch.
type Engine struct {
	api         model.MarketAPI
	sink        model.IngestSink
	candles     model.CandleStore
	stats       model.DailyStatStore
	exchange    string
	historyDays int
	metrics     *metrics.Metrics

	now func() time.Time // test override
}

// New creates a backfill engine. metrics may be nil (tests).
func New(api model.MarketAPI, sink model.IngestSink, candles model.CandleStore,
	stats model.DailyStatStore, exchange string, historyDays int, m *metrics.Metrics) *Engine {
	return &Engine{
		api:         api,
		sink:        sink,
		candles:     candles,
		stats:       stats,
		exchange:    exchange,
		historyDays: historyDays,
		metrics:     m,
		now:         time.Now,
	}
}

// GapStart returns the open time of the first candle to fetch for a
// symbol: one minute past the newest stored candle, or now minus the
// default lookback when nothing is stored.
func (e *Engine) GapStart(ctx context.Context, symbol string) (time.Time, error) {
	latest, ok, err := e.candles.LatestOpenTime(ctx, e.exchange, symbol)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return model.MinuteFloor(e.now().Add(-defaultGapLookback)), nil
	}
	return latest.Add(time.Minute), nil
}

// BackfillGap fetches every 1m candle from the symbol's gap start up to
// now, paging until the exchange returns a short page.
func (e *Engine) BackfillGap(ctx context.Context, symbol string) error {
	start, err := e.GapStart(ctx, symbol)
	if err != nil {
		return fmt.Errorf("gap start %s: %w", symbol, err)
	}
	return e.fetchForward(ctx, symbol, start)
}

// BackfillToday ensures the current UTC day is fully stored. When the
// midnight candle is already present the day is assumed contiguous
// (live feed or an earlier gap fill covered it) and only the gap from
// the newest candle is fetched.
func (e *Engine) BackfillToday(ctx context.Context, symbol string) error {
	midnight := model.DayFloor(e.now())
	have, err := e.candles.CandleExists(ctx, e.exchange, symbol, midnight)
	if err != nil {
		return fmt.Errorf("today check %s: %w", symbol, err)
	}
	start := midnight
	if have {
		start, err = e.GapStart(ctx, symbol)
		if err != nil {
			return fmt.Errorf("gap start %s: %w", symbol, err)
		}
	}
	return e.fetchForward(ctx, symbol, start)
}

func (e *Engine) fetchForward(ctx context.Context, symbol string, start time.Time) error {
	now := e.now().UTC()
	total := 0
	for start.Before(now) {
		candles, err := e.api.Klines(ctx, symbol, "1m", start, time.Time{}, klinePageLimit)
		if err != nil {
			return fmt.Errorf("klines %s from %v: %w", symbol, start, err)
		}
		if len(candles) == 0 {
			break
		}
		if err := e.sink.WriteCandles(ctx, candles); err != nil {
			return fmt.Errorf("write candles %s: %w", symbol, err)
		}
		total += len(candles)
		if e.metrics != nil {
			e.metrics.BackfillCandles.Add(float64(len(candles)))
		}
		if len(candles) < klinePageLimit {
			break
		}
		start = candles[len(candles)-1].OpenTime.Add(time.Minute)
	}
	if total > 0 {
		log.Printf("[backfill] %s: stored %d candles", symbol, total)
	}
	return nil
}

// BackfillDailyHistory fetches the trailing daily klines for a symbol
// and seeds its daily volume stats with running MA7/MA30 baselines.
// The still-open current day is excluded.
func (e *Engine) BackfillDailyHistory(ctx context.Context, symbol string) error {
	today := model.DayFloor(e.now())
	start := today.AddDate(0, 0, -e.historyDays)

	days, err := e.api.Klines(ctx, symbol, "1d", start, time.Time{}, e.historyDays+1)
	if err != nil {
		return fmt.Errorf("daily klines %s: %w", symbol, err)
	}

	stats := make([]model.DailyVolumeStat, 0, len(days))
	var window []float64
	for _, d := range days {
		date := model.DayFloor(d.OpenTime)
		if !date.Before(today) {
			continue
		}
		window = append(window, d.Volume)
		st := model.DailyVolumeStat{
			Exchange:       e.exchange,
			Symbol:         symbol,
			Date:           date,
			VolumeSum:      d.Volume,
			QuoteVolumeSum: d.QuoteVolume,
		}
		ma7 := mean(tail(window, 7))
		ma30 := mean(tail(window, 30))
		st.VolumeMA7 = &ma7
		st.VolumeMA30 = &ma30
		stats = append(stats, st)
	}
	if len(stats) == 0 {
		return nil
	}
	if err := e.stats.UpsertDailyStats(ctx, stats); err != nil {
		return fmt.Errorf("upsert daily stats %s: %w", symbol, err)
	}
	log.Printf("[backfill] %s: seeded %d daily stats", symbol, len(stats))
	return nil
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

// RunBatch runs fn for each symbol, at most batchSize at a time.
// Every task gets a trace ID in its context so log lines from one
// symbol's run can be correlated. Errors are logged and counted, never
// propagated: a failed symbol is retried naturally on its next
// scheduled run.
func (e *Engine) RunBatch(ctx context.Context, symbols []string, kind string, fn func(ctx context.Context, symbol string) error) {
	for start := 0; start < len(symbols); start += batchSize {
		end := start + batchSize
		if end > len(symbols) {
			end = len(symbols)
		}

		var wg sync.WaitGroup
		for _, sym := range symbols[start:end] {
			wg.Add(1)
			go func(sym string) {
				defer wg.Done()
				tctx := logger.WithTraceID(ctx, logger.GenerateTraceID(sym, e.now()))
				if err := fn(tctx, sym); err != nil {
					attrs := append([]any{
						slog.String("kind", kind),
						slog.String("symbol", sym),
						slog.String("error", err.Error()),
					}, logger.LogWithTrace(tctx)...)
					slog.Error("backfill task failed", attrs...)
					if e.metrics != nil {
						e.metrics.BackfillFailures.WithLabelValues(kind).Inc()
					}
				}
			}(sym)
		}
		wg.Wait()

		if ctx.Err() != nil {
			return
		}
	}
}

// RecoverGaps backfills the candle gap for every given symbol. Used
// after a feed reconnect to repair the blackout window.
func (e *Engine) RecoverGaps(ctx context.Context, symbols []string) {
	if len(symbols) == 0 {
		return
	}
	log.Printf("[backfill] recovering gaps for %d symbols", len(symbols))
	e.RunBatch(ctx, symbols, "gap", e.BackfillGap)
}
