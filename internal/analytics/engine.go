package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"crypto-surge-screener/internal/metrics"
	"crypto-surge-screener/internal/model"
)

// minutesPerDay normalizes the MA30 daily baseline into per-window
// expected volume.
const minutesPerDay = 1440

// rvolWindows are the trailing windows computed per tick, in minutes.
var rvolWindows = []int{1, 5, 15, 30, 60, 240}

// Thresholds are the strict lower bounds a symbol must exceed on all
// three short windows to be flagged surging.
type Thresholds struct {
	RVOL1m  float64
	RVOL5m  float64
	RVOL15m float64
}

// Cache mirrors computed metrics into a fast store and publishes the
// batch snapshot to subscribers. Implementations must tolerate being
// nil-backed: the engine treats cache errors as non-fatal.
type Cache interface {
	SetMetrics(ctx context.Context, m model.SymbolMetrics) error
	PublishSnapshots(ctx context.Context, snaps []model.TickerMetricsSnapshot) error
}

// Alerter is notified once per surging symbol per tick. It owns the
// cooldown.
type Alerter interface {
	HandleSurge(ctx context.Context, m model.SymbolMetrics, lastPrice float64)
}

// Engine computes per-symbol relative volume once a minute:
// actual volume over each trailing window against the share of the
// 30-day daily average that window represents.
type Engine struct {
	candles    model.CandleStore
	stats      model.DailyStatStore
	symbols    model.SymbolStore
	metricRows model.MetricsStore
	tickerRows model.TickerStore
	api        model.MarketAPI
	cache      Cache
	alerter    Alerter
	exchange   string
	thresholds Thresholds
	prom       *metrics.Metrics

	now func() time.Time // test override
}

// NewEngine wires the metrics engine. cache, alerter and prom may be
// nil.
func NewEngine(candles model.CandleStore, stats model.DailyStatStore, symbols model.SymbolStore,
	metricRows model.MetricsStore, tickerRows model.TickerStore, api model.MarketAPI,
	cache Cache, alerter Alerter, exchange string, thresholds Thresholds, prom *metrics.Metrics) *Engine {
	return &Engine{
		candles:    candles,
		stats:      stats,
		symbols:    symbols,
		metricRows: metricRows,
		tickerRows: tickerRows,
		api:        api,
		cache:      cache,
		alerter:    alerter,
		exchange:   exchange,
		thresholds: thresholds,
		prom:       prom,
		now:        time.Now,
	}
}

// Tick computes metrics for every TRADING symbol. One REST call fetches
// the 24h tickers for the whole universe; symbols missing from it fall
// back to the last streamed snapshot. Per-symbol failures are logged
// and skipped.
func (e *Engine) Tick(ctx context.Context) error {
	started := e.now()
	defer func() {
		if e.prom != nil {
			e.prom.MetricsTickDur.Observe(time.Since(started).Seconds())
		}
	}()

	tracked, err := e.symbols.SymbolsByStatus(ctx, e.exchange, model.StatusTrading)
	if err != nil {
		return fmt.Errorf("tracked symbols: %w", err)
	}
	if len(tracked) == 0 {
		return nil
	}

	tickers := e.fetchTickers(ctx)

	var snaps []model.TickerMetricsSnapshot
	var surging int
	for _, sym := range tracked {
		snap, err := e.tickSymbol(ctx, sym.Symbol, tickers[sym.Symbol])
		if err != nil {
			log.Printf("[analytics] %s: %v", sym.Symbol, err)
			continue
		}
		if snap == nil {
			continue // no baseline yet
		}
		snaps = append(snaps, *snap)
		if snap.IsSurging {
			surging++
		}
	}

	if e.prom != nil {
		e.prom.SymbolsSurging.Set(float64(surging))
		e.prom.MetricsComputed.Add(float64(len(snaps)))
	}

	if e.cache != nil && len(snaps) > 0 {
		if err := e.cache.PublishSnapshots(ctx, snaps); err != nil {
			log.Printf("[analytics] publish snapshots: %v", err)
		}
	}
	return nil
}

// fetchTickers returns the freshest 24h snapshot per symbol. REST
// failure degrades to the streamed snapshots already in the store.
func (e *Engine) fetchTickers(ctx context.Context) map[string]model.TickerSnapshot {
	out := make(map[string]model.TickerSnapshot)
	rest, err := e.api.All24hTickers(ctx)
	if err != nil {
		log.Printf("[analytics] 24h tickers unavailable, using stored snapshots: %v", err)
		return out
	}
	now := e.now().UTC()
	for _, t := range rest {
		out[t.Symbol] = model.TickerSnapshot{
			Exchange:           e.exchange,
			Symbol:             t.Symbol,
			LastPrice:          t.LastPrice,
			PriceChangePercent: t.PriceChangePercent,
			Volume24h:          t.Volume24h,
			QuoteVolume24h:     t.QuoteVolume24h,
			LastUpdated:        now,
		}
	}
	return out
}

func (e *Engine) tickSymbol(ctx context.Context, symbol string, ticker model.TickerSnapshot) (*model.TickerMetricsSnapshot, error) {
	now := e.now().UTC()
	end := model.MinuteFloor(now) // last completed minute boundary
	midnight := model.DayFloor(now)

	// The baseline is yesterday's stat row; without it (or its MA30)
	// the symbol has no denominator yet.
	stat, err := e.stats.DailyStat(ctx, e.exchange, symbol, midnight.AddDate(0, 0, -1))
	if err != nil {
		return nil, fmt.Errorf("daily stat: %w", err)
	}
	if stat == nil || stat.VolumeMA30 == nil || *stat.VolumeMA30 <= 0 {
		return nil, nil
	}
	ma30 := *stat.VolumeMA30

	if ticker.Symbol == "" {
		stored, err := e.tickerRows.Ticker(ctx, e.exchange, symbol)
		if err != nil {
			return nil, fmt.Errorf("stored ticker: %w", err)
		}
		if stored != nil {
			ticker = *stored
		}
	}

	m := model.SymbolMetrics{
		Exchange:              e.exchange,
		Symbol:                symbol,
		PriceChangePercent24h: ticker.PriceChangePercent,
		LastUpdated:           now,
	}

	rvols := make([]float64, len(rvolWindows))
	for i, mins := range rvolWindows {
		actual, _, err := e.candles.VolumeSum(ctx, e.exchange, symbol, end.Add(-time.Duration(mins)*time.Minute), end)
		if err != nil {
			return nil, fmt.Errorf("window %dm: %w", mins, err)
		}
		expected := ma30 * float64(mins) / minutesPerDay
		rvols[i] = computeRVOL(actual, expected)
	}
	m.RVOL1m, m.RVOL5m, m.RVOL15m, m.RVOL30m, m.RVOL1h, m.RVOL4h =
		rvols[0], rvols[1], rvols[2], rvols[3], rvols[4], rvols[5]

	// Today's window runs from midnight to the last completed minute.
	// Right after midnight zero minutes have elapsed; treat that as one
	// so the expected volume never collapses to zero.
	todayMinutes := end.Sub(midnight).Minutes()
	if todayMinutes < 1 {
		todayMinutes = 1
	}
	actualToday, _, err := e.candles.VolumeSum(ctx, e.exchange, symbol, midnight, end)
	if err != nil {
		return nil, fmt.Errorf("today window: %w", err)
	}
	m.RVOLToday = computeRVOL(actualToday, ma30*todayMinutes/minutesPerDay)

	m.PriceChangePercentToday, err = e.todayPriceChange(ctx, symbol, midnight, ticker.LastPrice)
	if err != nil {
		return nil, err
	}

	m.IsSurging = m.RVOL1m > e.thresholds.RVOL1m &&
		m.RVOL5m > e.thresholds.RVOL5m &&
		m.RVOL15m > e.thresholds.RVOL15m

	if err := e.metricRows.UpsertMetrics(ctx, m); err != nil {
		return nil, fmt.Errorf("upsert metrics: %w", err)
	}
	if e.cache != nil {
		if err := e.cache.SetMetrics(ctx, m); err != nil {
			log.Printf("[analytics] cache %s: %v", symbol, err)
		}
	}
	if m.IsSurging && e.alerter != nil {
		e.alerter.HandleSurge(ctx, m, ticker.LastPrice)
	}

	return &model.TickerMetricsSnapshot{
		Exchange:                m.Exchange,
		Symbol:                  m.Symbol,
		LastPrice:               ticker.LastPrice,
		PriceChangePercent:      ticker.PriceChangePercent,
		Volume24h:               ticker.Volume24h,
		QuoteVolume24h:          ticker.QuoteVolume24h,
		RVOL1m:                  m.RVOL1m,
		RVOL5m:                  m.RVOL5m,
		RVOL15m:                 m.RVOL15m,
		RVOL30m:                 m.RVOL30m,
		RVOL1h:                  m.RVOL1h,
		RVOL4h:                  m.RVOL4h,
		RVOLToday:               m.RVOLToday,
		PriceChangePercentToday: m.PriceChangePercentToday,
		IsSurging:               m.IsSurging,
		LastUpdated:             m.LastUpdated,
	}, nil
}

// todayPriceChange compares the open of the first candle at or after
// midnight against the last traded price.
func (e *Engine) todayPriceChange(ctx context.Context, symbol string, midnight time.Time, lastPrice float64) (float64, error) {
	first, err := e.candles.FirstCandleAt(ctx, e.exchange, symbol, midnight)
	if err != nil {
		return 0, fmt.Errorf("first candle: %w", err)
	}
	if first == nil || first.Open == 0 || lastPrice == 0 {
		return 0, nil
	}
	return (lastPrice - first.Open) / first.Open * 100, nil
}

// computeRVOL is the ratio of observed to expected volume. Any zero or
// negative denominator yields 0 rather than an infinity.
func computeRVOL(actual, expected float64) float64 {
	if expected <= 0 {
		return 0
	}
	return actual / expected
}
