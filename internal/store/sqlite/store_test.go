package sqlite

import (
	"context"
	"testing"
	"time"

	"crypto-surge-screener/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func fptr(f float64) *float64 { return &f }

func TestUpsertCandles_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	open := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := model.Candle{
		Exchange: "BINANCE", Symbol: "BTCUSDT", OpenTime: open,
		Open: 100, High: 110, Low: 95, Close: 105, Volume: 10, QuoteVolume: 1050, Trades: 42,
	}
	if err := s.UpsertCandles(ctx, []model.Candle{c}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// Replay with updated close; last write must win, no duplicate row.
	c.Close = 106
	c.Volume = 12
	if err := s.UpsertCandles(ctx, []model.Candle{c}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	base, quote, err := s.VolumeSum(ctx, "BINANCE", "BTCUSDT", open, open.Add(time.Minute))
	if err != nil {
		t.Fatalf("volume sum: %v", err)
	}
	if base != 12 {
		t.Errorf("expected base volume 12 after replay, got %v", base)
	}
	if quote != 1050 {
		t.Errorf("expected quote volume 1050, got %v", quote)
	}
}

func TestVolumeSum_RangeIsHalfOpen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	var candles []model.Candle
	for i := 0; i < 5; i++ {
		candles = append(candles, model.Candle{
			Exchange: "BINANCE", Symbol: "ETHUSDT",
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Volume:   float64(i + 1), QuoteVolume: float64((i + 1) * 10),
		})
	}
	if err := s.UpsertCandles(ctx, candles); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// [minute 1, minute 4) covers volumes 2+3+4.
	got, _, err := s.VolumeSum(ctx, "BINANCE", "ETHUSDT", base.Add(time.Minute), base.Add(4*time.Minute))
	if err != nil {
		t.Fatalf("volume sum: %v", err)
	}
	if got != 9 {
		t.Errorf("expected 9, got %v", got)
	}

	// Empty range sums to zero, not an error.
	got, _, err = s.VolumeSum(ctx, "BINANCE", "ETHUSDT", base.Add(time.Hour), base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("empty range: %v", err)
	}
	if got != 0 {
		t.Errorf("expected 0 for empty range, got %v", got)
	}
}

func TestLatestOpenTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LatestOpenTime(ctx, "BINANCE", "BTCUSDT")
	if err != nil {
		t.Fatalf("latest open time: %v", err)
	}
	if ok {
		t.Error("expected ok=false for empty table")
	}

	latest := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	err = s.UpsertCandles(ctx, []model.Candle{
		{Exchange: "BINANCE", Symbol: "BTCUSDT", OpenTime: latest.Add(-time.Minute)},
		{Exchange: "BINANCE", Symbol: "BTCUSDT", OpenTime: latest},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	ts, ok, err := s.LatestOpenTime(ctx, "BINANCE", "BTCUSDT")
	if err != nil || !ok {
		t.Fatalf("latest open time: ok=%v err=%v", ok, err)
	}
	if !ts.Equal(latest) {
		t.Errorf("expected %v, got %v", latest, ts)
	}
}

func TestFirstCandleAt_AndExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	midnight := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	err := s.UpsertCandles(ctx, []model.Candle{
		{Exchange: "BINANCE", Symbol: "BTCUSDT", OpenTime: midnight.Add(3 * time.Minute), Open: 50},
		{Exchange: "BINANCE", Symbol: "BTCUSDT", OpenTime: midnight.Add(7 * time.Minute), Open: 60},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	c, err := s.FirstCandleAt(ctx, "BINANCE", "BTCUSDT", midnight)
	if err != nil {
		t.Fatalf("first candle: %v", err)
	}
	if c == nil || c.Open != 50 {
		t.Fatalf("expected first candle open=50, got %+v", c)
	}

	c, err = s.FirstCandleAt(ctx, "BINANCE", "BTCUSDT", midnight.Add(time.Hour))
	if err != nil {
		t.Fatalf("first candle after range: %v", err)
	}
	if c != nil {
		t.Errorf("expected nil past stored range, got %+v", c)
	}

	exists, err := s.CandleExists(ctx, "BINANCE", "BTCUSDT", midnight.Add(3*time.Minute))
	if err != nil || !exists {
		t.Errorf("expected candle to exist: exists=%v err=%v", exists, err)
	}
	exists, err = s.CandleExists(ctx, "BINANCE", "BTCUSDT", midnight)
	if err != nil || exists {
		t.Errorf("expected no candle at midnight: exists=%v err=%v", exists, err)
	}
}

func TestInsertSymbolIfAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sym := model.Symbol{
		Exchange: "BINANCE", Symbol: "BTCUSDT",
		BaseAsset: "BTC", QuoteAsset: "USDT", Status: model.StatusTrading,
	}
	created, err := s.InsertSymbolIfAbsent(ctx, sym)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !created {
		t.Error("expected created=true on first insert")
	}

	// Second insert must not replace and must report false.
	sym.Status = model.StatusBreak
	created, err = s.InsertSymbolIfAbsent(ctx, sym)
	if err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	if created {
		t.Error("expected created=false on duplicate insert")
	}

	rows, err := s.SymbolsByStatus(ctx, "BINANCE", model.StatusTrading)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected original TRADING row to survive, got %d rows", len(rows))
	}
}

func TestUpdateSymbolStatus_Batch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"AUSDT", "BUSDT", "CUSDT"} {
		_, err := s.InsertSymbolIfAbsent(ctx, model.Symbol{
			Exchange: "BINANCE", Symbol: name, BaseAsset: name[:1], QuoteAsset: "USDT",
			Status: model.StatusTrading,
		})
		if err != nil {
			t.Fatalf("insert %s: %v", name, err)
		}
	}

	err := s.UpdateSymbolStatus(ctx, "BINANCE", []string{"AUSDT", "CUSDT"}, model.StatusBreak)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	onBreak, err := s.SymbolsByStatus(ctx, "BINANCE", model.StatusBreak)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(onBreak) != 2 {
		t.Fatalf("expected 2 BREAK symbols, got %d", len(onBreak))
	}
	trading, err := s.SymbolsByStatus(ctx, "BINANCE", model.StatusTrading)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(trading) != 1 || trading[0].Symbol != "BUSDT" {
		t.Errorf("expected only BUSDT trading, got %+v", trading)
	}
}

func TestDailyStats_RoundTripAndOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	day := func(d int) time.Time { return time.Date(2025, 6, d, 0, 0, 0, 0, time.UTC) }
	stats := []model.DailyVolumeStat{
		{Exchange: "BINANCE", Symbol: "BTCUSDT", Date: day(1), VolumeSum: 100, QuoteVolumeSum: 1000},
		{Exchange: "BINANCE", Symbol: "BTCUSDT", Date: day(2), VolumeSum: 200, QuoteVolumeSum: 2000, VolumeMA7: fptr(150)},
		{Exchange: "BINANCE", Symbol: "BTCUSDT", Date: day(3), VolumeSum: 300, QuoteVolumeSum: 3000, VolumeMA7: fptr(200), VolumeMA30: fptr(200)},
	}
	if err := s.UpsertDailyStats(ctx, stats); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	st, err := s.DailyStat(ctx, "BINANCE", "BTCUSDT", day(2))
	if err != nil {
		t.Fatalf("daily stat: %v", err)
	}
	if st == nil || st.VolumeSum != 200 {
		t.Fatalf("expected volume sum 200, got %+v", st)
	}
	if st.VolumeMA7 == nil || *st.VolumeMA7 != 150 {
		t.Errorf("expected ma7=150, got %v", st.VolumeMA7)
	}
	if st.VolumeMA30 != nil {
		t.Errorf("expected nil ma30, got %v", *st.VolumeMA30)
	}

	// Missing date is nil, not an error.
	st, err = s.DailyStat(ctx, "BINANCE", "BTCUSDT", day(9))
	if err != nil {
		t.Fatalf("missing daily stat: %v", err)
	}
	if st != nil {
		t.Errorf("expected nil for missing date, got %+v", st)
	}

	recent, err := s.RecentDailyStats(ctx, "BINANCE", "BTCUSDT", day(2), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 rows up to day 2, got %d", len(recent))
	}
	if !recent[0].Date.Equal(day(2)) || !recent[1].Date.Equal(day(1)) {
		t.Errorf("expected newest-first ordering, got %v then %v", recent[0].Date, recent[1].Date)
	}
}

func TestUpsertMetrics_Overwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := model.SymbolMetrics{
		Exchange: "BINANCE", Symbol: "BTCUSDT",
		RVOL1m: 9.5, RVOL5m: 5.0, RVOL15m: 3.5, IsSurging: true,
		LastUpdated: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := s.UpsertMetrics(ctx, m); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	m.RVOL1m = 1.0
	m.IsSurging = false
	if err := s.UpsertMetrics(ctx, m); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var n int
	if err := s.db.Get(&n, `SELECT COUNT(1) FROM symbol_metrics`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected single metrics row, got %d", n)
	}
}

func TestTickers_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	err := s.UpsertTickers(ctx, []model.TickerSnapshot{
		{Exchange: "BINANCE", Symbol: "BTCUSDT", LastPrice: 50000, PriceChangePercent: 2.5, Volume24h: 1000, QuoteVolume24h: 5e7, LastUpdated: ts},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Overwrite with a fresher snapshot.
	err = s.UpsertTickers(ctx, []model.TickerSnapshot{
		{Exchange: "BINANCE", Symbol: "BTCUSDT", LastPrice: 50500, PriceChangePercent: 3.0, Volume24h: 1100, QuoteVolume24h: 5.5e7, LastUpdated: ts.Add(time.Second)},
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := s.Ticker(ctx, "BINANCE", "BTCUSDT")
	if err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if got == nil || got.LastPrice != 50500 {
		t.Fatalf("expected last price 50500, got %+v", got)
	}

	missing, err := s.Ticker(ctx, "BINANCE", "NOPEUSDT")
	if err != nil {
		t.Fatalf("missing ticker: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown symbol, got %+v", missing)
	}
}
