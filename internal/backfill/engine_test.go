package backfill

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"crypto-surge-screener/internal/logger"
	"crypto-surge-screener/internal/model"
)

// fakeAPI serves canned klines and records requests.
type fakeAPI struct {
	mu      sync.Mutex
	klines  map[string][]model.Candle // keyed by symbol+interval
	reqs    []klineReq
	failFor map[string]bool
}

type klineReq struct {
	symbol, interval string
	start            time.Time
	limit            int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{klines: make(map[string][]model.Candle), failFor: make(map[string]bool)}
}

func (f *fakeAPI) ExchangeInfo(context.Context) ([]model.InstrumentInfo, error) { return nil, nil }
func (f *fakeAPI) All24hTickers(context.Context) ([]model.Ticker24h, error)    { return nil, nil }
func (f *fakeAPI) Ticker24h(context.Context, string) (*model.Ticker24h, error) { return nil, nil }
func (f *fakeAPI) BookTicker(context.Context, string) (*model.BookTicker, error) {
	return nil, nil
}

func (f *fakeAPI) Klines(_ context.Context, symbol, interval string, start, _ time.Time, limit int) ([]model.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, klineReq{symbol, interval, start, limit})
	if f.failFor[symbol] {
		return nil, errors.New("exchange unavailable")
	}
	var out []model.Candle
	for _, c := range f.klines[symbol+interval] {
		if !c.OpenTime.Before(start) {
			out = append(out, c)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// memStore keeps candles and stats in maps, enough for engine tests.
type memStore struct {
	mu      sync.Mutex
	candles map[string]map[int64]model.Candle // exchange:symbol -> openUnix
	stats   map[string][]model.DailyVolumeStat
}

func newMemStore() *memStore {
	return &memStore{
		candles: make(map[string]map[int64]model.Candle),
		stats:   make(map[string][]model.DailyVolumeStat),
	}
}

func (m *memStore) key(ex, sym string) string { return ex + ":" + sym }

func (m *memStore) UpsertCandles(_ context.Context, cs []model.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cs {
		k := m.key(c.Exchange, c.Symbol)
		if m.candles[k] == nil {
			m.candles[k] = make(map[int64]model.Candle)
		}
		m.candles[k][c.OpenTime.Unix()] = c
	}
	return nil
}

func (m *memStore) VolumeSum(context.Context, string, string, time.Time, time.Time) (float64, float64, error) {
	return 0, 0, nil
}

func (m *memStore) LatestOpenTime(_ context.Context, ex, sym string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max int64
	for ts := range m.candles[m.key(ex, sym)] {
		if ts > max {
			max = ts
		}
	}
	if max == 0 {
		return time.Time{}, false, nil
	}
	return time.Unix(max, 0).UTC(), true, nil
}

func (m *memStore) FirstCandleAt(context.Context, string, string, time.Time) (*model.Candle, error) {
	return nil, nil
}

func (m *memStore) CandleExists(_ context.Context, ex, sym string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.candles[m.key(ex, sym)][at.Unix()]
	return ok, nil
}

func (m *memStore) UpsertDailyStats(_ context.Context, stats []model.DailyVolumeStat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range stats {
		k := m.key(st.Exchange, st.Symbol)
		m.stats[k] = append(m.stats[k], st)
	}
	return nil
}

func (m *memStore) DailyStat(context.Context, string, string, time.Time) (*model.DailyVolumeStat, error) {
	return nil, nil
}

func (m *memStore) RecentDailyStats(context.Context, string, string, time.Time, int) ([]model.DailyVolumeStat, error) {
	return nil, nil
}

// sink writing straight through to the memStore.
type memSink struct{ store *memStore }

func (s *memSink) WriteCandles(ctx context.Context, cs []model.Candle) error {
	return s.store.UpsertCandles(ctx, cs)
}
func (s *memSink) WriteTickers(context.Context, []model.TickerSnapshot) error { return nil }

func newTestEngine(api *fakeAPI, store *memStore, now time.Time) *Engine {
	e := New(api, &memSink{store}, store, store, "BINANCE", 60, nil)
	e.now = func() time.Time { return now }
	return e
}

func minuteCandles(symbol string, start time.Time, n int) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		out[i] = model.Candle{
			Exchange: "BINANCE", Symbol: symbol,
			OpenTime: start.Add(time.Duration(i) * time.Minute),
			Volume:   1,
		}
	}
	return out
}

func TestGapStart_FallsBackTo24h(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 30, 0, time.UTC)
	e := newTestEngine(newFakeAPI(), newMemStore(), now)

	start, err := e.GapStart(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("gap start: %v", err)
	}
	want := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	if !start.Equal(want) {
		t.Errorf("expected %v, got %v", want, start)
	}
}

func TestGapStart_ResumesAfterLatest(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	store := newMemStore()
	latest := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)
	store.UpsertCandles(context.Background(), minuteCandles("BTCUSDT", latest.Add(-5*time.Minute), 6))

	e := newTestEngine(newFakeAPI(), store, now)
	start, err := e.GapStart(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("gap start: %v", err)
	}
	if !start.Equal(latest.Add(time.Minute)) {
		t.Errorf("expected %v, got %v", latest.Add(time.Minute), start)
	}
}

func TestBackfillGap_PagesUntilShortPage(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	api := newFakeAPI()
	store := newMemStore()

	// Stored history ends 2000 minutes ago; the API holds the rest.
	gapStart := now.Add(-2000 * time.Minute)
	store.UpsertCandles(context.Background(), minuteCandles("BTCUSDT", gapStart.Add(-time.Minute), 1))
	api.klines["BTCUSDT1m"] = minuteCandles("BTCUSDT", gapStart, 2000)

	e := newTestEngine(api, store, now)
	if err := e.BackfillGap(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("backfill gap: %v", err)
	}

	// 2000 candles need two pages at the 1500 limit.
	if len(api.reqs) != 2 {
		t.Fatalf("expected 2 kline pages, got %d", len(api.reqs))
	}
	if got := len(store.candles["BINANCE:BTCUSDT"]); got != 2001 {
		t.Errorf("expected 2001 stored candles, got %d", got)
	}
	// Second page resumes one minute after the first page's last candle.
	wantSecond := gapStart.Add(1500 * time.Minute)
	if !api.reqs[1].start.Equal(wantSecond) {
		t.Errorf("expected second page at %v, got %v", wantSecond, api.reqs[1].start)
	}
}

func TestBackfillToday_FetchesFromMidnightWhenMissing(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	midnight := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	api := newFakeAPI()
	api.klines["BTCUSDT1m"] = minuteCandles("BTCUSDT", midnight, 600)
	store := newMemStore()

	e := newTestEngine(api, store, now)
	if err := e.BackfillToday(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("backfill today: %v", err)
	}

	if len(api.reqs) == 0 || !api.reqs[0].start.Equal(midnight) {
		t.Fatalf("expected first request from midnight, got %+v", api.reqs)
	}
	if got := len(store.candles["BINANCE:BTCUSDT"]); got != 600 {
		t.Errorf("expected 600 stored candles, got %d", got)
	}
}

func TestBackfillToday_SkipsToGapWhenMidnightStored(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	midnight := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.UpsertCandles(context.Background(), minuteCandles("BTCUSDT", midnight, 300))

	api := newFakeAPI()
	api.klines["BTCUSDT1m"] = minuteCandles("BTCUSDT", midnight, 600)

	e := newTestEngine(api, store, now)
	if err := e.BackfillToday(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("backfill today: %v", err)
	}

	// Candle 299 is the newest stored; fetch resumes at minute 300.
	want := midnight.Add(300 * time.Minute)
	if len(api.reqs) == 0 || !api.reqs[0].start.Equal(want) {
		t.Fatalf("expected request from %v, got %+v", want, api.reqs)
	}
}

func TestBackfillDailyHistory_SeedsRunningAverages(t *testing.T) {
	now := time.Date(2025, 6, 11, 10, 0, 0, 0, time.UTC)
	api := newFakeAPI()
	store := newMemStore()

	// Ten completed days with volumes 10, 20, ... 100, plus today's
	// open bar that must be excluded.
	first := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	var days []model.Candle
	for i := 0; i < 10; i++ {
		days = append(days, model.Candle{
			Exchange: "BINANCE", Symbol: "BTCUSDT",
			OpenTime: first.AddDate(0, 0, i),
			Volume:   float64((i + 1) * 10), QuoteVolume: float64((i + 1) * 1000),
		})
	}
	days = append(days, model.Candle{
		Exchange: "BINANCE", Symbol: "BTCUSDT",
		OpenTime: time.Date(2025, 6, 11, 0, 0, 0, 0, time.UTC),
		Volume:   999,
	})
	api.klines["BTCUSDT1d"] = days

	e := newTestEngine(api, store, now)
	if err := e.BackfillDailyHistory(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("backfill history: %v", err)
	}

	stats := store.stats["BINANCE:BTCUSDT"]
	if len(stats) != 10 {
		t.Fatalf("expected 10 daily stats (open day excluded), got %d", len(stats))
	}

	last := stats[len(stats)-1]
	if last.VolumeSum != 100 {
		t.Errorf("expected last day volume 100, got %v", last.VolumeSum)
	}
	// MA7 over [40..100] = 70; MA30 over all ten rows = 55.
	if last.VolumeMA7 == nil || *last.VolumeMA7 != 70 {
		t.Errorf("expected ma7=70, got %v", last.VolumeMA7)
	}
	if last.VolumeMA30 == nil || *last.VolumeMA30 != 55 {
		t.Errorf("expected ma30=55, got %v", last.VolumeMA30)
	}

	// First row averages over itself only.
	if stats[0].VolumeMA7 == nil || *stats[0].VolumeMA7 != 10 {
		t.Errorf("expected first ma7=10, got %v", stats[0].VolumeMA7)
	}
}

func TestRunBatch_IsolatesFailures(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	api := newFakeAPI()
	api.failFor["BADUSDT"] = true
	store := newMemStore()
	e := newTestEngine(api, store, now)

	var mu sync.Mutex
	done := make(map[string]bool)

	symbols := []string{"AUSDT", "BADUSDT", "CUSDT"}
	e.RunBatch(context.Background(), symbols, "test", func(ctx context.Context, sym string) error {
		if _, err := api.Klines(ctx, sym, "1m", now, time.Time{}, 1); err != nil {
			return err
		}
		mu.Lock()
		done[sym] = true
		mu.Unlock()
		return nil
	})

	if !done["AUSDT"] || !done["CUSDT"] {
		t.Errorf("expected healthy symbols to complete: %v", done)
	}
	if done["BADUSDT"] {
		t.Error("expected BADUSDT to fail")
	}
}

func TestRunBatch_BoundedParallelism(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	e := newTestEngine(newFakeAPI(), newMemStore(), now)

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0

	symbols := make([]string, 35)
	for i := range symbols {
		symbols[i] = "SYM" + string(rune('A'+i%26))
	}
	e.RunBatch(context.Background(), symbols, "test", func(context.Context, string) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	})

	if maxInFlight > batchSize {
		t.Errorf("expected at most %d concurrent, saw %d", batchSize, maxInFlight)
	}
}

func TestRunBatch_ThreadsTraceID(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	e := newTestEngine(newFakeAPI(), newMemStore(), now)

	var mu sync.Mutex
	traces := make(map[string]string)

	e.RunBatch(context.Background(), []string{"AUSDT", "BUSDT"}, "test", func(ctx context.Context, sym string) error {
		mu.Lock()
		traces[sym] = logger.TraceID(ctx)
		mu.Unlock()
		return nil
	})

	for _, sym := range []string{"AUSDT", "BUSDT"} {
		tid := traces[sym]
		if tid == "" {
			t.Errorf("%s: task context carries no trace id", sym)
			continue
		}
		if !strings.HasPrefix(tid, sym+"-") {
			t.Errorf("%s: trace id %q does not name the symbol", sym, tid)
		}
	}
}
