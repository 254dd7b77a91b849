package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"crypto-surge-screener/internal/model"
)

type fakeCandleStore struct {
	batches [][]model.Candle
	fail    bool
}

func (f *fakeCandleStore) UpsertCandles(_ context.Context, cs []model.Candle) error {
	if f.fail {
		return errors.New("store down")
	}
	f.batches = append(f.batches, cs)
	return nil
}

func (f *fakeCandleStore) VolumeSum(context.Context, string, string, time.Time, time.Time) (float64, float64, error) {
	return 0, 0, nil
}
func (f *fakeCandleStore) LatestOpenTime(context.Context, string, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (f *fakeCandleStore) FirstCandleAt(context.Context, string, string, time.Time) (*model.Candle, error) {
	return nil, nil
}
func (f *fakeCandleStore) CandleExists(context.Context, string, string, time.Time) (bool, error) {
	return false, nil
}

type fakeTickerStore struct {
	batches [][]model.TickerSnapshot
}

func (f *fakeTickerStore) UpsertTickers(_ context.Context, ts []model.TickerSnapshot) error {
	f.batches = append(f.batches, ts)
	return nil
}
func (f *fakeTickerStore) Ticker(context.Context, string, string) (*model.TickerSnapshot, error) {
	return nil, nil
}

func TestWriteCandles_Chunks(t *testing.T) {
	store := &fakeCandleStore{}
	sink := New(store, &fakeTickerStore{}, nil)

	candles := make([]model.Candle, 2500)
	for i := range candles {
		candles[i] = model.Candle{Exchange: "BINANCE", Symbol: "BTCUSDT"}
	}
	if err := sink.WriteCandles(context.Background(), candles); err != nil {
		t.Fatalf("write: %v", err)
	}

	if len(store.batches) != 3 {
		t.Fatalf("expected 3 chunks for 2500 candles, got %d", len(store.batches))
	}
	if len(store.batches[0]) != 1000 || len(store.batches[2]) != 500 {
		t.Errorf("unexpected chunk sizes: %d, %d, %d",
			len(store.batches[0]), len(store.batches[1]), len(store.batches[2]))
	}
}

func TestWriteCandles_PropagatesError(t *testing.T) {
	sink := New(&fakeCandleStore{fail: true}, &fakeTickerStore{}, nil)
	err := sink.WriteCandles(context.Background(), []model.Candle{{}})
	if err == nil {
		t.Fatal("expected store error to propagate")
	}
}

func TestWriteTickers_EmptyIsNoop(t *testing.T) {
	store := &fakeTickerStore{}
	sink := New(&fakeCandleStore{}, store, nil)
	if err := sink.WriteTickers(context.Background(), nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(store.batches) != 0 {
		t.Errorf("expected no batches for empty write, got %d", len(store.batches))
	}
}
