// Package ingest turns feed and backfill events into idempotent store
// writes, chunking large batches and counting throughput.
package ingest

import (
	"context"
	"time"

	"crypto-surge-screener/internal/metrics"
	"crypto-surge-screener/internal/model"
)

// writeChunkSize bounds a single upsert transaction.
const writeChunkSize = 1000

// Sink writes candles and tickers into the store. All writes are
// upserts, so replays from reconnects and overlapping backfills are
// harmless.
type Sink struct {
	candles model.CandleStore
	tickers model.TickerStore
	metrics *metrics.Metrics
}

// New creates a sink. metrics may be nil (tests).
func New(candles model.CandleStore, tickers model.TickerStore, m *metrics.Metrics) *Sink {
	return &Sink{candles: candles, tickers: tickers, metrics: m}
}

// WriteCandles upserts candles in chunks of at most writeChunkSize.
func (s *Sink) WriteCandles(ctx context.Context, candles []model.Candle) error {
	for start := 0; start < len(candles); start += writeChunkSize {
		end := start + writeChunkSize
		if end > len(candles) {
			end = len(candles)
		}
		began := time.Now()
		if err := s.candles.UpsertCandles(ctx, candles[start:end]); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.SQLiteCommitDur.Observe(time.Since(began).Seconds())
			s.metrics.CandlesIngested.Add(float64(end - start))
		}
	}
	return nil
}

// WriteTickers upserts coalesced ticker snapshots in chunks.
func (s *Sink) WriteTickers(ctx context.Context, tickers []model.TickerSnapshot) error {
	for start := 0; start < len(tickers); start += writeChunkSize {
		end := start + writeChunkSize
		if end > len(tickers) {
			end = len(tickers)
		}
		if err := s.tickers.UpsertTickers(ctx, tickers[start:end]); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.TickersIngested.Add(float64(end - start))
		}
	}
	return nil
}
