// Package universe keeps the tracked-symbol set in sync with the
// exchange: hourly instrument metadata and a 5-minute volume ranking
// that decides which symbols stream live data.
package universe

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync/atomic"

	"crypto-surge-screener/internal/metrics"
	"crypto-surge-screener/internal/model"
)

// Subscriber is the feed surface the manager drives.
type Subscriber interface {
	Subscribe(symbols []string) error
}

// Seeder backfills history for a symbol that just became tracked.
type Seeder interface {
	BackfillDailyHistory(ctx context.Context, symbol string) error
	BackfillToday(ctx context.Context, symbol string) error
	RunBatch(ctx context.Context, symbols []string, kind string, fn func(ctx context.Context, symbol string) error)
}

// Manager owns the symbol universe. Metadata sync maintains the set of
// valid perpetual instruments; ranking sync promotes the top symbols
// by 24h quote volume into TRADING and demotes the rest to BREAK.
// DELISTED is terminal.
type Manager struct {
	api      model.MarketAPI
	symbols  model.SymbolStore
	feed     Subscriber
	seeder   Seeder
	exchange string
	quote    string
	topK     int
	metrics  *metrics.Metrics

	// validSymbols is the last successful exchangeInfo snapshot:
	// map[symbol]model.InstrumentInfo. Never replaced by a failed sync.
	validSymbols atomic.Value

	rankingRunning atomic.Bool
}

// New creates a universe manager. metrics may be nil (tests).
func New(api model.MarketAPI, symbols model.SymbolStore, feed Subscriber, seeder Seeder,
	exchange, quoteAsset string, topK int, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		api:      api,
		symbols:  symbols,
		feed:     feed,
		seeder:   seeder,
		exchange: exchange,
		quote:    quoteAsset,
		topK:     topK,
		metrics:  m,
	}
	mgr.validSymbols.Store(map[string]model.InstrumentInfo{})
	return mgr
}

// ValidSymbols returns the current metadata snapshot. The map must not
// be mutated.
func (m *Manager) ValidSymbols() map[string]model.InstrumentInfo {
	return m.validSymbols.Load().(map[string]model.InstrumentInfo)
}

// SyncExchangeMetadata refreshes the instrument snapshot and delists
// stored symbols that disappeared from the exchange. On fetch failure
// the previous snapshot stays in place.
func (m *Manager) SyncExchangeMetadata(ctx context.Context) error {
	infos, err := m.api.ExchangeInfo(ctx)
	if err != nil {
		return fmt.Errorf("exchange info: %w", err)
	}

	snapshot := make(map[string]model.InstrumentInfo, len(infos))
	for _, info := range infos {
		if !m.eligible(info) {
			continue
		}
		snapshot[info.Symbol] = info
	}
	m.validSymbols.Store(snapshot)

	// Anything we track that the exchange no longer lists is gone for
	// good.
	stored, err := m.symbols.SymbolsByExchange(ctx, m.exchange)
	if err != nil {
		return fmt.Errorf("stored symbols: %w", err)
	}
	var delisted []string
	for _, s := range stored {
		if s.Status == model.StatusDelisted {
			continue
		}
		if _, ok := snapshot[s.Symbol]; !ok {
			delisted = append(delisted, s.Symbol)
		}
	}
	if len(delisted) > 0 {
		if err := m.symbols.UpdateSymbolStatus(ctx, m.exchange, delisted, model.StatusDelisted); err != nil {
			return fmt.Errorf("delist: %w", err)
		}
		log.Printf("[universe] delisted %d symbols: %s", len(delisted), strings.Join(delisted, ", "))
	}

	log.Printf("[universe] metadata sync: %d valid instruments", len(snapshot))
	return nil
}

func (m *Manager) eligible(info model.InstrumentInfo) bool {
	return info.QuoteAsset == m.quote &&
		info.ContractType == "PERPETUAL" &&
		(info.Status == string(model.StatusTrading) || info.Status == string(model.StatusBreak))
}

// SyncRanking re-ranks the universe by 24h quote volume and applies
// status transitions. Guarded against overlapping runs: a sync that
// finds another in flight returns immediately.
func (m *Manager) SyncRanking(ctx context.Context) error {
	if !m.rankingRunning.CompareAndSwap(false, true) {
		log.Printf("[universe] ranking sync already running, skipping")
		return nil
	}
	defer m.rankingRunning.Store(false)

	valid := m.ValidSymbols()
	if len(valid) == 0 {
		log.Printf("[universe] ranking sync skipped: no metadata snapshot yet")
		return nil
	}

	tickers, err := m.api.All24hTickers(ctx)
	if err != nil {
		return fmt.Errorf("24h tickers: %w", err)
	}

	ranked := make([]model.Ticker24h, 0, len(tickers))
	for _, t := range tickers {
		if _, ok := valid[t.Symbol]; ok {
			ranked = append(ranked, t)
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].QuoteVolume24h > ranked[j].QuoteVolume24h
	})
	if len(ranked) > m.topK {
		ranked = ranked[:m.topK]
	}

	top := make(map[string]struct{}, len(ranked))
	for _, t := range ranked {
		top[t.Symbol] = struct{}{}
	}

	stored, err := m.symbols.SymbolsByExchange(ctx, m.exchange)
	if err != nil {
		return fmt.Errorf("stored symbols: %w", err)
	}
	storedByName := make(map[string]model.Symbol, len(stored))
	for _, s := range stored {
		storedByName[s.Symbol] = s
	}

	var activated, demoted []string
	for sym := range top {
		prev, known := storedByName[sym]
		switch {
		case !known:
			info := valid[sym]
			created, err := m.symbols.InsertSymbolIfAbsent(ctx, model.Symbol{
				Exchange:   m.exchange,
				Symbol:     sym,
				BaseAsset:  info.BaseAsset,
				QuoteAsset: info.QuoteAsset,
				Status:     model.StatusTrading,
			})
			if err != nil {
				log.Printf("[universe] insert %s: %v", sym, err)
				continue
			}
			if created {
				activated = append(activated, sym)
			}
		case prev.Status == model.StatusBreak:
			activated = append(activated, sym)
		case prev.Status == model.StatusDelisted:
			// Terminal; a reused ticker name is a different instrument
			// to us, never resurrected.
		}
	}
	for _, s := range stored {
		if s.Status != model.StatusTrading {
			continue
		}
		if _, ok := top[s.Symbol]; !ok {
			demoted = append(demoted, s.Symbol)
		}
	}

	if len(activated) > 0 {
		if err := m.symbols.UpdateSymbolStatus(ctx, m.exchange, activated, model.StatusTrading); err != nil {
			return fmt.Errorf("activate: %w", err)
		}
	}
	if len(demoted) > 0 {
		if err := m.symbols.UpdateSymbolStatus(ctx, m.exchange, demoted, model.StatusBreak); err != nil {
			return fmt.Errorf("demote: %w", err)
		}
	}

	if m.metrics != nil {
		trading, err := m.symbols.SymbolsByStatus(ctx, m.exchange, model.StatusTrading)
		if err == nil {
			m.metrics.SymbolsTracked.Set(float64(len(trading)))
		}
	}

	log.Printf("[universe] ranking sync: top %d, %d activated, %d demoted",
		len(top), len(activated), len(demoted))

	if len(activated) > 0 {
		m.onActivated(ctx, activated)
	}
	return nil
}

// onActivated subscribes newly tracked symbols and seeds their history
// so the analytics engine has baselines on the next tick.
func (m *Manager) onActivated(ctx context.Context, symbols []string) {
	if err := m.feed.Subscribe(symbols); err != nil {
		log.Printf("[universe] subscribe %d symbols: %v", len(symbols), err)
	}
	m.seeder.RunBatch(ctx, symbols, "history", m.seeder.BackfillDailyHistory)
	m.seeder.RunBatch(ctx, symbols, "today", m.seeder.BackfillToday)
}

// TrackedSymbols returns the names of all TRADING symbols.
func (m *Manager) TrackedSymbols(ctx context.Context) ([]string, error) {
	rows, err := m.symbols.SymbolsByStatus(ctx, m.exchange, model.StatusTrading)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, s := range rows {
		out = append(out, s.Symbol)
	}
	return out, nil
}
