// Package sqlite implements the persistence ports on a single SQLite
// database. All writes go through batched transactions with upsert
// semantics so feed replays and backfill overlaps are harmless.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"crypto-surge-screener/internal/model"
)

const dateLayout = "2006-01-02"

// Store implements CandleStore, SymbolStore, DailyStatStore,
// MetricsStore and TickerStore on one SQLite file.
type Store struct {
	db *sqlx.DB
}

// DB returns the underlying handle for health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

// New opens the database, enables WAL mode and creates the schema.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", dbPath)
	return &Store{db: db}, nil
}

func createSchema(db *sqlx.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS symbols (
			exchange    TEXT NOT NULL,
			symbol      TEXT NOT NULL,
			base_asset  TEXT NOT NULL,
			quote_asset TEXT NOT NULL,
			status      TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL,
			PRIMARY KEY (exchange, symbol)
		);

		CREATE TABLE IF NOT EXISTS candles_1m (
			exchange     TEXT    NOT NULL,
			symbol       TEXT    NOT NULL,
			open_time    INTEGER NOT NULL,
			open         REAL    NOT NULL,
			high         REAL    NOT NULL,
			low          REAL    NOT NULL,
			close        REAL    NOT NULL,
			volume       REAL    NOT NULL,
			quote_volume REAL    NOT NULL,
			trades       INTEGER NOT NULL,
			PRIMARY KEY (exchange, symbol, open_time)
		);

		CREATE TABLE IF NOT EXISTS daily_volume_stats (
			exchange         TEXT NOT NULL,
			symbol           TEXT NOT NULL,
			date             TEXT NOT NULL,
			volume_sum       REAL NOT NULL,
			quote_volume_sum REAL NOT NULL,
			volume_ma_7d     REAL,
			volume_ma_30d    REAL,
			PRIMARY KEY (exchange, symbol, date)
		);

		CREATE TABLE IF NOT EXISTS symbol_metrics (
			exchange                   TEXT NOT NULL,
			symbol                     TEXT NOT NULL,
			rvol_1m                    REAL NOT NULL,
			rvol_5m                    REAL NOT NULL,
			rvol_15m                   REAL NOT NULL,
			rvol_30m                   REAL NOT NULL,
			rvol_1h                    REAL NOT NULL,
			rvol_4h                    REAL NOT NULL,
			rvol_today                 REAL NOT NULL,
			price_change_percent24h    REAL NOT NULL,
			price_change_percent_today REAL NOT NULL,
			is_surging                 INTEGER NOT NULL,
			last_updated               INTEGER NOT NULL,
			PRIMARY KEY (exchange, symbol)
		);

		CREATE TABLE IF NOT EXISTS ticker_24h_latest (
			exchange             TEXT NOT NULL,
			symbol               TEXT NOT NULL,
			last_price           REAL NOT NULL,
			price_change_percent REAL NOT NULL,
			volume24h            REAL NOT NULL,
			quote_volume24h      REAL NOT NULL,
			last_updated         INTEGER NOT NULL,
			PRIMARY KEY (exchange, symbol)
		);
	`)
	return err
}

// ── CandleStore ──

// UpsertCandles writes candles in one transaction, replacing rows that
// share the (exchange, symbol, open_time) key.
func (s *Store) UpsertCandles(ctx context.Context, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles_1m (exchange, symbol, open_time, open, high, low, close, volume, quote_volume, trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (exchange, symbol, open_time) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume,
			quote_volume = excluded.quote_volume, trades = excluded.trades
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		_, err := stmt.ExecContext(ctx, c.Exchange, c.Symbol, c.OpenTime.Unix(),
			c.Open, c.High, c.Low, c.Close, c.Volume, c.QuoteVolume, c.Trades)
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// VolumeSum sums base and quote volume over open_time in [from, to).
func (s *Store) VolumeSum(ctx context.Context, exchange, symbol string, from, to time.Time) (float64, float64, error) {
	var row struct {
		Base  sql.NullFloat64 `db:"base"`
		Quote sql.NullFloat64 `db:"quote"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT SUM(volume) AS base, SUM(quote_volume) AS quote
		FROM candles_1m
		WHERE exchange = ? AND symbol = ? AND open_time >= ? AND open_time < ?
	`, exchange, symbol, from.Unix(), to.Unix())
	if err != nil {
		return 0, 0, fmt.Errorf("sqlite volume sum: %w", err)
	}
	return row.Base.Float64, row.Quote.Float64, nil
}

// LatestOpenTime returns the newest stored open time for a symbol.
func (s *Store) LatestOpenTime(ctx context.Context, exchange, symbol string) (time.Time, bool, error) {
	var ts sql.NullInt64
	err := s.db.GetContext(ctx, &ts,
		`SELECT MAX(open_time) FROM candles_1m WHERE exchange = ? AND symbol = ?`,
		exchange, symbol)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("sqlite latest open time: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), true, nil
}

// FirstCandleAt returns the earliest candle with open_time >= at.
func (s *Store) FirstCandleAt(ctx context.Context, exchange, symbol string, at time.Time) (*model.Candle, error) {
	var r candleRow
	err := s.db.GetContext(ctx, &r, `
		SELECT exchange, symbol, open_time, open, high, low, close, volume, quote_volume, trades
		FROM candles_1m
		WHERE exchange = ? AND symbol = ? AND open_time >= ?
		ORDER BY open_time ASC LIMIT 1
	`, exchange, symbol, at.Unix())
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite first candle: %w", err)
	}
	c := r.toCandle()
	return &c, nil
}

// CandleExists reports whether the candle at exactly openTime is stored.
func (s *Store) CandleExists(ctx context.Context, exchange, symbol string, openTime time.Time) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(1) FROM candles_1m WHERE exchange = ? AND symbol = ? AND open_time = ?`,
		exchange, symbol, openTime.Unix())
	if err != nil {
		return false, fmt.Errorf("sqlite candle exists: %w", err)
	}
	return n > 0, nil
}

type candleRow struct {
	Exchange    string  `db:"exchange"`
	Symbol      string  `db:"symbol"`
	OpenTime    int64   `db:"open_time"`
	Open        float64 `db:"open"`
	High        float64 `db:"high"`
	Low         float64 `db:"low"`
	Close       float64 `db:"close"`
	Volume      float64 `db:"volume"`
	QuoteVolume float64 `db:"quote_volume"`
	Trades      int64   `db:"trades"`
}

func (r candleRow) toCandle() model.Candle {
	return model.Candle{
		Exchange:    r.Exchange,
		Symbol:      r.Symbol,
		OpenTime:    time.Unix(r.OpenTime, 0).UTC(),
		Open:        r.Open,
		High:        r.High,
		Low:         r.Low,
		Close:       r.Close,
		Volume:      r.Volume,
		QuoteVolume: r.QuoteVolume,
		Trades:      r.Trades,
	}
}

// ── SymbolStore ──

// InsertSymbolIfAbsent inserts a symbol and reports whether this call
// created the row. Existing rows are left untouched.
func (s *Store) InsertSymbolIfAbsent(ctx context.Context, sym model.Symbol) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO symbols (exchange, symbol, base_asset, quote_asset, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sym.Exchange, sym.Symbol, sym.BaseAsset, sym.QuoteAsset, string(sym.Status), now.Unix(), now.Unix())
	if err != nil {
		return false, fmt.Errorf("sqlite insert symbol: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SymbolsByExchange returns all symbol rows for an exchange.
func (s *Store) SymbolsByExchange(ctx context.Context, exchange string) ([]model.Symbol, error) {
	return s.querySymbols(ctx,
		`SELECT exchange, symbol, base_asset, quote_asset, status, created_at, updated_at
		 FROM symbols WHERE exchange = ? ORDER BY symbol`, exchange)
}

// SymbolsByStatus returns all symbol rows in the given status.
func (s *Store) SymbolsByStatus(ctx context.Context, exchange string, status model.SymbolStatus) ([]model.Symbol, error) {
	return s.querySymbols(ctx,
		`SELECT exchange, symbol, base_asset, quote_asset, status, created_at, updated_at
		 FROM symbols WHERE exchange = ? AND status = ? ORDER BY symbol`, exchange, string(status))
}

func (s *Store) querySymbols(ctx context.Context, query string, args ...any) ([]model.Symbol, error) {
	var rows []symbolRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("sqlite query symbols: %w", err)
	}
	out := make([]model.Symbol, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Symbol{
			Exchange:   r.Exchange,
			Symbol:     r.Symbol,
			BaseAsset:  r.BaseAsset,
			QuoteAsset: r.QuoteAsset,
			Status:     model.SymbolStatus(r.Status),
			CreatedAt:  time.Unix(r.CreatedAt, 0).UTC(),
			UpdatedAt:  time.Unix(r.UpdatedAt, 0).UTC(),
		})
	}
	return out, nil
}

type symbolRow struct {
	Exchange   string `db:"exchange"`
	Symbol     string `db:"symbol"`
	BaseAsset  string `db:"base_asset"`
	QuoteAsset string `db:"quote_asset"`
	Status     string `db:"status"`
	CreatedAt  int64  `db:"created_at"`
	UpdatedAt  int64  `db:"updated_at"`
}

// UpdateSymbolStatus sets the status for the given symbols in one statement.
func (s *Store) UpdateSymbolStatus(ctx context.Context, exchange string, symbols []string, status model.SymbolStatus) error {
	if len(symbols) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(symbols)), ",")
	args := make([]any, 0, len(symbols)+3)
	args = append(args, string(status), time.Now().UTC().Unix(), exchange)
	for _, sym := range symbols {
		args = append(args, sym)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE symbols SET status = ?, updated_at = ? WHERE exchange = ? AND symbol IN (%s)`,
		placeholders), args...)
	if err != nil {
		return fmt.Errorf("sqlite update symbol status: %w", err)
	}
	return nil
}

// ── DailyStatStore ──

// UpsertDailyStats writes daily stat rows in one transaction.
func (s *Store) UpsertDailyStats(ctx context.Context, stats []model.DailyVolumeStat) error {
	if len(stats) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_volume_stats (exchange, symbol, date, volume_sum, quote_volume_sum, volume_ma_7d, volume_ma_30d)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (exchange, symbol, date) DO UPDATE SET
			volume_sum = excluded.volume_sum,
			quote_volume_sum = excluded.quote_volume_sum,
			volume_ma_7d = excluded.volume_ma_7d,
			volume_ma_30d = excluded.volume_ma_30d
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, st := range stats {
		_, err := stmt.ExecContext(ctx, st.Exchange, st.Symbol, st.Date.UTC().Format(dateLayout),
			st.VolumeSum, st.QuoteVolumeSum, nullable(st.VolumeMA7), nullable(st.VolumeMA30))
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func nullable(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// DailyStat returns the stat row for one date, or nil when absent.
func (s *Store) DailyStat(ctx context.Context, exchange, symbol string, date time.Time) (*model.DailyVolumeStat, error) {
	var r dailyStatRow
	err := s.db.GetContext(ctx, &r, `
		SELECT exchange, symbol, date, volume_sum, quote_volume_sum, volume_ma_7d, volume_ma_30d
		FROM daily_volume_stats
		WHERE exchange = ? AND symbol = ? AND date = ?
	`, exchange, symbol, date.UTC().Format(dateLayout))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite daily stat: %w", err)
	}
	st, err := r.toStat()
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// RecentDailyStats returns up to n rows with date <= upTo, newest first.
func (s *Store) RecentDailyStats(ctx context.Context, exchange, symbol string, upTo time.Time, n int) ([]model.DailyVolumeStat, error) {
	var rows []dailyStatRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT exchange, symbol, date, volume_sum, quote_volume_sum, volume_ma_7d, volume_ma_30d
		FROM daily_volume_stats
		WHERE exchange = ? AND symbol = ? AND date <= ?
		ORDER BY date DESC LIMIT ?
	`, exchange, symbol, upTo.UTC().Format(dateLayout), n)
	if err != nil {
		return nil, fmt.Errorf("sqlite recent daily stats: %w", err)
	}
	out := make([]model.DailyVolumeStat, 0, len(rows))
	for _, r := range rows {
		st, err := r.toStat()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

type dailyStatRow struct {
	Exchange       string          `db:"exchange"`
	Symbol         string          `db:"symbol"`
	Date           string          `db:"date"`
	VolumeSum      float64         `db:"volume_sum"`
	QuoteVolumeSum float64         `db:"quote_volume_sum"`
	VolumeMA7      sql.NullFloat64 `db:"volume_ma_7d"`
	VolumeMA30     sql.NullFloat64 `db:"volume_ma_30d"`
}

func (r dailyStatRow) toStat() (model.DailyVolumeStat, error) {
	date, err := time.ParseInLocation(dateLayout, r.Date, time.UTC)
	if err != nil {
		return model.DailyVolumeStat{}, fmt.Errorf("sqlite parse date %q: %w", r.Date, err)
	}
	st := model.DailyVolumeStat{
		Exchange:       r.Exchange,
		Symbol:         r.Symbol,
		Date:           date,
		VolumeSum:      r.VolumeSum,
		QuoteVolumeSum: r.QuoteVolumeSum,
	}
	if r.VolumeMA7.Valid {
		v := r.VolumeMA7.Float64
		st.VolumeMA7 = &v
	}
	if r.VolumeMA30.Valid {
		v := r.VolumeMA30.Float64
		st.VolumeMA30 = &v
	}
	return st, nil
}

// ── MetricsStore ──

// UpsertMetrics overwrites the metrics row for one symbol.
func (s *Store) UpsertMetrics(ctx context.Context, m model.SymbolMetrics) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO symbol_metrics (exchange, symbol, rvol_1m, rvol_5m, rvol_15m, rvol_30m,
			rvol_1h, rvol_4h, rvol_today, price_change_percent24h, price_change_percent_today,
			is_surging, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (exchange, symbol) DO UPDATE SET
			rvol_1m = excluded.rvol_1m, rvol_5m = excluded.rvol_5m,
			rvol_15m = excluded.rvol_15m, rvol_30m = excluded.rvol_30m,
			rvol_1h = excluded.rvol_1h, rvol_4h = excluded.rvol_4h,
			rvol_today = excluded.rvol_today,
			price_change_percent24h = excluded.price_change_percent24h,
			price_change_percent_today = excluded.price_change_percent_today,
			is_surging = excluded.is_surging, last_updated = excluded.last_updated
	`, m.Exchange, m.Symbol, m.RVOL1m, m.RVOL5m, m.RVOL15m, m.RVOL30m,
		m.RVOL1h, m.RVOL4h, m.RVOLToday, m.PriceChangePercent24h, m.PriceChangePercentToday,
		boolToInt(m.IsSurging), m.LastUpdated.UTC().Unix())
	if err != nil {
		return fmt.Errorf("sqlite upsert metrics: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ── TickerStore ──

// UpsertTickers overwrites latest 24h ticker rows in one transaction.
func (s *Store) UpsertTickers(ctx context.Context, tickers []model.TickerSnapshot) error {
	if len(tickers) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ticker_24h_latest (exchange, symbol, last_price, price_change_percent, volume24h, quote_volume24h, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (exchange, symbol) DO UPDATE SET
			last_price = excluded.last_price,
			price_change_percent = excluded.price_change_percent,
			volume24h = excluded.volume24h,
			quote_volume24h = excluded.quote_volume24h,
			last_updated = excluded.last_updated
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, t := range tickers {
		_, err := stmt.ExecContext(ctx, t.Exchange, t.Symbol, t.LastPrice,
			t.PriceChangePercent, t.Volume24h, t.QuoteVolume24h, t.LastUpdated.UTC().Unix())
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Ticker returns the latest ticker snapshot for one symbol, or nil.
func (s *Store) Ticker(ctx context.Context, exchange, symbol string) (*model.TickerSnapshot, error) {
	var r tickerRow
	err := s.db.GetContext(ctx, &r, `
		SELECT exchange, symbol, last_price, price_change_percent, volume24h, quote_volume24h, last_updated
		FROM ticker_24h_latest
		WHERE exchange = ? AND symbol = ?
	`, exchange, symbol)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite ticker: %w", err)
	}
	return &model.TickerSnapshot{
		Exchange:           r.Exchange,
		Symbol:             r.Symbol,
		LastPrice:          r.LastPrice,
		PriceChangePercent: r.PriceChangePercent,
		Volume24h:          r.Volume24h,
		QuoteVolume24h:     r.QuoteVolume24h,
		LastUpdated:        time.Unix(r.LastUpdated, 0).UTC(),
	}, nil
}

type tickerRow struct {
	Exchange           string  `db:"exchange"`
	Symbol             string  `db:"symbol"`
	LastPrice          float64 `db:"last_price"`
	PriceChangePercent float64 `db:"price_change_percent"`
	Volume24h          float64 `db:"volume24h"`
	QuoteVolume24h     float64 `db:"quote_volume24h"`
	LastUpdated        int64   `db:"last_updated"`
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
