package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the screener.
type Metrics struct {
	CandlesIngested prometheus.Counter
	TickersIngested prometheus.Counter
	WSReconnects    prometheus.Counter
	FeedDrops       prometheus.Counter

	BackfillCandles  prometheus.Counter
	BackfillFailures *prometheus.CounterVec // labels: kind=gap|today|history

	SymbolsTracked  prometheus.Gauge
	SymbolsSurging  prometheus.Gauge
	MetricsTickDur  prometheus.Histogram
	MetricsComputed prometheus.Counter

	AlertsSent       prometheus.Counter
	AlertsSuppressed prometheus.Counter

	SQLiteCommitDur prometheus.Histogram
	RedisWriteDur   prometheus.Histogram
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		CandlesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_candles_ingested_total",
			Help: "Total 1m candles written from the live feed",
		}),
		TickersIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_tickers_ingested_total",
			Help: "Total coalesced ticker snapshots written",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_ws_reconnects_total",
			Help: "Total WebSocket reconnection attempts",
		}),
		FeedDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_feed_drops_total",
			Help: "Total WebSocket connection drops",
		}),
		BackfillCandles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_backfill_candles_total",
			Help: "Total candles fetched by the backfill engine",
		}),
		BackfillFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_backfill_failures_total",
			Help: "Backfill failures by kind (gap, today, history)",
		}, []string{"kind"}),
		SymbolsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "screener_symbols_tracked",
			Help: "Symbols currently in TRADING status",
		}),
		SymbolsSurging: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "screener_symbols_surging",
			Help: "Symbols flagged surging on the last tick",
		}),
		MetricsTickDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "screener_metrics_tick_duration_seconds",
			Help:    "Full analytics tick latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}),
		MetricsComputed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_metrics_computed_total",
			Help: "Per-symbol metric rows computed",
		}),
		AlertsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_alerts_sent_total",
			Help: "Surge alerts delivered to the notifier",
		}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_alerts_suppressed_total",
			Help: "Surge alerts suppressed by the cooldown",
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "screener_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "screener_redis_write_duration_seconds",
			Help:    "Redis write latency",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(
		m.CandlesIngested,
		m.TickersIngested,
		m.WSReconnects,
		m.FeedDrops,
		m.BackfillCandles,
		m.BackfillFailures,
		m.SymbolsTracked,
		m.SymbolsSurging,
		m.MetricsTickDur,
		m.MetricsComputed,
		m.AlertsSent,
		m.AlertsSuppressed,
		m.SQLiteCommitDur,
		m.RedisWriteDur,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool      `json:"ws_connected"`
	LastEventTime  time.Time `json:"last_event_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastEventTime(t time.Time) {
	h.mu.Lock()
	h.LastEventTime = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a ping and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sqlx.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sqlx.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if db != nil {
					h.CheckSQLite(probeCtx, db)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.WSConnected || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.WSConnected && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}

	eventAge := ""
	if !h.LastEventTime.IsZero() {
		eventAge = time.Since(h.LastEventTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		WSConnected     bool    `json:"ws_connected"`
		LastEventTime   string  `json:"last_event_time"`
		EventAge        string  `json:"event_age"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		WSConnected:     h.WSConnected,
		LastEventTime:   h.LastEventTime.Format(time.RFC3339),
		EventAge:        eventAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start begins serving in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] serving /metrics and /healthz on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
