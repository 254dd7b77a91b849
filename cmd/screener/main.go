package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"crypto-surge-screener/config"
	"crypto-surge-screener/internal/alert"
	"crypto-surge-screener/internal/analytics"
	"crypto-surge-screener/internal/backfill"
	"crypto-surge-screener/internal/exchange/binance"
	"crypto-surge-screener/internal/ingest"
	"crypto-surge-screener/internal/logger"
	"crypto-surge-screener/internal/metrics"
	"crypto-surge-screener/internal/notification"
	"crypto-surge-screener/internal/scheduler"
	redisstore "crypto-surge-screener/internal/store/redis"
	sqlitestore "crypto-surge-screener/internal/store/sqlite"
	"crypto-surge-screener/internal/universe"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[screener] starting...")

	cfg := config.Load()
	logger.Init("screener", slog.LevelInfo)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- SQLite store ----
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." && dir != "" {
		os.MkdirAll(dir, 0o755)
	}
	store, err := sqlitestore.New(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[screener] sqlite init failed: %v", err)
	}
	defer store.Close()
	health.CheckSQLite(ctx, store.DB())
	log.Println("[screener] sqlite store ready")

	// ---- Redis cache (optional) ----
	cache, err := redisstore.New(redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, prom)
	if err != nil {
		log.Printf("[screener] WARNING: redis init failed: %v (continuing without redis)", err)
		cache = nil
	} else {
		defer cache.Close()
		log.Println("[screener] redis cache ready")
	}

	// ---- Periodic liveness checks ----
	if cache != nil {
		health.StartLivenessChecker(ctx, cache.Client(), store.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, store.DB(), 10*time.Second)
	}

	// ---- Notifier: first configured backend wins ----
	var notifier notification.Notifier
	switch {
	case cfg.TelegramBotToken != "" && cfg.TelegramChatID != "":
		notifier = notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)
		log.Println("[screener] alerts via telegram")
	case cfg.WebhookURL != "":
		notifier = notification.NewWebhookNotifier(cfg.WebhookURL)
		log.Println("[screener] alerts via webhook")
	default:
		notifier = notification.NewLogNotifier()
		log.Println("[screener] alerts via log only")
	}

	// ---- Exchange clients & ingestion ----
	rest := binance.NewRestClient(cfg.FuturesBaseURL, cfg.Exchange)
	sink := ingest.New(store, store, prom)
	feed := binance.NewFeed(binance.FeedConfig{
		URL:      cfg.FuturesWSURL,
		Exchange: cfg.Exchange,
	}, sink)

	// ---- Backfill & universe ----
	backfiller := backfill.New(rest, sink, store, store, cfg.Exchange, cfg.HistoryDays, prom)
	manager := universe.New(rest, store, feed, backfiller, cfg.Exchange, cfg.QuoteAsset, cfg.TopK, prom)

	feed.OnConnected = func() {
		health.SetWSConnected(true)
	}
	feed.OnDrop = func(reason string) {
		prom.FeedDrops.Inc()
		health.SetWSConnected(false)
	}
	feed.OnReconnect = func(attempt int) {
		prom.WSReconnects.Inc()
		// Capture the symbol set before the dial drains it into pending,
		// then repair the blackout window over REST; the stream only
		// carries events from now on.
		dropped := feed.Subscribed()
		go backfiller.RecoverGaps(ctx, dropped)
	}

	// ---- Analytics & alerting ----
	var cooldowns alert.CooldownStore
	if cache != nil {
		cooldowns = cache
	} else {
		log.Println("[screener] WARNING: in-memory alert cooldowns (no redis)")
		cooldowns = alert.NewMemoryCooldowns()
	}
	alerter := alert.New(cooldowns, notifier, cfg.AlertCooldown, prom)

	var engineCache analytics.Cache
	if cache != nil {
		engineCache = cache
	}
	baseline := analytics.NewBaseline(store, store, store, cfg.Exchange)
	engine := analytics.NewEngine(store, store, store, store, store, rest,
		engineCache, alerter, cfg.Exchange,
		analytics.Thresholds{
			RVOL1m:  cfg.SurgeRVOL1m,
			RVOL5m:  cfg.SurgeRVOL5m,
			RVOL15m: cfg.SurgeRVOL15m,
		}, prom)

	// ---- Bootstrap: universe first, then the stream ----
	feed.Start(ctx)
	if err := manager.SyncExchangeMetadata(ctx); err != nil {
		log.Printf("[screener] initial metadata sync: %v", err)
	}
	if err := manager.SyncRanking(ctx); err != nil {
		log.Printf("[screener] initial ranking sync: %v", err)
	}

	// Symbols tracked before this restart are pending too; subscribe
	// and repair their candle gap.
	tracked, err := manager.TrackedSymbols(ctx)
	if err != nil {
		log.Fatalf("[screener] tracked symbols: %v", err)
	}
	if err := feed.Subscribe(tracked); err != nil {
		log.Printf("[screener] subscribe tracked: %v", err)
	}

	if err := feed.Connect(); err != nil {
		log.Printf("[screener] initial connect failed, retrying: %v", err)
	}
	backfiller.RecoverGaps(ctx, tracked)

	// ---- Scheduled jobs ----
	sched := scheduler.New()
	sched.Every(ctx, "metadata-sync", cfg.MetadataSyncInterval, manager.SyncExchangeMetadata)
	sched.Every(ctx, "ranking-sync", cfg.RankingSyncInterval, manager.SyncRanking)
	sched.Every(ctx, "metrics-tick", cfg.MetricsTickInterval, func(ctx context.Context) error {
		// Repair today's window before computing, so a symbol that
		// streamed through an outage still produces honest numbers.
		if syms, err := manager.TrackedSymbols(ctx); err == nil && len(syms) > 0 {
			backfiller.RunBatch(ctx, syms, "today", backfiller.BackfillToday)
		}
		return engine.Tick(ctx)
	})
	sched.DailyAt(ctx, "daily-baseline", 0, 10, baseline.Aggregate)

	log.Printf("[screener] running: %d symbols tracked", len(tracked))

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[screener] shutdown signal received, cleaning up...")
	cancel()
	feed.Shutdown()
	sched.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)

	log.Println("[screener] shutdown complete.")
}
