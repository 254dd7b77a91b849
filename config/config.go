package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Exchange
	Exchange       string // logical exchange name stored on every row
	FuturesBaseURL string // REST base URL
	FuturesWSURL   string // streaming endpoint
	QuoteAsset     string // quote currency filter, e.g. "USDT"
	TopK           int    // ranking size

	// Infrastructure
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	MetricsAddr   string

	// Notifier (first configured backend wins: telegram, then webhook)
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string

	// Job intervals
	MetadataSyncInterval time.Duration
	RankingSyncInterval  time.Duration
	MetricsTickInterval  time.Duration
	AlertCooldown        time.Duration

	// Backfill
	HistoryDays int

	// Surge thresholds (strict > comparisons)
	SurgeRVOL1m  float64
	SurgeRVOL5m  float64
	SurgeRVOL15m float64
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is applied first when
// present.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] .env not loaded: %v", err)
	}

	return &Config{
		Exchange:       getEnv("EXCHANGE", "BINANCE"),
		FuturesBaseURL: getEnv("FUTURES_BASE_URL", "https://fapi.binance.com"),
		FuturesWSURL:   getEnv("FUTURES_WS_URL", "wss://fstream.binance.com/stream"),
		QuoteAsset:     getEnv("QUOTE_ASSET", "USDT"),
		TopK:           getEnvInt("TOP_K", 100),

		SQLitePath:    getEnv("SQLITE_PATH", "data/screener.db"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		WebhookURL:       getEnv("ALERT_WEBHOOK_URL", ""),

		MetadataSyncInterval: getEnvDuration("METADATA_SYNC_INTERVAL", time.Hour),
		RankingSyncInterval:  getEnvDuration("RANKING_SYNC_INTERVAL", 5*time.Minute),
		MetricsTickInterval:  getEnvDuration("METRICS_TICK_INTERVAL", time.Minute),
		AlertCooldown:        getEnvDuration("ALERT_COOLDOWN", 5*time.Minute),

		HistoryDays: getEnvInt("HISTORY_DAYS", 60),

		SurgeRVOL1m:  getEnvFloat("SURGE_RVOL_1M", 8.0),
		SurgeRVOL5m:  getEnvFloat("SURGE_RVOL_5M", 4.0),
		SurgeRVOL15m: getEnvFloat("SURGE_RVOL_15M", 3.0),
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return d
}
