// Package redis mirrors the hot read-path into Redis: per-symbol
// metrics with a short TTL, the surge-alert cooldown keys, and the
// pubsub channel carrying the batch snapshot to downstream consumers.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"crypto-surge-screener/internal/metrics"
	"crypto-surge-screener/internal/model"
)

const (
	metricsTTL = 5 * time.Minute

	// snapshotChannel carries the per-tick batch of ticker+metrics
	// snapshots as one JSON array.
	snapshotChannel = "ticker-updates"
)

// Config configures the Redis cache.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Cache wraps one Redis client for metrics mirroring, snapshot fanout
// and alert cooldowns.
type Cache struct {
	client *goredis.Client
	prom   *metrics.Metrics
}

// Client returns the underlying Redis client for health checks.
func (c *Cache) Client() *goredis.Client { return c.client }

// New creates a Cache and pings the server. prom may be nil.
func New(cfg Config, prom *metrics.Metrics) (*Cache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Cache{client: client, prom: prom}, nil
}

func (c *Cache) observeWrite(started time.Time) {
	if c.prom != nil {
		c.prom.RedisWriteDur.Observe(time.Since(started).Seconds())
	}
}

func metricsKey(exchange, symbol string) string {
	return fmt.Sprintf("metrics:%s:%s", exchange, symbol)
}

func cooldownKey(exchange, symbol string) string {
	return fmt.Sprintf("alert:cooldown:%s:%s", exchange, symbol)
}

// SetMetrics stores the metrics row under metrics:{exchange}:{symbol}
// with a 5 minute TTL so stale symbols age out on their own.
func (c *Cache) SetMetrics(ctx context.Context, m model.SymbolMetrics) error {
	defer c.observeWrite(time.Now())
	if err := c.client.Set(ctx, metricsKey(m.Exchange, m.Symbol), m.JSON(), metricsTTL).Err(); err != nil {
		return fmt.Errorf("redis set metrics: %w", err)
	}
	return nil
}

// GetMetrics reads a cached metrics row, nil when absent or expired.
func (c *Cache) GetMetrics(ctx context.Context, exchange, symbol string) (*model.SymbolMetrics, error) {
	raw, err := c.client.Get(ctx, metricsKey(exchange, symbol)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get metrics: %w", err)
	}
	var m model.SymbolMetrics
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("redis decode metrics: %w", err)
	}
	return &m, nil
}

// AcquireCooldown atomically claims the alert cooldown for a symbol.
// Returns true when this caller won the SETNX and may alert; false
// while an earlier alert's TTL is still running.
func (c *Cache) AcquireCooldown(ctx context.Context, exchange, symbol string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, cooldownKey(exchange, symbol), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis cooldown setnx: %w", err)
	}
	return ok, nil
}

// PublishSnapshots publishes the batch as one JSON array on the
// snapshot channel.
func (c *Cache) PublishSnapshots(ctx context.Context, snaps []model.TickerMetricsSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	payload, err := json.Marshal(snaps)
	if err != nil {
		return fmt.Errorf("redis marshal snapshots: %w", err)
	}
	defer c.observeWrite(time.Now())
	if err := c.client.Publish(ctx, snapshotChannel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish snapshots: %w", err)
	}
	return nil
}

// SubscribeSnapshots subscribes to the snapshot channel. Intended for
// downstream consumers and tests.
func (c *Cache) SubscribeSnapshots(ctx context.Context) *goredis.PubSub {
	return c.client.Subscribe(ctx, snapshotChannel)
}

// Close closes the client.
func (c *Cache) Close() error {
	return c.client.Close()
}
