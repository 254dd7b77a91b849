// Package alert turns surge detections into notifications, one per
// symbol per cooldown window.
package alert

import (
	"context"
	"fmt"
	"log"
	"time"

	"crypto-surge-screener/internal/metrics"
	"crypto-surge-screener/internal/model"
	"crypto-surge-screener/internal/notification"
)

// CooldownStore atomically claims the per-symbol alert cooldown.
// Claiming must be first-wins: while a claim's TTL runs, every other
// attempt returns false.
type CooldownStore interface {
	AcquireCooldown(ctx context.Context, exchange, symbol string, ttl time.Duration) (bool, error)
}

// Alerter delivers surge notifications through a notifier backend.
type Alerter struct {
	cooldowns CooldownStore
	notifier  notification.Notifier
	ttl       time.Duration
	prom      *metrics.Metrics
}

// New creates an alerter. prom may be nil.
func New(cooldowns CooldownStore, notifier notification.Notifier, ttl time.Duration, prom *metrics.Metrics) *Alerter {
	return &Alerter{cooldowns: cooldowns, notifier: notifier, ttl: ttl, prom: prom}
}

// HandleSurge sends one alert for the symbol unless its cooldown is
// still running. Delivery failures are logged; the cooldown stays
// claimed so a flapping notifier cannot spam.
func (a *Alerter) HandleSurge(ctx context.Context, m model.SymbolMetrics, lastPrice float64) {
	ok, err := a.cooldowns.AcquireCooldown(ctx, m.Exchange, m.Symbol, a.ttl)
	if err != nil {
		log.Printf("[alert] cooldown %s: %v", m.Symbol, err)
		return
	}
	if !ok {
		if a.prom != nil {
			a.prom.AlertsSuppressed.Inc()
		}
		return
	}

	alert := notification.Alert{
		Level:    notification.AlertWarning,
		Title:    fmt.Sprintf("Volume surge: %s", m.Symbol),
		Message:  formatSurge(m, lastPrice),
		Exchange: m.Exchange,
		Symbol:   m.Symbol,
	}
	if err := a.notifier.Send(ctx, alert); err != nil {
		log.Printf("[alert] send %s: %v", m.Symbol, err)
		return
	}
	if a.prom != nil {
		a.prom.AlertsSent.Inc()
	}
}

func formatSurge(m model.SymbolMetrics, lastPrice float64) string {
	return fmt.Sprintf(
		"%s on %s\nPrice: %.8g (%+.2f%% today, %+.2f%% 24h)\nRVOL 1m: %.1fx | 5m: %.1fx | 15m: %.1fx\nRVOL 1h: %.1fx | today: %.1fx",
		m.Symbol, m.Exchange,
		lastPrice, m.PriceChangePercentToday, m.PriceChangePercent24h,
		m.RVOL1m, m.RVOL5m, m.RVOL15m,
		m.RVOL1h, m.RVOLToday,
	)
}
