// Package scheduler runs the periodic jobs: interval tickers that fire
// immediately, and a daily job pinned to a UTC wall-clock time.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"
)

// Scheduler tracks its job goroutines so shutdown can wait for them.
type Scheduler struct {
	wg sync.WaitGroup

	now func() time.Time // test override
}

// New creates a scheduler.
func New() *Scheduler {
	return &Scheduler{now: time.Now}
}

// Every runs fn immediately and then on every interval until ctx is
// cancelled. Job errors are logged, never fatal.
func (s *Scheduler) Every(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		run := func() {
			if err := fn(ctx); err != nil {
				log.Printf("[scheduler] %s: %v", name, err)
			}
		}
		run()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

// DailyAt runs fn every day at hh:mm UTC. The first run waits for the
// next occurrence; fn receives the UTC day that just closed.
func (s *Scheduler) DailyAt(ctx context.Context, name string, hour, minute int, fn func(ctx context.Context, closedDay time.Time) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			next := s.nextRun(hour, minute)
			timer := time.NewTimer(next.Sub(s.now()))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				closedDay := next.AddDate(0, 0, -1).Truncate(24 * time.Hour)
				if err := fn(ctx, closedDay); err != nil {
					log.Printf("[scheduler] %s: %v", name, err)
				}
			}
		}
	}()
}

// nextRun returns the next hh:mm UTC strictly after now.
func (s *Scheduler) nextRun(hour, minute int) time.Time {
	now := s.now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Wait blocks until every job goroutine has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
