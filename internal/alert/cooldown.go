package alert

import (
	"context"
	"sync"
	"time"
)

// MemoryCooldowns is an in-process CooldownStore used when Redis is
// not configured. Cooldowns do not survive a restart.
type MemoryCooldowns struct {
	mu    sync.Mutex
	until map[string]time.Time

	now func() time.Time // test override
}

// NewMemoryCooldowns creates an empty in-memory cooldown store.
func NewMemoryCooldowns() *MemoryCooldowns {
	return &MemoryCooldowns{
		until: make(map[string]time.Time),
		now:   time.Now,
	}
}

// AcquireCooldown claims the cooldown when no unexpired claim exists.
func (m *MemoryCooldowns) AcquireCooldown(_ context.Context, exchange, symbol string, ttl time.Duration) (bool, error) {
	key := exchange + ":" + symbol
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if expiry, ok := m.until[key]; ok && now.Before(expiry) {
		return false, nil
	}
	m.until[key] = now.Add(ttl)
	return true, nil
}
