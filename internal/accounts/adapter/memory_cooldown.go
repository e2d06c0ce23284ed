package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/aelexs/wacrm/internal/accounts/app"
	"github.com/aelexs/wacrm/internal/domain"
)

var _ app.CooldownLimiter = (*MemoryCooldownLimiter)(nil)

// cooldownSweepInterval bounds how often CheckAndIncrement scans for
// expired windows and lockouts.
const cooldownSweepInterval = time.Minute

type window struct {
	count   int
	resetAt time.Time
}

// MemoryCooldownLimiter is the in-process counterpart of RedisCooldownLimiter
// with the same fixed-window semantics.
type MemoryCooldownLimiter struct {
	mu       sync.Mutex
	clock    domain.Clock
	windows  map[string]window
	lockouts map[string]time.Time

	nextSweep time.Time
}

// NewMemoryCooldownLimiter creates a MemoryCooldownLimiter.
func NewMemoryCooldownLimiter(clock domain.Clock) *MemoryCooldownLimiter {
	return &MemoryCooldownLimiter{
		clock:    clock,
		windows:  make(map[string]window),
		lockouts: make(map[string]time.Time),
	}
}

func (l *MemoryCooldownLimiter) CheckAndIncrement(_ context.Context, key string, limit int, win time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.sweep(now)

	w, ok := l.windows[key]
	if !ok || domain.Expired(now, w.resetAt) {
		w = window{resetAt: now.Add(win)}
	}
	w.count++
	l.windows[key] = w
	return w.count <= limit, nil
}

func (l *MemoryCooldownLimiter) CheckLockout(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	until, ok := l.lockouts[key]
	if !ok {
		return false, nil
	}
	if domain.Expired(l.clock.Now(), until) {
		delete(l.lockouts, key)
		return false, nil
	}
	return true, nil
}

func (l *MemoryCooldownLimiter) SetLockout(_ context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lockouts[key] = l.clock.Now().Add(ttl)
	return nil
}

// Len reports how many windows and lockouts are held.
func (l *MemoryCooldownLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows) + len(l.lockouts)
}

// sweep drops expired entries at most once per cooldownSweepInterval.
// Callers hold l.mu.
func (l *MemoryCooldownLimiter) sweep(now time.Time) {
	if now.Before(l.nextSweep) {
		return
	}
	l.nextSweep = now.Add(cooldownSweepInterval)
	for k, w := range l.windows {
		if domain.Expired(now, w.resetAt) {
			delete(l.windows, k)
		}
	}
	for k, until := range l.lockouts {
		if domain.Expired(now, until) {
			delete(l.lockouts, k)
		}
	}
}
