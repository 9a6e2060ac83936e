package crm

import (
	"context"
	"sync"
	"time"

	"github.com/nmarkman/delivery-desk/internal/config"
)

type tenantWindow struct {
	count       int
	windowStart time.Time
	lastCall    time.Time
}

// RateLimiter bounds outbound vendor calls per tenant: a sliding-window call
// budget plus a minimum inter-call spacing. Acquire blocks (context-aware)
// until the call may proceed. State is process-local, keyed by tenant id.
type RateLimiter struct {
	window     time.Duration
	maxCalls   int
	minSpacing time.Duration

	mu      sync.Mutex
	tenants map[string]*tenantWindow

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	maxCalls := cfg.MaxCalls
	if maxCalls <= 0 {
		maxCalls = 100
	}
	return &RateLimiter{
		window:     window,
		maxCalls:   maxCalls,
		minSpacing: cfg.MinSpacing,
		tenants:    make(map[string]*tenantWindow),
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Acquire reserves one call slot for the tenant, sleeping past window
// exhaustion and spacing gaps. Every accepted call increments the window
// counter and stamps the last-call time.
func (l *RateLimiter) Acquire(ctx context.Context, tenantID string) error {
	if l == nil {
		return nil
	}
	for {
		wait, ok := l.tryAcquire(tenantID)
		if ok {
			return nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *RateLimiter) tryAcquire(tenantID string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	tw := l.tenants[tenantID]
	if tw == nil {
		tw = &tenantWindow{windowStart: now}
		l.tenants[tenantID] = tw
	}
	if now.Sub(tw.windowStart) >= l.window {
		tw.windowStart = now
		tw.count = 0
	}
	if tw.count >= l.maxCalls {
		return tw.windowStart.Add(l.window).Sub(now), false
	}
	if l.minSpacing > 0 && !tw.lastCall.IsZero() {
		if gap := now.Sub(tw.lastCall); gap < l.minSpacing {
			return l.minSpacing - gap, false
		}
	}
	tw.count++
	tw.lastCall = now
	return 0, true
}

// Remaining reports the unused budget in the tenant's current window.
func (l *RateLimiter) Remaining(tenantID string) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	tw := l.tenants[tenantID]
	if tw == nil || l.now().Sub(tw.windowStart) >= l.window {
		return l.maxCalls
	}
	if tw.count >= l.maxCalls {
		return 0
	}
	return l.maxCalls - tw.count
}
