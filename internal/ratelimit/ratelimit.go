package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a token bucket. Tokens refill continuously at rate per
// second up to burst. A rate of zero or less disables limiting.
type Limiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
}

// NewLimiter creates a bucket that starts full
func NewLimiter(rate float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rate:   rate,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
	}
}

// Allow takes a token if one is available without blocking
func (l *Limiter) Allow() bool {
	if l == nil || l.rate <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(time.Now())
	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.rate <= 0 {
		return ctx.Err()
	}

	for {
		l.mu.Lock()
		now := time.Now()
		l.refill(now)
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		// Time until one full token accrues. Another waiter may take
		// it first, so the outer loop re-checks.
		wait := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// refill adds accrued tokens. Callers hold l.mu.
func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.last).Seconds()
	if elapsed <= 0 {
		return
	}
	l.last = now
	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
}

// PerService hands out one bucket per named remote service so pacing
// against one endpoint never slows calls to another.
type PerService struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewPerService creates an empty registry
func NewPerService() *PerService {
	return &PerService{
		limiters: make(map[string]*Limiter),
	}
}

// Register installs a bucket for the named service, replacing any
// existing one.
func (p *PerService) Register(service string, rate float64, burst int) {
	p.mu.Lock()
	p.limiters[service] = NewLimiter(rate, burst)
	p.mu.Unlock()
}

// Get returns the bucket for the named service, or nil when the service
// is unregistered or the registry itself is nil. A nil Limiter never
// blocks.
func (p *PerService) Get(service string) *Limiter {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.limiters[service]
}

// Wait blocks on the named service's bucket. Unregistered services pass
// through immediately.
func (p *PerService) Wait(ctx context.Context, service string) error {
	return p.Get(service).Wait(ctx)
}
