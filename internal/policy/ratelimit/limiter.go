// Package ratelimit spaces requests to the same domain by a minimum interval.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/metrics"
)

// DefaultInterval separates two requests to a domain without an override.
const DefaultInterval = 500 * time.Millisecond

// Config holds rate limiter configuration.
type Config struct {
	// Default applies to domains absent from Overrides.
	Default time.Duration
	// Overrides maps a domain key to its interval.
	Overrides map[string]time.Duration
	// Key maps a domain to the gate it shares. Defaults to the identity.
	Key func(domain string) string
}

// gate serializes grants for one domain. The slot is a one-token channel;
// receivers queue on it in arrival order. last is only touched by the token holder.
type gate struct {
	interval time.Duration
	slot     chan struct{}
	last     time.Time
}

// Limiter manages per-domain gates.
type Limiter struct {
	mu    sync.Mutex
	gates map[string]*gate
	cfg   Config
	now   func() time.Time
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	if cfg.Default <= 0 {
		cfg.Default = DefaultInterval
	}
	if cfg.Key == nil {
		cfg.Key = func(domain string) string { return domain }
	}
	return &Limiter{
		gates: make(map[string]*gate),
		cfg:   cfg,
		now:   time.Now,
	}
}

// Interval returns the spacing applied to domain.
func (l *Limiter) Interval(domain string) time.Duration {
	if d, ok := l.cfg.Overrides[l.cfg.Key(domain)]; ok && d > 0 {
		return d
	}
	return l.cfg.Default
}

func (l *Limiter) gateFor(key string) *gate {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gates[key]
	if !ok {
		g = &gate{interval: l.Interval(key), slot: make(chan struct{}, 1)}
		g.slot <- struct{}{}
		l.gates[key] = g
	}
	return g
}

// Wait blocks until the domain's interval has elapsed since its previous grant.
// Cancellation while queued or sleeping returns the context error without a grant.
func (l *Limiter) Wait(ctx context.Context, domain string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	key := l.cfg.Key(domain)
	g := l.gateFor(key)
	start := l.now()

	select {
	case <-g.slot:
	case <-ctx.Done():
		return fmt.Errorf("rate limit wait: %w", ctx.Err())
	}
	defer func() { g.slot <- struct{}{} }()

	if !g.last.IsZero() {
		if remaining := g.interval - l.now().Sub(g.last); remaining > 0 {
			timer := time.NewTimer(remaining)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("rate limit wait: %w", ctx.Err())
			}
		}
	}
	g.last = l.now()
	metrics.ObserveRateLimitDelay(key, g.last.Sub(start))
	return nil
}
