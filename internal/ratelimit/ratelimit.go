// Package ratelimit serializes outbound requests per host with a minimum
// delay between dispatches. Different hosts proceed independently.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter gates requests per host. The effective delay for a host is the
// larger of the configured base delay and any robots crawl-delay registered
// for that host. Single process only; no distributed semantics.
type Limiter struct {
	mu    sync.Mutex
	hosts map[string]*hostGate
	base  func() time.Duration
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type hostGate struct {
	mu           sync.Mutex // serializes waiters for this host, FIFO by lock order
	lastDispatch time.Time
	crawlDelay   time.Duration
}

// New builds a limiter. base is read per wait so a set_antidetection update
// takes effect immediately.
func New(base func() time.Duration) *Limiter {
	return &Limiter{
		hosts: make(map[string]*hostGate),
		base:  base,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) gate(host string) *hostGate {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.hosts[host]
	if !ok {
		g = &hostGate{}
		l.hosts[host] = g
	}
	return g
}

// SetCrawlDelay registers a robots crawl-delay for host.
func (l *Limiter) SetCrawlDelay(host string, d time.Duration) {
	g := l.gate(host)
	g.mu.Lock()
	g.crawlDelay = d
	g.mu.Unlock()
}

// EffectiveDelay returns max(base, crawl-delay) for host.
func (l *Limiter) EffectiveDelay(host string) time.Duration {
	g := l.gate(host)
	g.mu.Lock()
	defer g.mu.Unlock()
	return l.effective(g)
}

func (l *Limiter) effective(g *hostGate) time.Duration {
	d := l.base()
	if g.crawlDelay > d {
		d = g.crawlDelay
	}
	return d
}

// Wait blocks until at least the effective delay has passed since the last
// dispatch for host, then records the dispatch. Concurrent callers for the
// same host are serialized; a cancelled context aborts the wait without
// recording a dispatch.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	g := l.gate(host)
	g.mu.Lock()
	defer g.mu.Unlock()

	delay := l.effective(g)
	if !g.lastDispatch.IsZero() {
		if remaining := delay - l.now().Sub(g.lastDispatch); remaining > 0 {
			if err := l.sleep(ctx, remaining); err != nil {
				return err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	g.lastDispatch = l.now()
	return nil
}
