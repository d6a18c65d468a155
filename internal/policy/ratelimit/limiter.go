// Package ratelimit paces page fetches for a single crawl task. A task-wide
// token bucket enforces the configured interval between fetches and optional
// per-host buckets honor robots.txt crawl-delay.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/scholar-crawler/internal/metrics"
)

// Pacer gates fetches for one task. It is safe for concurrent use.
type Pacer struct {
	task *rate.Limiter

	mu    sync.Mutex
	hosts map[string]*rate.Limiter
}

// NewPacer creates a Pacer with the given interval between fetches. A zero
// interval disables task-wide pacing.
func NewPacer(interval time.Duration) *Pacer {
	return &Pacer{
		task:  rate.NewLimiter(limitFor(interval), 1),
		hosts: make(map[string]*rate.Limiter),
	}
}

// SetInterval changes the task-wide interval; it takes effect on the next Wait.
func (p *Pacer) SetInterval(interval time.Duration) {
	p.task.SetLimit(limitFor(interval))
}

// Interval reports the current task-wide interval.
func (p *Pacer) Interval() time.Duration {
	limit := p.task.Limit()
	if limit == rate.Inf || limit <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / float64(limit))
}

// SetHostDelay installs a minimum delay between fetches to host. Delays of
// zero or less remove the host limit.
func (p *Pacer) SetHostDelay(host string, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if delay <= 0 {
		delete(p.hosts, host)
		return
	}
	if lim, ok := p.hosts[host]; ok {
		lim.SetLimit(rate.Every(delay))
		return
	}
	p.hosts[host] = rate.NewLimiter(rate.Every(delay), 1)
}

// Wait blocks until both the task and host buckets admit a fetch, or ctx is
// done. Reservations are returned when the wait is abandoned.
func (p *Pacer) Wait(ctx context.Context, host string) error {
	now := time.Now()
	taskRes := p.task.ReserveN(now, 1)
	delay := taskRes.DelayFrom(now)

	var hostRes *rate.Reservation
	p.mu.Lock()
	if lim, ok := p.hosts[host]; ok {
		hostRes = lim.ReserveN(now, 1)
		if d := hostRes.DelayFrom(now); d > delay {
			delay = d
		}
	}
	p.mu.Unlock()

	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		if delay > time.Millisecond {
			metrics.ObserveRateLimitDelay(host, delay)
		}
		return nil
	case <-ctx.Done():
		taskRes.Cancel()
		if hostRes != nil {
			hostRes.Cancel()
		}
		return fmt.Errorf("pacer wait: %w", ctx.Err())
	}
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}
