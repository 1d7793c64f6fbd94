// Package ratelimit provides per-client token bucket admission control,
// organized into named zones loaded from config.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ZoneConfig defines one rate-limit zone.
type ZoneConfig struct {
	Name     string
	Capacity int     // burst size
	Rate     float64 // tokens per second
	IdleTTL  time.Duration
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // only meaningful when rejected
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type zone struct {
	cfg     ZoneConfig
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter owns all zones. Buckets are created lazily per key and reclaimed
// by a janitor goroutine once idle for the zone's IdleTTL.
type Limiter struct {
	zones map[string]*zone
	now   func() time.Time
	stop  chan struct{}
	once  sync.Once
}

// New builds a Limiter from zone configs and starts the idle-bucket janitor.
func New(cfgs []ZoneConfig) *Limiter {
	l := &Limiter{
		zones: make(map[string]*zone, len(cfgs)),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	for _, c := range cfgs {
		l.zones[c.Name] = &zone{cfg: c, buckets: make(map[string]*bucket)}
	}
	go l.janitor()
	return l
}

// Admit checks whether one request for key may pass through zoneName.
// On rejection, RetryAfter is the time until the next token is available.
// Unknown zones admit everything so that a config typo degrades open
// rather than blocking all traffic.
func (l *Limiter) Admit(zoneName, key string) Decision {
	z, ok := l.zones[zoneName]
	if !ok {
		return Decision{Allowed: true}
	}

	now := l.now()

	z.mu.Lock()
	b, ok := z.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(z.cfg.Rate), z.cfg.Capacity)}
		z.buckets[key] = b
	}
	b.lastSeen = now
	z.mu.Unlock()

	// ReserveN never blocks; cancelling an unused reservation at the same
	// instant returns its token, so a rejection consumes nothing.
	r := b.lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		return Decision{RetryAfter: delay}
	}
	return Decision{Allowed: true}
}

// BucketCount reports the live bucket count for a zone. Used by status
// endpoints and tests.
func (l *Limiter) BucketCount(zoneName string) int {
	z, ok := l.zones[zoneName]
	if !ok {
		return 0
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	return len(z.buckets)
}

// Close stops the janitor goroutine.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

const janitorInterval = 30 * time.Second

func (l *Limiter) janitor() {
	t := time.NewTicker(janitorInterval)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	now := l.now()
	for _, z := range l.zones {
		z.mu.Lock()
		for k, b := range z.buckets {
			if now.Sub(b.lastSeen) > z.cfg.IdleTTL {
				delete(z.buckets, k)
			}
		}
		z.mu.Unlock()
	}
}
