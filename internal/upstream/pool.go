// Package upstream implements weighted server selection with passive
// health tracking, backup-tier fallback and timed recovery.
package upstream

import (
	"errors"
	"net/url"
	"sync"
	"time"
)

// ErrExhausted is returned when no eligible server remains in a pool.
var ErrExhausted = errors.New("all upstream servers exhausted")

// ServerConfig defines one upstream server.
type ServerConfig struct {
	URL         *url.URL
	Weight      int
	MaxFails    int
	FailTimeout time.Duration
	Backup      bool
}

// Server is one upstream endpoint plus its health state. Mutable fields
// are guarded by the owning pool's mutex.
type Server struct {
	cfg ServerConfig

	currentWeight  int
	fails          int       // consecutive failures
	healthy        bool
	unhealthySince time.Time // set when healthy flips to false, refreshed per failure
}

// URL returns the server address.
func (s *Server) URL() *url.URL { return s.cfg.URL }

// eligibleAt reports whether the server may receive traffic at t. An
// unhealthy server becomes a trial candidate once FailTimeout has elapsed
// since its last failure.
func (s *Server) eligibleAt(t time.Time) bool {
	if s.healthy {
		return true
	}
	return !t.Before(s.unhealthySince.Add(s.cfg.FailTimeout))
}

// ServerStatus is a read-only health snapshot for status endpoints.
type ServerStatus struct {
	Address string `json:"address"`
	Weight  int    `json:"weight"`
	Backup  bool   `json:"backup"`
	Healthy bool   `json:"healthy"`
	Fails   int    `json:"consecutive_fails"`
}

// Pool is an ordered set of servers. Selection prefers healthy non-backup
// servers using smooth weighted round-robin; when none are eligible the
// backup tier is used. Pools never share state, so one origin's failures
// cannot affect routes served by another pool.
type Pool struct {
	name string

	mu      sync.Mutex
	servers []*Server
	now     func() time.Time
}

// NewPool builds a Pool from config. Non-positive weights default to 1.
func NewPool(name string, cfgs []ServerConfig) *Pool {
	servers := make([]*Server, len(cfgs))
	for i, c := range cfgs {
		if c.Weight <= 0 {
			c.Weight = 1
		}
		servers[i] = &Server{cfg: c, healthy: true}
	}
	return &Pool{name: name, servers: servers, now: time.Now}
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Pick selects the next server, skipping any in exclude. The exclude set
// lets the executor retry distinct servers within one request.
func (p *Pool) Pick(exclude map[*Server]bool) (*Server, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if s := p.pickTierLocked(now, false, exclude); s != nil {
		return s, nil
	}
	if s := p.pickTierLocked(now, true, exclude); s != nil {
		return s, nil
	}
	return nil, ErrExhausted
}

// pickTierLocked runs smooth weighted round-robin over the eligible
// servers of one tier.
func (p *Pool) pickTierLocked(now time.Time, backup bool, exclude map[*Server]bool) *Server {
	var best *Server
	total := 0
	for _, s := range p.servers {
		if s.cfg.Backup != backup || exclude[s] || !s.eligibleAt(now) {
			continue
		}
		s.currentWeight += s.cfg.Weight
		total += s.cfg.Weight
		if best == nil || s.currentWeight > best.currentWeight {
			best = s
		}
	}
	if best == nil {
		return nil
	}
	best.currentWeight -= total
	return best
}

// Report records the outcome of one request to s. A nil err resets the
// failure count and restores health; otherwise the consecutive failure
// count rises and the server turns unhealthy at MaxFails.
func (p *Pool) Report(s *Server, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		s.fails = 0
		s.healthy = true
		s.unhealthySince = time.Time{}
		return
	}

	s.fails++
	if s.fails >= s.cfg.MaxFails {
		s.healthy = false
		s.unhealthySince = p.now()
	}
}

// Status returns a health snapshot of every server in the pool.
func (p *Pool) Status() []ServerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ServerStatus, len(p.servers))
	for i, s := range p.servers {
		out[i] = ServerStatus{
			Address: s.cfg.URL.String(),
			Weight:  s.cfg.Weight,
			Backup:  s.cfg.Backup,
			Healthy: s.healthy,
			Fails:   s.fails,
		}
	}
	return out
}
