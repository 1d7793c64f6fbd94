// Package model defines shared types for the proxy pipeline.
package model

import (
	"net/http"
	"time"
)

// CacheStatus is the value reported in the X-Cache-Status response header.
type CacheStatus string

const (
	CacheHit    CacheStatus = "HIT"
	CacheMiss   CacheStatus = "MISS"
	CacheBypass CacheStatus = "BYPASS"
)

// CacheRule maps a set of upstream status codes to a TTL.
type CacheRule struct {
	Statuses []int
	TTL      time.Duration
}

// CachePolicy controls whether and how responses on a route are cached.
type CachePolicy struct {
	Enabled        bool
	Rules          []CacheRule
	MaxObjectBytes int64
	Vary           []string // request headers folded into the cache key
	StaleIfError   time.Duration
}

// TTLFor returns the TTL for a status code, or false when the status
// is not cacheable under this policy.
func (p *CachePolicy) TTLFor(status int) (time.Duration, bool) {
	for _, r := range p.Rules {
		for _, s := range r.Statuses {
			if s == status {
				return r.TTL, true
			}
		}
	}
	return 0, false
}

// Route binds a path prefix to an upstream pool and the policies applied
// to requests matching it. Routes are immutable after config load; pool,
// zone and policy references are resolved by name when the pipeline is built.
type Route struct {
	Name         string
	Prefix       string
	StripPrefix  bool // drop the matched prefix before forwarding upstream
	Pool         string
	RateZone     string // empty disables rate limiting
	HeaderPolicy string // empty disables CORS handling
	Cache        CachePolicy
}

// Request is the pipeline's view of an inbound client request. The client
// body is never forwarded upstream, so it does not appear here.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	ClientIP string
}

// Result is a fully resolved response ready to be written to the client.
// Exactly one of Body and Stream is set; Stream is used by pass-through
// routes that never buffer the upstream body.
type Result struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	Stream      *http.Response
	CacheStatus CacheStatus
}
