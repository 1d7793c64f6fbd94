// Package headers applies per-route CORS policy and the fixed security
// header set to outgoing responses.
package headers

import (
	"net/http"
	"strconv"
	"strings"

	"cdn-proxy-go/internal/model"
)

// Policy describes the CORS behaviour of a route.
type Policy struct {
	Name           string
	AllowedOrigins []string // exact origins, or ["*"]
	AllowedMethods []string
	AllowedHeaders []string
	ExposedHeaders []string
	MaxAge         int // seconds; 0 omits Access-Control-Max-Age
}

// OriginAllowed reports whether origin passes the policy allowlist.
func (p *Policy) OriginAllowed(origin string) bool {
	for _, o := range p.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (p *Policy) wildcard() bool {
	for _, o := range p.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

// allowOriginValue echoes the request origin for exact allowlists and
// returns "*" for wildcard policies.
func (p *Policy) allowOriginValue(origin string) string {
	if p.wildcard() {
		return "*"
	}
	return origin
}

// Preflight handles a CORS preflight request. When the request is an
// OPTIONS carrying Origin and Access-Control-Request-Method and the origin
// is allowed, it returns a 204 result that bypasses the rest of the
// pipeline; otherwise it returns nil and the request proceeds normally.
func (p *Policy) Preflight(req *model.Request) *model.Result {
	if p == nil || req.Method != http.MethodOptions {
		return nil
	}
	origin := req.Header.Get("Origin")
	if origin == "" || req.Header.Get("Access-Control-Request-Method") == "" {
		return nil
	}
	if !p.OriginAllowed(origin) {
		return nil
	}

	h := make(http.Header)
	h.Set("Access-Control-Allow-Origin", p.allowOriginValue(origin))
	h.Set("Access-Control-Allow-Methods", strings.Join(p.AllowedMethods, ","))
	if len(p.AllowedHeaders) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(p.AllowedHeaders, ","))
	}
	if p.MaxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(p.MaxAge))
	}
	return &model.Result{StatusCode: http.StatusNoContent, Header: h}
}

// Apply decorates a response header set with the policy's CORS headers
// (when the origin is allowed), the fixed security headers, and the cache
// status. A nil policy still gets security headers and cache status.
func (p *Policy) Apply(origin string, h http.Header, status model.CacheStatus) {
	if p != nil && origin != "" && p.OriginAllowed(origin) {
		h.Set("Access-Control-Allow-Origin", p.allowOriginValue(origin))
		if len(p.ExposedHeaders) > 0 {
			h.Set("Access-Control-Expose-Headers", strings.Join(p.ExposedHeaders, ","))
		}
	}

	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-XSS-Protection", "1; mode=block")
	if status != "" {
		h.Set("X-Cache-Status", string(status))
	}
}
