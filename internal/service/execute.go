package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"cdn-proxy-go/internal/cache"
	"cdn-proxy-go/internal/client"
	"cdn-proxy-go/internal/headers"
	"cdn-proxy-go/internal/model"
	"cdn-proxy-go/internal/upstream"
)

// RateLimitedError is returned when a rate zone rejects a request.
type RateLimitedError struct {
	Zone       string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by zone %q, retry after %s", e.Zone, e.RetryAfter)
}

// UpstreamError wraps the last failure after the per-request retry bound
// was exhausted. Timeout distinguishes 504 from 502.
type UpstreamError struct {
	Timeout bool
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream fetch failed: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

const proxyUserAgent = "cdn-proxy-go/1.0"

// forwardableRequestHeaders are the only request headers forwarded upstream.
// The client body and Content-Length are never forwarded.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"If-None-Match",
	"If-Modified-Since",
	"Range",
}

// conditionalRequestHeaders make the origin response depend on request
// state the cache key does not capture (partial bodies, 304s). They are
// forwarded only on routes that do not cache.
var conditionalRequestHeaders = map[string]bool{
	"If-None-Match":     true,
	"If-Modified-Since": true,
	"Range":             true,
}

// forwardableResponseHeaders are the only response headers forwarded to the client.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":     true,
	"Content-Length":   true,
	"Content-Encoding": true,
	"Cache-Control":    true,
	"Accept-Ranges":    true,
	"ETag":             true,
	"Last-Modified":    true,
	"Expires":          true,
	"Date":             true,
	"Location":         true,
}

// Execute runs one request through the pipeline and returns a resolved
// response, or one of the taxonomy errors (router.ErrNotFound,
// *RateLimitedError, upstream.ErrExhausted, *UpstreamError).
func (p *Pipeline) Execute(ctx context.Context, req *model.Request) (*model.Result, error) {
	route, err := p.routes.Resolve(req.Path)
	if err != nil {
		return nil, err
	}

	policy := p.policies[route.HeaderPolicy] // nil when route has no policy
	origin := req.Header.Get("Origin")

	if res := policy.Preflight(req); res != nil {
		return res, nil
	}

	if route.RateZone != "" {
		d := p.limiter.Admit(route.RateZone, req.ClientIP)
		if !d.Allowed {
			if p.m != nil {
				p.m.RateLimitRejected.WithLabelValues(route.RateZone).Inc()
			}
			return nil, &RateLimitedError{Zone: route.RateZone, RetryAfter: d.RetryAfter}
		}
	}

	if !route.Cache.Enabled {
		return p.passThrough(ctx, route, req, policy, origin)
	}

	key := cacheKey(route, req)
	outcome := p.store.Lookup(key)

	switch {
	case outcome.Entry != nil:
		return entryResult(outcome.Entry, model.CacheHit, policy, origin), nil

	case outcome.Pending != nil:
		e, err := outcome.Pending.Wait(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			// The fill owner failed; same outcome for all waiters, modulo
			// a stale copy when the route permits it.
			if st := p.store.Stale(key, route.Cache.StaleIfError); st != nil {
				return entryResult(st, model.CacheHit, policy, origin), nil
			}
			return nil, err
		}
		if e == nil {
			// The owner's response was too large to buffer and streamed
			// straight to its own client; fetch our own copy.
			return p.passThrough(ctx, route, req, policy, origin)
		}
		if !outcome.Pending.Stored() {
			return entryResult(e, model.CacheBypass, policy, origin), nil
		}
		return entryResult(e, model.CacheHit, policy, origin), nil

	default:
		return p.fill(ctx, route, req, key, outcome.Claim, policy, origin)
	}
}

// fill is the cache-miss path for the caller that owns the claim: fetch
// from the route's pool, populate or abandon the claim, and build the
// caller's own response.
//
// The fetch runs detached from the client's context so a disconnecting
// client cannot strand coalesced waiters; the fetch budget bounds it instead.
func (p *Pipeline) fill(ctx context.Context, route *model.Route, req *model.Request, key string, claim *cache.Claim, policy *headers.Policy, origin string) (*model.Result, error) {
	// No deferred cancel: the oversize branch hands the response body to
	// the caller, so its closer owns the cancel there.
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.fetchBudget)

	resp, err := p.fetchWithFailover(fetchCtx, route, req)
	if err != nil {
		cancel()
		p.store.Abandon(claim, err)
		if st := p.store.Stale(key, route.Cache.StaleIfError); st != nil {
			p.logger.Warn("serving stale entry after upstream failure", "route", route.Name, "key", key)
			return entryResult(st, model.CacheHit, policy, origin), nil
		}
		return nil, err
	}

	ttl, cacheable := route.Cache.TTLFor(resp.StatusCode)
	limit := route.Cache.MaxObjectBytes

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		_ = resp.Body.Close()
		cancel()
		err = fmt.Errorf("read upstream body: %w", err)
		p.store.Abandon(claim, err)
		return nil, &UpstreamError{Timeout: client.IsTimeout(err), Err: err}
	}

	header := filterResponseHeaders(resp.Header)

	if int64(len(body)) > limit {
		// Too large to buffer: the client gets the prefix already read
		// spliced with the rest of the upstream body; waiters fetch
		// their own copies.
		p.store.Abandon(claim, nil)
		resp.Body = splicedBody{
			Reader: io.MultiReader(bytes.NewReader(body), resp.Body),
			Closer: closeFunc{resp.Body, cancel},
		}
		res := &model.Result{
			StatusCode:  resp.StatusCode,
			Header:      header,
			Stream:      resp,
			CacheStatus: model.CacheBypass,
		}
		policy.Apply(origin, res.Header, res.CacheStatus)
		return res, nil
	}
	_ = resp.Body.Close()
	cancel()

	entry := &cache.Entry{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		TTL:        ttl,
	}

	if !cacheable {
		// Fully buffered but not storable: hand the same response to every
		// coalesced waiter so the origin still sees a single fetch.
		p.store.Bypass(claim, entry)
		return entryResult(entry, model.CacheBypass, policy, origin), nil
	}

	p.store.Populate(claim, entry)
	return entryResult(entry, model.CacheMiss, policy, origin), nil
}

// splicedBody rejoins a partially read response body with its source so
// the whole stream can be handed to the client.
type splicedBody struct {
	io.Reader
	io.Closer
}

// closeFunc closes the wrapped body and then releases the fetch context.
type closeFunc struct {
	io.Closer
	cancel context.CancelFunc
}

func (c closeFunc) Close() error {
	err := c.Closer.Close()
	c.cancel()
	return err
}

// passThrough fetches without consulting the cache and streams the
// upstream body straight to the client.
func (p *Pipeline) passThrough(ctx context.Context, route *model.Route, req *model.Request, policy *headers.Policy, origin string) (*model.Result, error) {
	resp, err := p.fetchWithFailover(ctx, route, req)
	if err != nil {
		return nil, err
	}

	res := &model.Result{
		StatusCode:  resp.StatusCode,
		Header:      filterResponseHeaders(resp.Header),
		Stream:      resp,
		CacheStatus: model.CacheBypass,
	}
	policy.Apply(origin, res.Header, res.CacheStatus)
	return res, nil
}

// fetchWithFailover tries up to retryLimit distinct servers from the
// route's pool. Transport-level failures are reported to the pool and the
// next eligible server is tried; an upstream response of any status ends
// the loop.
func (p *Pipeline) fetchWithFailover(ctx context.Context, route *model.Route, req *model.Request) (*http.Response, error) {
	pool := p.pools[route.Pool]
	exclude := make(map[*upstream.Server]bool)

	var lastErr error
	for i := 0; i < p.retryLimit; i++ {
		srv, err := pool.Pick(exclude)
		if err != nil {
			if lastErr != nil {
				return nil, &UpstreamError{Timeout: client.IsTimeout(lastErr), Err: lastErr}
			}
			return nil, err
		}

		start := time.Now()
		resp, err := p.client.Do(ctx, req.Method, upstreamURL(srv.URL(), route, req), forwardRequestHeaders(req, route.Cache.Enabled))
		if p.m != nil {
			p.m.UpstreamDuration.WithLabelValues(pool.Name()).Observe(time.Since(start).Seconds())
		}

		if err != nil {
			pool.Report(srv, err)
			if p.m != nil {
				p.m.UpstreamFailures.WithLabelValues(pool.Name()).Inc()
			}
			p.logger.Warn("upstream attempt failed",
				"pool", pool.Name(),
				"server", srv.URL().String(),
				"attempt", i+1,
				"err", err,
			)
			exclude[srv] = true
			lastErr = err
			continue
		}

		pool.Report(srv, nil)
		return resp, nil
	}

	return nil, &UpstreamError{Timeout: client.IsTimeout(lastErr), Err: lastErr}
}

// cacheKey derives the store key from the route, the normalized URI and
// the request headers named by the route's Vary list.
func cacheKey(route *model.Route, req *model.Request) string {
	var b strings.Builder
	b.WriteString(route.Name)
	b.WriteByte('|')
	b.WriteString(req.Path)
	if req.RawQuery != "" {
		if q, err := url.ParseQuery(req.RawQuery); err == nil {
			b.WriteByte('?')
			b.WriteString(q.Encode()) // Encode sorts keys
		} else {
			b.WriteByte('?')
			b.WriteString(req.RawQuery)
		}
	}
	if len(route.Cache.Vary) > 0 {
		vary := make([]string, len(route.Cache.Vary))
		copy(vary, route.Cache.Vary)
		sort.Strings(vary)
		for _, h := range vary {
			b.WriteByte('|')
			b.WriteString(h)
			b.WriteByte('=')
			b.WriteString(req.Header.Get(h))
		}
	}
	return b.String()
}

// upstreamURL joins the server base URL with the request path and query,
// honoring the route's strip_prefix setting.
func upstreamURL(base *url.URL, route *model.Route, req *model.Request) string {
	path := req.Path
	if route.StripPrefix {
		path = strings.TrimPrefix(path, route.Prefix)
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
	}
	u := *base
	u.Path = joinSlash(base.Path, path)
	u.RawQuery = req.RawQuery
	return u.String()
}

func joinSlash(a, b string) string {
	as := strings.HasSuffix(a, "/")
	bs := strings.HasPrefix(b, "/")
	switch {
	case as && bs:
		return a + b[1:]
	case !as && !bs:
		return a + "/" + b
	default:
		return a + b
	}
}

// forwardRequestHeaders builds the upstream header set: an allowlist of
// content-negotiation headers plus forwarding metadata. The client body
// and its Content-Length are deliberately dropped, and on caching routes
// so are the conditional/range headers the cache key cannot distinguish.
func forwardRequestHeaders(req *model.Request, caching bool) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if caching && conditionalRequestHeaders[key] {
			continue
		}
		if vals := req.Header.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	if req.ClientIP != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			dst.Set("X-Forwarded-For", prior+", "+req.ClientIP)
		} else {
			dst.Set("X-Forwarded-For", req.ClientIP)
		}
	}
	dst.Set("User-Agent", proxyUserAgent)
	return dst
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}

// entryResult builds a client response from a cache entry. The entry's
// header set is cloned so policy decoration never mutates stored state.
func entryResult(e *cache.Entry, status model.CacheStatus, policy *headers.Policy, origin string) *model.Result {
	h := make(http.Header, len(e.Header))
	for k, vals := range e.Header {
		cp := make([]string, len(vals))
		copy(cp, vals)
		h[k] = cp
	}
	res := &model.Result{
		StatusCode:  e.StatusCode,
		Header:      h,
		Body:        e.Body,
		CacheStatus: status,
	}
	policy.Apply(origin, res.Header, res.CacheStatus)
	return res
}
