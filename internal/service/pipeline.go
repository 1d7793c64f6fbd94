// Package service implements the request pipeline: route resolution, rate
// limiting, cache lookup with request coalescing, upstream fetch with
// failover, and response header policy.
package service

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"cdn-proxy-go/internal/cache"
	"cdn-proxy-go/internal/client"
	"cdn-proxy-go/internal/config"
	"cdn-proxy-go/internal/headers"
	"cdn-proxy-go/internal/metrics"
	"cdn-proxy-go/internal/model"
	"cdn-proxy-go/internal/ratelimit"
	"cdn-proxy-go/internal/router"
	"cdn-proxy-go/internal/upstream"
)

// Pipeline holds one immutable snapshot of the configured proxy: the route
// table, rate zones, pools and policies built from a single config load.
// A reload builds a fresh Pipeline and swaps it in whole.
type Pipeline struct {
	cfg      *config.Config
	routes   *router.Table
	limiter  *ratelimit.Limiter
	store    *cache.Store
	pools    map[string]*upstream.Pool
	policies map[string]*headers.Policy
	client   *client.Client
	logger   *slog.Logger
	m        *metrics.Metrics // optional

	retryLimit  int
	fetchBudget time.Duration // upper bound on one coalesced fill
}

// NewPipeline builds a Pipeline from config. The metrics parameter is
// optional; pass nil to disable pipeline metrics.
func NewPipeline(cfg *config.Config, cl *client.Client, logger *slog.Logger, m *metrics.Metrics) (*Pipeline, error) {
	zones := make([]ratelimit.ZoneConfig, 0, len(cfg.RateZones))
	for _, z := range cfg.RateZones {
		zones = append(zones, ratelimit.ZoneConfig{
			Name:     z.Name,
			Capacity: z.Capacity,
			Rate:     z.RefillRate,
			IdleTTL:  time.Duration(z.IdleSeconds) * time.Second,
		})
	}

	pools := make(map[string]*upstream.Pool, len(cfg.Pools))
	for _, p := range cfg.Pools {
		servers := make([]upstream.ServerConfig, 0, len(p.Servers))
		for _, s := range p.Servers {
			u, err := url.Parse(s.Address)
			if err != nil {
				return nil, fmt.Errorf("pool %q: parse address %q: %w", p.Name, s.Address, err)
			}
			servers = append(servers, upstream.ServerConfig{
				URL:         u,
				Weight:      s.Weight,
				MaxFails:    s.MaxFails,
				FailTimeout: time.Duration(s.FailTimeoutSeconds) * time.Second,
				Backup:      s.Backup,
			})
		}
		pools[p.Name] = upstream.NewPool(p.Name, servers)
	}

	policies := make(map[string]*headers.Policy, len(cfg.HeaderPolicies))
	for _, hp := range cfg.HeaderPolicies {
		policies[hp.Name] = &headers.Policy{
			Name:           hp.Name,
			AllowedOrigins: hp.AllowedOrigins,
			AllowedMethods: hp.AllowedMethods,
			AllowedHeaders: hp.AllowedHeaders,
			ExposedHeaders: hp.ExposedHeaders,
			MaxAge:         hp.MaxAgeSeconds,
		}
	}

	attempt := time.Duration(cfg.Proxy.ConnectTimeoutSeconds+cfg.Proxy.ResponseTimeoutSeconds) * time.Second

	return &Pipeline{
		cfg:      cfg,
		routes:   router.New(routeModels(cfg)),
		limiter:  ratelimit.New(zones),
		store: cache.New(cache.Config{
			MaxBytes:       cfg.Cache.MaxBytes,
			SweepInterval:  time.Duration(cfg.Cache.SweepIntervalSeconds) * time.Second,
			StaleRetention: time.Duration(cfg.Cache.StaleRetentionSeconds) * time.Second,
		}, m),
		pools:       pools,
		policies:    policies,
		client:      cl,
		logger:      logger.With("component", "pipeline"),
		m:           m,
		retryLimit:  cfg.Proxy.RetryLimit,
		fetchBudget: attempt * time.Duration(cfg.Proxy.RetryLimit),
	}, nil
}

// Close stops the pipeline's background goroutines. Called on the old
// snapshot after a reload swap and on shutdown.
func (p *Pipeline) Close() {
	p.limiter.Close()
	p.store.Close()
}

// Config returns the config this pipeline was built from.
func (p *Pipeline) Config() *config.Config {
	return p.cfg
}

// CacheStats returns live cache counters for the stats endpoint.
func (p *Pipeline) CacheStats() cache.Stats {
	return p.store.Stats()
}

// PoolStatus returns per-server health for every pool.
func (p *Pipeline) PoolStatus() map[string][]upstream.ServerStatus {
	out := make(map[string][]upstream.ServerStatus, len(p.pools))
	for name, pool := range p.pools {
		out[name] = pool.Status()
	}
	return out
}

// routeModels converts config routes into the immutable route set the
// router evaluates.
func routeModels(cfg *config.Config) []model.Route {
	routes := make([]model.Route, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		policy := model.CachePolicy{
			Enabled:        r.Cache.Enabled,
			MaxObjectBytes: r.Cache.MaxObjectBytes,
			Vary:           r.Cache.Vary,
			StaleIfError:   time.Duration(r.Cache.StaleIfErrorSeconds) * time.Second,
		}
		for _, v := range r.Cache.Valid {
			policy.Rules = append(policy.Rules, model.CacheRule{
				Statuses: v.Statuses,
				TTL:      time.Duration(v.TTLSeconds) * time.Second,
			})
		}
		routes = append(routes, model.Route{
			Name:         r.Name,
			Prefix:       r.Prefix,
			StripPrefix:  r.StripPrefix,
			Pool:         r.Pool,
			RateZone:     r.RateZone,
			HeaderPolicy: r.HeaderPolicy,
			Cache:        policy,
		})
	}
	return routes
}

// RoutePrefixes returns the configured route prefixes in evaluation order,
// used for bounded-cardinality metric labels.
func (p *Pipeline) RoutePrefixes() []string {
	rs := p.routes.Routes()
	prefixes := make([]string, len(rs))
	for i, r := range rs {
		prefixes[i] = r.Prefix
	}
	return prefixes
}
