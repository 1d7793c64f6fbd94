package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdn-proxy-go/internal/config"
	"cdn-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Control
// endpoints are registered explicitly; everything else falls through to
// the proxy pipeline's own route table.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler, admin *AdminHandler) {
	e.GET("/health", health.Health)
	e.GET("/api/status", health.Status)
	e.GET("/api/cache-stats", health.CacheStats)
	e.GET("/admin/config-test", admin.ConfigTest)

	if m != nil && cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(
			promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/*", proxy.Handle)
}
