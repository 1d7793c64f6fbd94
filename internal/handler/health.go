package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"cdn-proxy-go/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the liveness, status and cache-stats endpoints.
type HealthHandler struct {
	runtime *service.Runtime
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(rt *service.Runtime, v Version) *HealthHandler {
	return &HealthHandler{runtime: rt, version: v}
}

// Health returns a simple OK response for liveness probes.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns service info plus per-server upstream health.
func (h *HealthHandler) Status(c echo.Context) error {
	p := h.runtime.Current()
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "cdn-proxy",
		"version": string(h.version),
		"pools":   p.PoolStatus(),
	})
}

// CacheStats returns the cache configuration and live counters.
func (h *HealthHandler) CacheStats(c echo.Context) error {
	p := h.runtime.Current()
	cfg := p.Config()
	return c.JSON(http.StatusOK, map[string]any{
		"config": map[string]any{
			"max_bytes":               cfg.Cache.MaxBytes,
			"sweep_interval_seconds":  cfg.Cache.SweepIntervalSeconds,
			"stale_retention_seconds": cfg.Cache.StaleRetentionSeconds,
		},
		"stats": p.CacheStats(),
	})
}
