package handler

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"cdn-proxy-go/internal/service"
)

// AdminHandler serves local-only administrative endpoints.
type AdminHandler struct {
	runtime *service.Runtime
	logger  *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(rt *service.Runtime, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		runtime: rt,
		logger:  logger.With("component", "admin_handler"),
	}
}

// ConfigTest reports whether the loaded configuration is valid. Only
// loopback callers are allowed; everyone else gets 403. The check uses
// the socket address, never forwarding headers a caller could spoof.
func (h *AdminHandler) ConfigTest(c echo.Context) error {
	host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
	if err != nil {
		host = c.Request().RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		h.logger.Warn("admin endpoint rejected", "remote_ip", host, "path", c.Request().URL.Path)
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "admin endpoints are restricted to localhost",
		})
	}

	cfg := h.runtime.Current().Config()
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"config": cfg.Path(),
		"routes": len(cfg.Routes),
		"pools":  len(cfg.Pools),
	})
}
