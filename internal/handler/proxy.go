package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"cdn-proxy-go/internal/model"
	"cdn-proxy-go/internal/router"
	"cdn-proxy-go/internal/service"
	"cdn-proxy-go/internal/upstream"
)

// ProxyHandler feeds requests through the live pipeline snapshot.
type ProxyHandler struct {
	runtime *service.Runtime
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(rt *service.Runtime, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		runtime: rt,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle resolves the request against the route table and writes the
// pipeline's response.
func (h *ProxyHandler) Handle(c echo.Context) error {
	p := h.runtime.Current()
	req := c.Request()

	res, err := p.Execute(req.Context(), &model.Request{
		Method:   req.Method,
		Path:     req.URL.Path,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		ClientIP: c.RealIP(),
	})
	if err != nil {
		return h.mapError(c, p, err)
	}

	// Assign rather than append: middleware may have pre-set some of
	// these (security headers) and duplicates must not accumulate.
	out := c.Response().Header()
	for key, vals := range res.Header {
		out[http.CanonicalHeaderKey(key)] = vals
	}

	if res.Stream != nil {
		defer func() { _ = res.Stream.Body.Close() }()
		c.Response().WriteHeader(res.StatusCode)
		// Mid-stream copy errors cannot change the status code anymore;
		// log them and let the client see the truncation.
		if _, err := io.Copy(c.Response(), res.Stream.Body); err != nil {
			h.logger.Error("streaming response body", "err", err, "path", req.URL.Path)
		}
		return nil
	}

	// Buffered responses carry their exact length.
	out.Set("Content-Length", strconv.Itoa(len(res.Body)))
	c.Response().WriteHeader(res.StatusCode)
	if len(res.Body) > 0 {
		if _, err := c.Response().Write(res.Body); err != nil {
			h.logger.Error("writing response body", "err", err, "path", req.URL.Path)
		}
	}
	return nil
}

// mapError translates pipeline errors into client responses, honoring
// configured custom error pages.
func (h *ProxyHandler) mapError(c echo.Context, p *service.Pipeline, err error) error {
	var rl *service.RateLimitedError
	if errors.As(err, &rl) {
		retry := int(math.Ceil(rl.RetryAfter.Seconds()))
		if retry < 1 {
			retry = 1
		}
		c.Response().Header().Set("Retry-After", strconv.Itoa(retry))
		return h.respond(c, p, http.StatusTooManyRequests, "rate limit exceeded")
	}

	if errors.Is(err, router.ErrNotFound) {
		return h.respond(c, p, http.StatusNotFound, "no route matches the request path")
	}

	if errors.Is(err, context.Canceled) {
		// Client gave up; nothing useful can be written.
		return h.respond(c, p, http.StatusBadGateway, "client disconnected")
	}

	h.logger.Error("proxy error", "err", err, "path", c.Request().URL.Path)

	if errors.Is(err, upstream.ErrExhausted) {
		return h.respond(c, p, http.StatusBadGateway, "all upstream servers unavailable")
	}

	var ue *service.UpstreamError
	if errors.As(err, &ue) {
		if ue.Timeout {
			return h.respond(c, p, http.StatusGatewayTimeout, "upstream request timed out")
		}
		return h.respond(c, p, http.StatusBadGateway, "upstream request failed")
	}

	return h.respond(c, p, http.StatusBadGateway, "upstream request failed")
}

// respond writes either the configured static error page for the status
// or a JSON error body.
func (h *ProxyHandler) respond(c echo.Context, p *service.Pipeline, status int, msg string) error {
	if page, ok := p.Config().ErrorPages[strconv.Itoa(status)]; ok {
		return c.Blob(status, echo.MIMETextHTMLCharsetUTF8, []byte(page))
	}
	return c.JSON(status, map[string]string{"error": msg})
}
