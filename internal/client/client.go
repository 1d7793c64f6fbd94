// Package client provides the pooled HTTP client used for upstream fetches.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"cdn-proxy-go/internal/config"
)

// Client sends requests to upstream origin servers. A single Client is
// shared by all pools so idle connections are reused across requests.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client with connection pooling and per-attempt timeouts.
// ResponseHeaderTimeout bounds how long one attempt may wait for upstream
// headers, so a stuck server surfaces as a retryable failure instead of
// hanging the request.
func New(cfg *config.Config, logger *slog.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:          cfg.Proxy.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Proxy.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Proxy.ResponseTimeoutSeconds) * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   time.Duration(cfg.Proxy.ConnectTimeoutSeconds) * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Client{
		httpClient: &http.Client{Transport: transport},
		logger:     logger.With("component", "upstream_client"),
	}
}

// Do executes a bodiless request against an upstream server and returns
// the raw response. The caller is responsible for closing the response
// body. The context controls the lifetime of the attempt.
func (c *Client) Do(ctx context.Context, method, url string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if header != nil {
		req.Header = header
	}

	c.logger.Debug("upstream request", "method", method, "url", url)

	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	return resp, nil
}

// IsTimeout reports whether err represents a timed-out upstream attempt,
// as opposed to a connect or protocol failure.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
