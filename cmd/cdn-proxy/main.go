package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"cdn-proxy-go/internal/client"
	"cdn-proxy-go/internal/config"
	"cdn-proxy-go/internal/handler"
	"cdn-proxy-go/internal/metrics"
	"cdn-proxy-go/internal/middleware"
	"cdn-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("cdn-proxy"),
		kong.Description("Caching reverse proxy for CDN origins."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			client.New,
			newRuntime,
			newEcho,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			handler.NewAdminHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer, watchReload),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newRuntime(cfg *config.Config, cl *client.Client, logger *slog.Logger, m *metrics.Metrics) (*service.Runtime, error) {
	p, err := service.NewPipeline(cfg, cl, logger, m)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return service.NewRuntime(p), nil
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, rt *service.Runtime) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Clients connect directly; trusting X-Forwarded-For would let them
	// spoof the rate-limit key and the admin loopback check.
	e.IPExtractor = echo.ExtractIPDirect()

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) to avoid cutting off valid long-running
	// streamed responses. Protection is provided by the upstream client
	// timeouts, ReadTimeout, and IdleTimeout.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Metrics.Enabled {
		controlPaths := []string{"/health", "/api/status", "/api/cache-stats", "/admin", cfg.Metrics.Path}
		e.Use(middleware.MetricsMiddleware(m, func() []string {
			return append(rt.Current().RoutePrefixes(), controlPaths...)
		}))
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, rt *service.Runtime, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "routes", len(cfg.Routes))
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			err := e.Shutdown(ctx)
			rt.Current().Close()
			return err
		},
	})
}

// watchReload rebuilds the pipeline from the config file on SIGHUP and
// swaps it in atomically; in-flight requests finish on the old snapshot.
func watchReload(lc fx.Lifecycle, cli *config.CLI, cl *client.Client, rt *service.Runtime, logger *slog.Logger, m *metrics.Metrics) {
	hup := make(chan os.Signal, 1)
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			signal.Notify(hup, syscall.SIGHUP)
			go func() {
				for {
					select {
					case <-done:
						return
					case <-hup:
						cfg, err := config.Load(cli)
						if err != nil {
							logger.Error("reload: keeping current config", "err", err)
							continue
						}
						p, err := service.NewPipeline(cfg, cl, logger, m)
						if err != nil {
							logger.Error("reload: keeping current pipeline", "err", err)
							continue
						}
						old := rt.Swap(p)
						old.Close()
						logger.Info("config reloaded", "path", cfg.Path(), "routes", len(cfg.Routes))
					}
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			signal.Stop(hup)
			close(done)
			return nil
		},
	})
}
