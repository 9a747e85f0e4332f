package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"golang.org/x/time/rate"

	"s3-proxy-go/internal/client"
	"s3-proxy-go/internal/config"
	"s3-proxy-go/internal/handler"
	"s3-proxy-go/internal/metrics"
	"s3-proxy-go/internal/middleware"
	"s3-proxy-go/internal/service"
	"s3-proxy-go/internal/shutdown"
	"s3-proxy-go/internal/tracing"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// stopSlack is added to the grace period so the drain hook can finish
// before fx gives up on stop hooks.
const stopSlack = 5 * time.Second

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("s3-proxy"),
		kong.Description("Retrying reverse proxy for an S3-compatible object store."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	// Configuration errors are fatal before anything binds.
	cfg, err := config.Load(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "s3-proxy: %v\n", err)
		os.Exit(1)
	}

	fx.New(
		fx.Supply(cfg),
		fx.StopTimeout(cfg.Server.ShutdownGrace()+stopSlack),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		fx.Provide(
			newLogger,
			metrics.New,
			newCoordinator,
			tracing.New,
			fx.Annotate(client.NewUpstreamClient, fx.As(new(service.Upstream))),
			func() service.Validator { return service.AcceptAll },
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			newEcho,
		),
		fx.Invoke(
			handler.RegisterRoutes,
			warnConfigPermissions,
			recordBuildInfo,
			startMetricsServer,
			startServer,
		),
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

func newCoordinator(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *shutdown.Coordinator {
	return shutdown.New(cfg.Server.ShutdownGrace(), logger, m)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, coord *shutdown.Coordinator) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 60 * time.Second
	// Responses are written only after the upstream exchange, which can take
	// several attempt timeouts plus backoff. No write deadline.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(middleware.RejectWhileDraining(coord))
	e.Use(middleware.TraceContext(tracing.Propagator()))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func recordBuildInfo(m *metrics.Metrics) {
	m.BuildInfo.WithLabelValues(version).Set(1)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, coord *shutdown.Coordinator, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", ln.Addr().String(),
				"upstream", cfg.Upstream.BaseURL,
				"max_retries", cfg.Upstream.MaxRetries,
				"attempt_timeout", cfg.Upstream.AttemptTimeout(),
				"version", version,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Keep accepting during the grace period so new requests get a 503.
			if err := coord.Drain(ctx); err != nil {
				logger.Warn("grace period cut short", "err", err)
			}
			logger.Info("shutting down server")
			return e.Close()
		},
	})
}

func startMetricsServer(lc fx.Lifecycle, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry}))
	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("bind metrics %s: %w", srv.Addr, err)
			}
			logger.Info("starting metrics server", "addr", srv.Addr, "path", cfg.Metrics.Path)
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
