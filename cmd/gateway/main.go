package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"api-gateway/internal/audit"
	"api-gateway/internal/auth"
	"api-gateway/internal/client"
	"api-gateway/internal/config"
	"api-gateway/internal/handler"
	"api-gateway/internal/metrics"
	"api-gateway/internal/middleware"
	"api-gateway/internal/route"
	"api-gateway/internal/service"
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
		kong.Name("api-gateway"),
		kong.Description("Authenticating HTTP gateway for backend services."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newRouteTable,
			newMetrics,
			newEcho,
			newVerifier,
			fx.Annotate(audit.NewLogAuditor, fx.As(new(audit.Auditor))),
			auth.NewAuthenticator,
			newUpstreamClient,
			service.NewDispatcher,
			handler.NewGatewayHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
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

// newRouteTable builds the immutable route table from configuration.
func newRouteTable(cfg *config.Config, logger *slog.Logger) (*route.Table, error) {
	routes := make([]route.Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		target, err := url.Parse(rc.Target)
		if err != nil {
			return nil, fmt.Errorf("route %q: parse target: %w", rc.Prefix, err)
		}

		r := route.Route{Name: rc.Name, Prefix: rc.Prefix, Target: target}
		switch {
		case rc.RewritePrefix != "":
			r.Rewrite = route.ReplacePrefix(rc.Prefix, rc.RewritePrefix)
		case rc.StripPrefix:
			r.Rewrite = route.StripPrefix(rc.Prefix)
		}
		routes = append(routes, r)
	}

	table, err := route.NewTable(routes...)
	if err != nil {
		return nil, err
	}
	for _, r := range table.Routes() {
		logger.Info("route registered", "name", r.Name, "prefix", r.Prefix, "target", r.Target.Redacted())
	}
	return table, nil
}

func newMetrics(table *route.Table) *metrics.Metrics {
	return metrics.New(table.Prefixes()...)
}

// newVerifier selects the credential verifier for the configured auth mode.
// The session verifier owns a Redis client that is closed on shutdown.
func newVerifier(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (auth.Verifier, error) {
	switch cfg.Auth.Mode {
	case config.AuthModeJWT:
		return auth.NewJWTVerifier(auth.JWTConfig{
			Secret:   cfg.Auth.JWT.Secret,
			Issuer:   cfg.Auth.JWT.Issuer,
			Audience: cfg.Auth.JWT.Audience,
			Leeway:   time.Duration(cfg.Auth.JWT.LeewaySeconds) * time.Second,
		})

	case config.AuthModeSession:
		opts, err := redis.ParseURL(cfg.Auth.Session.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("auth.session.redis_url: %w", err)
		}
		rdb := redis.NewClient(opts)
		timeout := time.Duration(cfg.Auth.Session.TimeoutMillis) * time.Millisecond

		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				// An unreachable store is not fatal: requests fail closed until it recovers.
				if err := rdb.Ping(ctx).Err(); err != nil {
					logger.Warn("session store unreachable", "addr", opts.Addr, "err", err)
				}
				return nil
			},
			OnStop: func(_ context.Context) error {
				return rdb.Close()
			},
		})
		return auth.NewSessionVerifier(rdb, cfg.Auth.Session.KeyPrefix, timeout), nil

	default:
		return auth.NewStaticVerifier(cfg.Auth.SharedSecret)
	}
}

func newUpstreamClient(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *client.UpstreamClient {
	c := client.NewUpstreamClient(cfg, logger, m)
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			c.CloseIdleConnections()
			return nil
		},
	})
	return c
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) so long-running streamed responses are not
	// cut off. Upstream connect and response-header timeouts bound the wait.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Server.RateLimit))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting gateway", "addr", addr, "auth_mode", cfg.Auth.Mode, "routes", len(cfg.Routes))
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down gateway")
			return e.Shutdown(ctx)
		},
	})
}
