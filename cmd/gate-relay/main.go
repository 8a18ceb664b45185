package main

import (
	"context"
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
	"go.uber.org/fx"

	"gate-relay/internal/client"
	"gate-relay/internal/config"
	"gate-relay/internal/handler"
	"gate-relay/internal/metrics"
	"gate-relay/internal/middleware"
	"gate-relay/internal/ratelimit"
	"gate-relay/internal/service"
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
		kong.Name("gate-relay"),
		kong.Description("Edge relay that forwards browser requests to an upstream script API with a server-held gate key."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			newLimiter,
			client.NewUpstreamClient,
			client.NewTurnstileClient,
			service.NewRelayService,
			handler.NewRelayHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, warnMissingSettings, startServer),
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

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.NewHTTPErrorHandler(logger)

	// Inbound timeouts to mitigate slow-client attacks. WriteTimeout stays 0
	// so slow upstream responses are bounded by the upstream client timeout.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	relayPaths := make([]string, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		relayPaths = append(relayPaths, r.Path)
	}

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger, "/healthz", cfg.Metrics.Path))
	e.Use(middleware.MetricsMiddleware(m))
	// CORS runs before BodyLimit so preflights and 413s carry the header set.
	e.Use(middleware.CORS(cfg.CORS))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.NotFoundGuard("/api/", relayPaths...))

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.GlobalRateLimiter(cfg.Server.RateLimit, cfg.Server.ClientIPHeader))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	if cfg.Server.StaticDir != "" {
		e.Use(echomw.StaticWithConfig(echomw.StaticConfig{
			Root:  cfg.Server.StaticDir,
			HTML5: true,
		}))
		logger.Info("serving static frontend", "dir", cfg.Server.StaticDir)
	}

	return e
}

// newLimiter builds the fixed-window limiter for sensitive routes on the
// configured store. A Redis store that cannot be reached at startup is only
// logged; the limiter fails open per request.
func newLimiter(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*ratelimit.Limiter, error) {
	var store ratelimit.Store
	switch cfg.Limiter.Store {
	case config.StoreRedis:
		rdb, err := ratelimit.ParseRedisURL(cfg.Limiter.RedisURL)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := rdb.Ping(ctx).Err(); err != nil {
					logger.Warn("redis limiter store unreachable; requests will not be limited until it recovers", "err", err)
				}
				return nil
			},
			OnStop: func(_ context.Context) error {
				return rdb.Close()
			},
		})
		store = ratelimit.NewRedisStore(rdb, cfg.Limiter.KeyPrefix)
	default:
		store = ratelimit.NewMemoryStore()
	}

	lim := ratelimit.New(store,
		cfg.Limiter.MaxRequests,
		time.Duration(cfg.Limiter.WindowSeconds)*time.Second,
		ratelimit.WithLogger(logger),
	)
	logger.Info("limiter configured",
		"store", cfg.Limiter.Store,
		"max_requests", lim.Max(),
		"window", lim.Window().String(),
	)
	return lim, nil
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// warnMissingSettings logs each unset secret once, with the routes that will
// answer missing_env until it is provided.
func warnMissingSettings(cfg *config.Config, svc *service.RelayService, logger *slog.Logger) {
	affected := make(map[string][]string)
	var order []string
	for _, route := range cfg.Routes {
		for _, name := range svc.Missing(route) {
			if _, seen := affected[name]; !seen {
				order = append(order, name)
			}
			affected[name] = append(affected[name], route.Path)
		}
	}
	for _, name := range order {
		logger.Warn("setting not configured; routes will answer missing_env",
			"name", name,
			"routes", affected[name],
		)
	}
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "version", version, "routes", len(cfg.Routes))
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
