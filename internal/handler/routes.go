package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gate-relay/internal/config"
	"gate-relay/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, relay *RelayHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/relay/status", health.Status)
	e.GET("/api/health", health.APIHealth)

	paths := make([]string, 0, len(cfg.Routes))
	for _, route := range cfg.Routes {
		e.Any(route.Path, relay.Handle(route))
		paths = append(paths, route.Path)
	}

	if m == nil {
		return
	}
	m.TrackPaths(paths...)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
