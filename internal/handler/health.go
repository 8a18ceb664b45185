package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"gate-relay/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// APIHealth answers the public health check under /api.
func (h *HealthHandler) APIHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
		"from":   serviceName,
	})
}

// relayStatus reports which secrets are present, never their values.
type relayStatus struct {
	Status              string `json:"status"`
	Version             string `json:"version"`
	Routes              int    `json:"routes"`
	LimiterStore        string `json:"limiter_store"`
	UpstreamConfigured  bool   `json:"upstream_configured"`
	GateKeyConfigured   bool   `json:"gate_key_configured"`
	TurnstileConfigured bool   `json:"turnstile_configured"`
}

// Status returns relay status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, relayStatus{
		Status:              "ok",
		Version:             string(h.version),
		Routes:              len(h.cfg.Routes),
		LimiterStore:        h.cfg.Limiter.Store,
		UpstreamConfigured:  h.cfg.Upstream.URL != "",
		GateKeyConfigured:   h.cfg.Upstream.GateKey != "",
		TurnstileConfigured: h.cfg.Turnstile.Secret != "",
	})
}
