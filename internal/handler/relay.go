package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"gate-relay/internal/config"
	"gate-relay/internal/model"
	"gate-relay/internal/service"
)

// serviceName is reported by per-route health checks.
const serviceName = "gate-relay"

// allowedMethods is the Allow header sent with 405 responses from relay routes.
const allowedMethods = "GET, POST, OPTIONS"

// routeHealth is the body returned for GET on a relay route.
type routeHealth struct {
	OK        bool   `json:"ok"`
	Route     string `json:"route"`
	Service   string `json:"service"`
	Turnstile bool   `json:"turnstile,omitempty"`
}

// RelayHandler serves every relay route; each route gets its own closure.
type RelayHandler struct {
	service *service.RelayService
	cfg     *config.Config
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, cfg *config.Config, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		cfg:     cfg,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Handle returns the handler for one row of the route table.
func (h *RelayHandler) Handle(route config.RouteConfig) echo.HandlerFunc {
	return func(c echo.Context) error {
		switch c.Request().Method {
		case http.MethodOptions:
			return c.NoContent(http.StatusNoContent)
		case http.MethodGet, http.MethodHead:
			return c.JSON(http.StatusOK, routeHealth{
				OK:        true,
				Route:     route.Route,
				Service:   serviceName,
				Turnstile: route.Verify,
			})
		case http.MethodPost:
			return h.relay(c, route)
		default:
			c.Response().Header().Set(echo.HeaderAllow, allowedMethods)
			return c.JSON(http.StatusMethodNotAllowed, model.ErrorEnvelope{
				Error: model.CodeMethodNotAllowed,
			})
		}
	}
}

func (h *RelayHandler) relay(c echo.Context, route config.RouteConfig) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		// A body that cannot be read is treated as absent.
		h.logger.Warn("reading request body", "err", err, "path", req.URL.Path)
		body = nil
	}

	resp, err := h.service.Relay(req.Context(), &service.RelayRequest{
		Route:       route,
		ContentType: req.Header.Get(echo.HeaderContentType),
		Body:        body,
		ClientIP:    h.clientIP(c),
	})
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.Response().Header().Set(echo.HeaderContentType, resp.ContentType)
	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent; a failed copy leaves the client with a
	// truncated body and is only logged.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

// clientIP reads the configured edge header; "-" falls back to echo's RealIP.
func (h *RelayHandler) clientIP(c echo.Context) string {
	header := h.cfg.Server.ClientIPHeader
	if header == "" || header == "-" {
		return c.RealIP()
	}
	return strings.TrimSpace(c.Request().Header.Get(header))
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	var mce *service.MissingConfigError
	if errors.As(err, &mce) {
		h.logger.Error("relay route not configured", "path", path, "missing", mce.Missing)
		return c.JSON(http.StatusInternalServerError, model.ErrorEnvelope{
			Error:  model.CodeMissingEnv,
			Detail: map[string][]string{"missing": mce.Missing},
		})
	}

	var bre *service.BadRequestError
	if errors.As(err, &bre) {
		return c.JSON(http.StatusBadRequest, model.ErrorEnvelope{
			Error:  model.CodeBadRequestBody,
			Detail: bre.Reason,
		})
	}

	var rle *service.RateLimitError
	if errors.As(err, &rle) {
		hdr := c.Response().Header()
		hdr.Set("Retry-After", strconv.Itoa(retryAfterSeconds(rle)))
		hdr.Set("X-RateLimit-Limit", strconv.Itoa(rle.Limit))
		hdr.Set("X-RateLimit-Remaining", strconv.Itoa(rle.Remaining))
		hdr.Set("X-RateLimit-Reset", strconv.FormatInt(rle.ResetAt.Unix(), 10))
		return c.JSON(http.StatusTooManyRequests, model.ErrorEnvelope{
			Error: model.CodeTooManyRequests,
		})
	}

	if errors.Is(err, service.ErrForbidden) {
		return c.JSON(http.StatusForbidden, model.ErrorEnvelope{
			Error: model.CodeForbidden,
		})
	}

	h.logger.Error("relay error", "err", err, "path", path)

	return c.JSON(http.StatusBadGateway, model.ErrorEnvelope{
		Error:  model.CodeUpstreamUnreachable,
		Detail: upstreamDetail(err),
	})
}

// upstreamDetail describes a transport failure without exposing the upstream URL.
func upstreamDetail(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "upstream request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "client disconnected"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "upstream host unreachable"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return "upstream request timed out"
		}
		return "upstream connection failed"
	}

	return "upstream request failed"
}

func retryAfterSeconds(e *service.RateLimitError) int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
