// Package service implements the relay pipeline: body normalization, rate
// limiting, bot verification, payload construction and the upstream call.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gate-relay/internal/client"
	"gate-relay/internal/config"
	"gate-relay/internal/metrics"
	"gate-relay/internal/model"
	"gate-relay/internal/ratelimit"
)

// Names reported in missing_env details. They match the environment
// variables the settings are normally provisioned through.
const (
	EnvUpstreamURL     = "GAS_API_URL"
	EnvGateKey         = "API_GATE_KEY"
	EnvTurnstileSecret = "TURNSTILE_SECRET"
)

var (
	// ErrMissingConfig is matched by *MissingConfigError.
	ErrMissingConfig = errors.New("missing configuration")
	// ErrBadRequestBody is matched by *BadRequestError.
	ErrBadRequestBody = errors.New("bad request body")
	// ErrRateLimited is matched by *RateLimitError.
	ErrRateLimited = errors.New("too many requests")
	// ErrForbidden is returned for any failed bot verification.
	ErrForbidden = errors.New("forbidden")
)

// MissingConfigError lists the settings a route needs but does not have.
type MissingConfigError struct {
	Missing []string
}

func (e *MissingConfigError) Error() string {
	return "missing configuration: " + strings.Join(e.Missing, ", ")
}

func (e *MissingConfigError) Is(target error) bool { return target == ErrMissingConfig }

// BadRequestError describes why a strict body was rejected.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string { return "bad request body: " + e.Reason }

func (e *BadRequestError) Is(target error) bool { return target == ErrBadRequestBody }

// RateLimitError describes the window a rejected client is in.
type RateLimitError struct {
	RetryAfter time.Duration
	Limit      int
	Remaining  int
	ResetAt    time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many requests; retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// RelayRequest is one inbound POST routed to a relay route.
type RelayRequest struct {
	Route       config.RouteConfig
	ContentType string
	Body        []byte
	ClientIP    string
}

// RelayService runs the relay pipeline for every configured route.
type RelayService struct {
	upstream  *client.UpstreamClient
	turnstile *client.TurnstileClient
	limiter   *ratelimit.Limiter
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewRelayService creates a RelayService. The metrics parameter may be nil.
func NewRelayService(
	up *client.UpstreamClient,
	ts *client.TurnstileClient,
	lim *ratelimit.Limiter,
	cfg *config.Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) *RelayService {
	return &RelayService{
		upstream:  up,
		turnstile: ts,
		limiter:   lim,
		cfg:       cfg,
		logger:    logger.With("component", "relay_service"),
		metrics:   m,
	}
}

// Missing returns the names of settings route needs that are not configured.
func (s *RelayService) Missing(route config.RouteConfig) []string {
	var missing []string
	if s.cfg.Upstream.URL == "" {
		missing = append(missing, EnvUpstreamURL)
	}
	if s.cfg.Upstream.GateKey == "" {
		missing = append(missing, EnvGateKey)
	}
	if route.Verify && !s.turnstile.Configured() {
		missing = append(missing, EnvTurnstileSecret)
	}
	return missing
}

// Relay validates req, applies the route's gates and forwards it upstream
// once. The caller is responsible for closing the response body.
func (s *RelayService) Relay(ctx context.Context, req *RelayRequest) (*model.UpstreamResponse, error) {
	route := req.Route

	if missing := s.Missing(route); len(missing) > 0 {
		s.record(route.Route, metrics.OutcomeMissingEnv)
		return nil, &MissingConfigError{Missing: missing}
	}

	var body map[string]any
	if route.Verify {
		var err error
		body, err = DecodeStrictBody(req.Body, req.ContentType)
		if err != nil {
			s.record(route.Route, metrics.OutcomeBadRequest)
			return nil, err
		}
	} else {
		body = NormalizeBody(req.Body, req.ContentType)
	}

	if route.RateLimited {
		if err := s.checkRate(ctx, req.ClientIP); err != nil {
			s.record(route.Route, metrics.OutcomeRateLimited)
			return nil, err
		}
	}

	if route.Verify {
		if err := s.verify(ctx, TurnstileToken(body), req.ClientIP); err != nil {
			s.record(route.Route, metrics.OutcomeForbidden)
			return nil, err
		}
	}

	payload := BuildPayload(route.Route, ExtractData(body), s.cfg.Upstream.GateKey, req.ClientIP)

	s.logger.Debug("relaying request", "route", route.Route, "has_ip", req.ClientIP != "")

	resp, err := s.upstream.Post(ctx, s.cfg.Upstream.URL, payload)
	if err != nil {
		s.record(route.Route, metrics.OutcomeUpstreamError)
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	s.record(route.Route, metrics.OutcomeForwarded)
	return resp, nil
}

// BuildPayload assembles the upstream payload. The gate key always comes from
// the server; nil data is sent as an empty object.
func BuildPayload(route string, data map[string]any, gateKey, ip string) model.RelayPayload {
	if data == nil {
		data = map[string]any{}
	}
	return model.RelayPayload{
		GateKey: gateKey,
		Route:   route,
		Data:    data,
		IP:      ip,
	}
}

func (s *RelayService) checkRate(ctx context.Context, ip string) error {
	d := s.limiter.Allow(ctx, ip)
	if s.metrics != nil {
		decision := "allowed"
		if !d.Allowed {
			decision = "rejected"
		}
		s.metrics.LimiterDecision.WithLabelValues(decision).Inc()
	}
	if !d.Allowed {
		s.logger.Info("rate limit exceeded", "count", d.Count, "retry_after", d.RetryAfter)
		return &RateLimitError{
			RetryAfter: d.RetryAfter,
			Limit:      s.limiter.Max(),
			Remaining:  d.Remaining,
			ResetAt:    d.ResetAt,
		}
	}
	return nil
}

// verify returns ErrForbidden for every kind of failure; the reason is only
// logged so clients cannot tell which check failed.
func (s *RelayService) verify(ctx context.Context, token, ip string) error {
	result := "success"
	defer func() {
		if s.metrics != nil {
			s.metrics.Verifications.WithLabelValues(result).Inc()
		}
	}()

	if token == "" {
		result = "missing_token"
		s.logger.Info("verification failed", "reason", result)
		return ErrForbidden
	}

	res, err := s.turnstile.Verify(ctx, token, ip)
	if err != nil {
		result = "error"
		s.logger.Warn("verification failed", "reason", result, "err", err)
		return ErrForbidden
	}
	if !res.Success {
		result = "rejected"
		s.logger.Info("verification failed", "reason", result, "error_codes", res.ErrorCodes)
		return ErrForbidden
	}
	return nil
}

func (s *RelayService) record(route, outcome string) {
	if s.metrics != nil {
		s.metrics.RelayOutcomes.WithLabelValues(route, outcome).Inc()
	}
}
