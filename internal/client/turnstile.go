package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gate-relay/internal/config"
	"gate-relay/internal/model"
)

// maxVerifyResponseBytes caps how much of a siteverify reply is decoded.
const maxVerifyResponseBytes = 64 << 10

// TurnstileClient calls the Turnstile siteverify endpoint.
type TurnstileClient struct {
	httpClient *http.Client
	verifyURL  string
	secret     string
	logger     *slog.Logger
}

// NewTurnstileClient creates a TurnstileClient from the turnstile config section.
func NewTurnstileClient(cfg *config.Config, logger *slog.Logger) *TurnstileClient {
	return &TurnstileClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Turnstile.TimeoutSeconds) * time.Second,
		},
		verifyURL: cfg.Turnstile.VerifyURL,
		secret:    cfg.Turnstile.Secret,
		logger:    logger.With("component", "turnstile_client"),
	}
}

// Configured reports whether a siteverify secret is available.
func (c *TurnstileClient) Configured() bool {
	return c.secret != ""
}

// Verify checks token against siteverify. A nil error with Success=false means
// the service rejected the token; any error means the answer could not be
// obtained or understood. Callers treat both as a failed verification.
func (c *TurnstileClient) Verify(ctx context.Context, token, remoteIP string) (*model.VerifyResult, error) {
	if token == "" {
		return &model.VerifyResult{Success: false, ErrorCodes: []string{"missing-input-response"}}, nil
	}

	form := url.Values{}
	form.Set("secret", c.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build siteverify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("siteverify request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxVerifyResponseBytes))
		return nil, fmt.Errorf("siteverify status %d", resp.StatusCode)
	}

	var result model.VerifyResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxVerifyResponseBytes)).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode siteverify response: %w", err)
	}

	if !result.Success {
		c.logger.Debug("siteverify rejected token", "error_codes", result.ErrorCodes)
	}
	return &result, nil
}
