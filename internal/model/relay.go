// Package model defines shared types for the relay.
package model

import (
	"io"
)

// RelayPayload is the JSON body POSTed to the upstream script API.
// GateKey and Route are always set by the relay, never taken from the client.
type RelayPayload struct {
	GateKey string         `json:"gateKey"`
	Route   string         `json:"route"`
	Data    map[string]any `json:"data"`
	IP      string         `json:"ip"`
}

// UpstreamResponse is the upstream reply to be streamed back verbatim.
type UpstreamResponse struct {
	StatusCode  int
	ContentType string
	Body        io.ReadCloser
}

// ErrorEnvelope is the JSON shape of every error produced by the relay itself.
type ErrorEnvelope struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Detail any    `json:"detail,omitempty"`
}

// VerifyResult is the decoded Turnstile siteverify response.
type VerifyResult struct {
	Success     bool     `json:"success"`
	ErrorCodes  []string `json:"error-codes,omitempty"`
	ChallengeTS string   `json:"challenge_ts,omitempty"`
	Hostname    string   `json:"hostname,omitempty"`
	Action      string   `json:"action,omitempty"`
	CData       string   `json:"cdata,omitempty"`
}

// Error codes used in ErrorEnvelope.Error.
const (
	CodeBadRequestBody      = "bad_request_body"
	CodeMissingEnv          = "missing_env"
	CodeForbidden           = "forbidden"
	CodeTooManyRequests     = "too_many_requests"
	CodeUpstreamUnreachable = "upstream_unreachable"
	CodeMethodNotAllowed    = "method_not_allowed"
	CodeNotFound            = "not_found"
	CodeInternal            = "internal_error"
)
