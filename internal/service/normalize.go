package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// tokenField carries the Turnstile token in client bodies.
const tokenField = "cfTurnstileToken"

var errTrailingData = errors.New("unexpected data after JSON value")

// NormalizeBody turns an untrusted request body into a JSON object. It never
// fails: empty or unparsable bodies become {} (or {"raw": text} when the
// client did not claim JSON), and non-object JSON values are wrapped as
// {"body": value}.
func NormalizeBody(raw []byte, contentType string) map[string]any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}
	}

	v, err := decodeJSON(raw)
	if err != nil {
		if isJSONContentType(contentType) {
			return map[string]any{}
		}
		return map[string]any{"raw": string(raw)}
	}
	return asObject(v)
}

// DecodeStrictBody requires a JSON content type and a JSON object body.
func DecodeStrictBody(raw []byte, contentType string) (map[string]any, error) {
	if !isJSONContentType(contentType) {
		return nil, &BadRequestError{Reason: "Content-Type must be application/json"}
	}
	v, err := decodeJSON(raw)
	if err != nil {
		return nil, &BadRequestError{Reason: "invalid JSON body"}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &BadRequestError{Reason: "body must be a JSON object"}
	}
	return obj, nil
}

// reservedFields are set by the relay itself and never forwarded from a client.
var reservedFields = []string{"gateKey", "route", "ip", tokenField}

// ExtractData selects the object forwarded as the upstream payload's data.
// A "data" object wins; otherwise the whole body is used. Either way the
// reserved fields are dropped from the top level of the result.
func ExtractData(body map[string]any) map[string]any {
	if d, ok := body["data"].(map[string]any); ok {
		return without(d, reservedFields...)
	}
	return without(body, reservedFields...)
}

// TurnstileToken returns data.cfTurnstileToken, falling back to a top-level
// cfTurnstileToken.
func TurnstileToken(body map[string]any) string {
	if d, ok := body["data"].(map[string]any); ok {
		if s, ok := d[tokenField].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	if s, ok := body[tokenField].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func without(src map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		if !matchesAny(k, keys) {
			out[k] = v
		}
	}
	return out
}

func matchesAny(k string, keys []string) bool {
	for _, key := range keys {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

// decodeJSON decodes exactly one JSON value, keeping numbers as json.Number
// so they are re-encoded without float rounding.
func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, errTrailingData
	}
	return v, nil
}

func asObject(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case nil:
		return map[string]any{}
	default:
		return map[string]any{"body": t}
	}
}

func isJSONContentType(ct string) bool {
	return strings.Contains(strings.ToLower(ct), "application/json")
}
