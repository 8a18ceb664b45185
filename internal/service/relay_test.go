package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"gate-relay/internal/client"
	"gate-relay/internal/config"
	"gate-relay/internal/metrics"
	"gate-relay/internal/model"
	"gate-relay/internal/ratelimit"
)

var (
	plainRoute     = config.RouteConfig{Path: "/api/member/token", Route: "member/token"}
	sensitiveRoute = config.RouteConfig{Path: "/api/member/request-edit", Route: "member/request-edit", Verify: true, RateLimited: true}
)

// relayFixture wires a RelayService against fake upstream and siteverify servers.
type relayFixture struct {
	svc           *RelayService
	upstreamCalls atomic.Int32
	verifyCalls   atomic.Int32
	lastPayload   atomic.Pointer[model.RelayPayload]
	verifySuccess atomic.Bool
}

func newRelayFixture(t *testing.T, now func() time.Time) *relayFixture {
	t.Helper()
	f := &relayFixture{}
	f.verifySuccess.Store(true)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.upstreamCalls.Add(1)
		var p model.RelayPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		f.lastPayload.Store(&p)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(upstream.Close)

	verify := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		f.verifyCalls.Add(1)
		if f.verifySuccess.Load() {
			_, _ = w.Write([]byte(`{"success":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
	}))
	t.Cleanup(verify.Close)

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			URL:             upstream.URL,
			GateKey:         "server-gate-key",
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
		Turnstile: config.TurnstileConfig{
			Secret:         "ts-secret",
			VerifyURL:      verify.URL,
			TimeoutSeconds: 5,
		},
	}
	f.svc = newTestService(cfg, now)
	return f
}

func newTestService(cfg *config.Config, now func() time.Time) *RelayService {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := []ratelimit.Option{}
	if now != nil {
		opts = append(opts, ratelimit.WithClock(now))
	}
	lim := ratelimit.New(ratelimit.NewMemoryStore(), 5, time.Minute, opts...)
	return NewRelayService(
		client.NewUpstreamClient(cfg, logger, nil),
		client.NewTurnstileClient(cfg, logger),
		lim,
		cfg,
		logger,
		metrics.New(),
	)
}

func (f *relayFixture) relay(t *testing.T, req *RelayRequest) error {
	t.Helper()
	resp, err := f.svc.Relay(context.Background(), req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

func TestRelay_MalformedBodyStillRelays(t *testing.T) {
	f := newRelayFixture(t, nil)

	for _, raw := range []string{"", "{not json", "null"} {
		err := f.relay(t, &RelayRequest{Route: plainRoute, ContentType: "application/json", Body: []byte(raw)})
		if err != nil {
			t.Fatalf("Relay(%q) error = %v", raw, err)
		}
		p := f.lastPayload.Load()
		if len(p.Data) != 0 {
			t.Errorf("Relay(%q) data = %v, want {}", raw, p.Data)
		}
	}
	if got := f.upstreamCalls.Load(); got != 3 {
		t.Errorf("upstream calls = %d, want 3", got)
	}
}

func TestRelay_GateKeyAlwaysServerSide(t *testing.T) {
	f := newRelayFixture(t, nil)

	bodies := []string{
		`{"gateKey":"client-key","data":{"x":1}}`,
		`{"data":{"gateKey":"client-key","x":1}}`,
		`{"gateKey":"client-key","x":1}`,
	}
	for _, b := range bodies {
		err := f.relay(t, &RelayRequest{Route: plainRoute, ContentType: "application/json", Body: []byte(b)})
		if err != nil {
			t.Fatalf("Relay(%s) error = %v", b, err)
		}
		p := f.lastPayload.Load()
		if p.GateKey != "server-gate-key" {
			t.Errorf("Relay(%s) gateKey = %q, want server value", b, p.GateKey)
		}
		if _, ok := p.Data["gateKey"]; ok {
			t.Errorf("Relay(%s) data still carries gateKey: %v", b, p.Data)
		}
	}
}

func TestRelay_RouteNeverClientControlled(t *testing.T) {
	f := newRelayFixture(t, nil)

	err := f.relay(t, &RelayRequest{
		Route:       plainRoute,
		ContentType: "application/json",
		Body:        []byte(`{"route":"admin/view","data":{}}`),
		ClientIP:    "203.0.113.5",
	})
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	p := f.lastPayload.Load()
	if p.Route != "member/token" {
		t.Errorf("route = %q, want %q", p.Route, "member/token")
	}
	if p.IP != "203.0.113.5" {
		t.Errorf("ip = %q, want %q", p.IP, "203.0.113.5")
	}
}

func TestRelay_MissingConfig(t *testing.T) {
	svc := newTestService(&config.Config{}, nil)

	_, err := svc.Relay(context.Background(), &RelayRequest{Route: sensitiveRoute})
	if !errors.Is(err, ErrMissingConfig) {
		t.Fatalf("Relay() error = %v, want ErrMissingConfig", err)
	}
	var mce *MissingConfigError
	if !errors.As(err, &mce) {
		t.Fatalf("error is not *MissingConfigError: %T", err)
	}
	want := []string{EnvUpstreamURL, EnvGateKey, EnvTurnstileSecret}
	if len(mce.Missing) != len(want) {
		t.Fatalf("Missing = %v, want %v", mce.Missing, want)
	}
	for i := range want {
		if mce.Missing[i] != want[i] {
			t.Errorf("Missing[%d] = %q, want %q", i, mce.Missing[i], want[i])
		}
	}

	if got := svc.Missing(plainRoute); len(got) != 2 {
		t.Errorf("Missing(plain) = %v, want upstream url and gate key only", got)
	}
}

func TestRelay_StrictBodyOnVerifiedRoute(t *testing.T) {
	f := newRelayFixture(t, nil)

	err := f.relay(t, &RelayRequest{Route: sensitiveRoute, ContentType: "text/plain", Body: []byte("hi")})
	if !errors.Is(err, ErrBadRequestBody) {
		t.Fatalf("Relay() error = %v, want ErrBadRequestBody", err)
	}
	if f.upstreamCalls.Load() != 0 || f.verifyCalls.Load() != 0 {
		t.Error("no outbound calls expected for rejected body")
	}
}

func TestRelay_RateLimit(t *testing.T) {
	now := time.Date(2026, 1, 19, 9, 0, 0, 0, time.UTC)
	var offset atomic.Int64
	clock := func() time.Time { return now.Add(time.Duration(offset.Load())) }
	f := newRelayFixture(t, clock)

	req := func() *RelayRequest {
		return &RelayRequest{
			Route:       sensitiveRoute,
			ContentType: "application/json",
			Body:        []byte(`{"data":{"cfTurnstileToken":"tok","msg":"x"}}`),
			ClientIP:    "198.51.100.20",
		}
	}

	for i := 1; i <= 5; i++ {
		if err := f.relay(t, req()); err != nil {
			t.Fatalf("request %d error = %v", i, err)
		}
	}

	err := f.relay(t, req())
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("6th request error = %v, want *RateLimitError", err)
	}
	if rle.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %v, want %v", rle.RetryAfter, time.Minute)
	}
	if rle.Limit != 5 || rle.Remaining != 0 {
		t.Errorf("Limit/Remaining = %d/%d, want 5/0", rle.Limit, rle.Remaining)
	}
	if !rle.ResetAt.Equal(now.Add(time.Minute)) {
		t.Errorf("ResetAt = %v, want %v", rle.ResetAt, now.Add(time.Minute))
	}
	if got := f.verifyCalls.Load(); got != 5 {
		t.Errorf("verify calls = %d, want 5 (limit checked before verification)", got)
	}

	offset.Store(int64(61 * time.Second))
	if err := f.relay(t, req()); err != nil {
		t.Fatalf("request after window error = %v", err)
	}
}

func TestRelay_RateLimitSkippedWithoutIP(t *testing.T) {
	f := newRelayFixture(t, nil)

	for i := 1; i <= 7; i++ {
		err := f.relay(t, &RelayRequest{
			Route:       sensitiveRoute,
			ContentType: "application/json",
			Body:        []byte(`{"cfTurnstileToken":"tok"}`),
		})
		if err != nil {
			t.Fatalf("request %d error = %v", i, err)
		}
	}
}

func TestRelay_VerificationFailureBlocksUpstream(t *testing.T) {
	f := newRelayFixture(t, nil)
	f.verifySuccess.Store(false)

	err := f.relay(t, &RelayRequest{
		Route:       sensitiveRoute,
		ContentType: "application/json",
		Body:        []byte(`{"data":{"cfTurnstileToken":"tok"}}`),
		ClientIP:    "198.51.100.21",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("Relay() error = %v, want ErrForbidden", err)
	}
	if f.upstreamCalls.Load() != 0 {
		t.Errorf("upstream calls = %d, want 0", f.upstreamCalls.Load())
	}
}

func TestRelay_MissingTokenForbiddenWithoutVerifyCall(t *testing.T) {
	f := newRelayFixture(t, nil)

	err := f.relay(t, &RelayRequest{
		Route:       sensitiveRoute,
		ContentType: "application/json",
		Body:        []byte(`{"data":{"msg":"hi"}}`),
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("Relay() error = %v, want ErrForbidden", err)
	}
	if f.verifyCalls.Load() != 0 || f.upstreamCalls.Load() != 0 {
		t.Error("expected no outbound calls for a missing token")
	}
}

func TestRelay_TokenNotForwarded(t *testing.T) {
	f := newRelayFixture(t, nil)

	err := f.relay(t, &RelayRequest{
		Route:       sensitiveRoute,
		ContentType: "application/json",
		Body:        []byte(`{"data":{"cfTurnstileToken":"tok","msg":"hi"}}`),
	})
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	p := f.lastPayload.Load()
	if _, ok := p.Data["cfTurnstileToken"]; ok {
		t.Errorf("data = %v, token must be stripped", p.Data)
	}
	if p.Data["msg"] != "hi" {
		t.Errorf("data.msg = %v, want hi", p.Data["msg"])
	}
}

func TestRelay_UpstreamUnreachableNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	url := srv.URL
	srv.Close() // nothing listens on url any more

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{URL: url, GateKey: "k", TimeoutSeconds: 2, IdleConnections: 1},
	}
	svc := newTestService(cfg, nil)

	_, err := svc.Relay(context.Background(), &RelayRequest{Route: plainRoute})
	if err == nil {
		t.Fatal("Relay() expected error for unreachable upstream, got nil")
	}
	for _, sentinel := range []error{ErrMissingConfig, ErrBadRequestBody, ErrRateLimited, ErrForbidden} {
		if errors.Is(err, sentinel) {
			t.Errorf("error %v should not match %v", err, sentinel)
		}
	}
	if calls.Load() != 0 {
		t.Errorf("closed server saw %d calls", calls.Load())
	}
}
