package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"gate-relay/internal/config"
	"gate-relay/internal/metrics"
	"gate-relay/internal/model"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL, "")
	cfg.Routes = config.DefaultRoutes()
	cfg.Metrics = config.MetricsConfig{Enabled: true, Path: "/metrics"}

	m := metrics.New()
	e := echo.New()
	e.HTTPErrorHandler = NewHTTPErrorHandler(discardLogger())
	RegisterRoutes(e, cfg, newTestRelayHandler(cfg), NewHealthHandler(cfg, "test"), m)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /relay/status", http.MethodGet, "/relay/status", http.StatusOK},
		{"GET /api/health", http.MethodGet, "/api/health", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"POST /api/admin/login", http.MethodPost, "/api/admin/login", http.StatusOK},
		{"POST /api/admin/view", http.MethodPost, "/api/admin/view", http.StatusOK},
		{"POST /api/member/config", http.MethodPost, "/api/member/config", http.StatusOK},
		{"POST /api/member/token", http.MethodPost, "/api/member/token", http.StatusOK},
		{"GET /api/member/request-edit", http.MethodGet, "/api/member/request-edit", http.StatusOK},
		{"OPTIONS /api/member/token", http.MethodOptions, "/api/member/token", http.StatusNoContent},
		{"PUT /api/member/token", http.MethodPut, "/api/member/token", http.StatusMethodNotAllowed},
		{"POST /api/health", http.MethodPost, "/api/health", http.StatusMethodNotAllowed},
		{"GET /api/debug/relay", http.MethodGet, "/api/debug/relay", http.StatusNotFound},
		{"GET /unknown", http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	cfg := testConfig("", "")
	cfg.Metrics = config.MetricsConfig{Enabled: false, Path: "/metrics"}

	e := echo.New()
	RegisterRoutes(e, cfg, newTestRelayHandler(cfg), NewHealthHandler(cfg, "test"), metrics.New())

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRegisterRoutes_TracksRoutePaths(t *testing.T) {
	cfg := testConfig("", "")
	m := metrics.New()

	RegisterRoutes(echo.New(), cfg, newTestRelayHandler(cfg), NewHealthHandler(cfg, "test"), m)

	if got := m.NormalizePath("/api/member/request-edit"); got != "/api/member/request-edit" {
		t.Errorf("NormalizePath() = %q, want route path label", got)
	}
}

func TestHTTPErrorHandler(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = NewHTTPErrorHandler(discardLogger())
	e.GET("/boom", func(_ echo.Context) error {
		return errors.New("unexpected")
	})
	e.GET("/teapot", func(_ echo.Context) error {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge)
	})

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantCode   string
	}{
		{"unmatched api path", http.MethodGet, "/api/nope", http.StatusNotFound, model.CodeNotFound},
		{"plain error", http.MethodGet, "/boom", http.StatusInternalServerError, model.CodeInternal},
		{"http error", http.MethodGet, "/teapot", http.StatusRequestEntityTooLarge, model.CodeBadRequestBody},
		{"wrong method", http.MethodPost, "/boom", http.StatusMethodNotAllowed, model.CodeMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
				t.Errorf("Content-Type = %q, want JSON", ct)
			}
			var env model.ErrorEnvelope
			if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if env.OK || env.Error != tt.wantCode {
				t.Errorf("envelope = %+v, want error %q", env, tt.wantCode)
			}
		})
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusNotFound, model.CodeNotFound},
		{http.StatusMethodNotAllowed, model.CodeMethodNotAllowed},
		{http.StatusServiceUnavailable, model.CodeInternal},
		{http.StatusUnauthorized, "unauthorized"},
		{http.StatusRequestURITooLong, "request_uri_too_long"},
		{http.StatusUnsupportedMediaType, "unsupported_media_type"},
		{http.StatusTeapot, "im_a_teapot"},
		{499, "client_error"},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			if got := errorCode(tt.status); got != tt.want {
				t.Errorf("errorCode(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}
