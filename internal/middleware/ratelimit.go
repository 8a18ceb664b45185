package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"gate-relay/internal/config"
	"gate-relay/internal/model"
)

// GlobalRateLimiter returns echo's token-bucket limiter, keyed by the same
// client address the relay forwards upstream. It applies to every route and
// is separate from the fixed-window limiter on sensitive relay routes.
func GlobalRateLimiter(cfg config.RateLimitConfig, clientIPHeader string) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			if clientIPHeader != "" && clientIPHeader != "-" {
				if ip := strings.TrimSpace(c.Request().Header.Get(clientIPHeader)); ip != "" {
					return ip, nil
				}
			}
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, _ error) error {
			return c.JSON(http.StatusForbidden, model.ErrorEnvelope{Error: model.CodeForbidden})
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.JSON(http.StatusTooManyRequests, model.ErrorEnvelope{Error: model.CodeTooManyRequests})
		},
	})
}
