package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"gate-relay/internal/config"
)

// CORS sets the fixed CORS header set and Cache-Control: no-store on every
// response. Any OPTIONS request is answered with an empty 204, whether or
// not a route matches it.
func CORS(cfg config.CORSConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set(echo.HeaderAccessControlAllowOrigin, cfg.AllowOrigin)
			h.Set(echo.HeaderAccessControlAllowMethods, cfg.AllowMethods)
			h.Set(echo.HeaderAccessControlAllowHeaders, cfg.AllowHeaders)
			h.Set("Cache-Control", "no-store")

			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusNoContent)
			}
			return next(c)
		}
	}
}
