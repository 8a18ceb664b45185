package middleware

import (
	"mime"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"gate-relay/internal/model"
)

// NotFoundGuard turns HTML responses for paths under prefix into the JSON
// 404 envelope. This catches the SPA fallback of the static file server,
// which would otherwise answer unknown /api paths with index.html. Paths in
// passthrough are relay routes whose upstream bodies are never rewritten.
func NotFoundGuard(prefix string, passthrough ...string) echo.MiddlewareFunc {
	skip := make(map[string]bool, len(passthrough))
	for _, p := range passthrough {
		skip[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if !strings.HasPrefix(path, prefix) || skip[path] {
				return next(c)
			}

			res := c.Response()
			orig := res.Writer
			gw := &htmlGuardWriter{ResponseWriter: orig}
			res.Writer = gw

			err := next(c)

			res.Writer = orig
			if !gw.blocked {
				return err
			}

			res.Committed = false
			res.Size = 0
			for _, h := range []string{
				echo.HeaderContentType,
				echo.HeaderContentLength,
				echo.HeaderContentEncoding,
				echo.HeaderLastModified,
				"Accept-Ranges",
				"Etag",
			} {
				res.Header().Del(h)
			}
			return c.JSON(http.StatusNotFound, model.ErrorEnvelope{Error: model.CodeNotFound})
		}
	}
}

// htmlGuardWriter swallows a response once its headers declare HTML.
type htmlGuardWriter struct {
	http.ResponseWriter
	wroteHeader bool
	blocked     bool
}

func (w *htmlGuardWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	if isHTML(w.Header().Get(echo.HeaderContentType)) {
		w.blocked = true
		return
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *htmlGuardWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.blocked {
		return len(b), nil
	}
	return w.ResponseWriter.Write(b)
}

func (w *htmlGuardWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func isHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == echo.MIMETextHTML
}
