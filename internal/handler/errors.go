package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"gate-relay/internal/model"
)

// NewHTTPErrorHandler renders every error that reaches echo as the JSON
// error envelope, so no route answers with an HTML or plain-text page.
func NewHTTPErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")

	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
		}

		env := model.ErrorEnvelope{Error: errorCode(code)}
		if code == http.StatusInternalServerError {
			logger.Error("unhandled error",
				"err", err,
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
			)
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.JSON(code, env)
		}
		if werr != nil {
			logger.Error("writing error response", "err", werr)
		}
	}
}

// errorCode maps an HTTP status to the envelope error code.
func errorCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return model.CodeNotFound
	case http.StatusMethodNotAllowed:
		return model.CodeMethodNotAllowed
	case http.StatusRequestEntityTooLarge:
		return model.CodeBadRequestBody
	case http.StatusTooManyRequests:
		return model.CodeTooManyRequests
	case http.StatusForbidden:
		return model.CodeForbidden
	case http.StatusBadRequest:
		return model.CodeBadRequestBody
	default:
		if status >= 500 {
			return model.CodeInternal
		}
		return snakeStatus(status)
	}
}

// snakeStatus turns a status text such as "Request URI Too Long" into
// "request_uri_too_long". Unknown statuses become "client_error".
func snakeStatus(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "client_error"
	}
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-':
			b.WriteByte('_')
		}
	}
	return b.String()
}
