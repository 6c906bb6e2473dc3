// Package middleware provides Echo middleware for logging, security,
// and metrics.
package middleware

import (
	"log/slog"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Only the proxied target's host is logged, not the full target URL, to
// keep the target's own query parameters out of logs.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if target := c.QueryParam("url"); target != "" {
				attrs = append(attrs, "target_host", targetHost(target))
			}

			logger.Info("request", attrs...)

			return err
		}
	}
}

// targetHost trims a raw target string down to its host portion.
func targetHost(raw string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if len(raw) > len(prefix) && strings.EqualFold(raw[:len(prefix)], prefix) {
			raw = raw[len(prefix):]
			break
		}
	}
	if i := strings.IndexAny(raw, "/?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}
