// Package middleware provides Echo middleware for logging, metrics and security.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// A WebSocket request is logged once its handshake completes, with the
// handshake latency; a rejected handshake is logged like any other request.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			if isWebSocketUpgrade(c) {
				onUpgrade(c, func(at time.Time) {
					logger.Info("websocket upgrade",
						append(requestAttrs(c),
							"status", http.StatusSwitchingProtocols,
							"handshake_ms", at.Sub(start).Milliseconds(),
						)...,
					)
				})
			}

			err := next(c)

			if upgraded(c) {
				return err
			}

			res := c.Response()
			logger.Info("request",
				append(requestAttrs(c),
					"status", res.Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"bytes_out", res.Size,
				)...,
			)

			return err
		}
	}
}

func requestAttrs(c echo.Context) []any {
	req := c.Request()
	return []any{
		"method", req.Method,
		"path", req.URL.Path,
		"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
		"remote_ip", c.RealIP(),
	}
}
