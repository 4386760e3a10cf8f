package middleware

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. For a WebSocket request only the handshake is
// measured: the request leaves the in-flight gauge and is observed with status
// 101 as soon as the handler reports the upgrade.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			var leave sync.Once
			defer leave.Do(m.RequestsInFlight.Dec)

			start := time.Now()
			method := metrics.NormalizeMethod(c.Request().Method)
			path := metrics.NormalizePath(c.Request().URL.Path)

			if isWebSocketUpgrade(c) {
				onUpgrade(c, func(at time.Time) {
					leave.Do(m.RequestsInFlight.Dec)
					observeRequest(m, method, "101", path, at.Sub(start))
				})
			}

			err := next(c)

			if upgraded(c) {
				return err
			}

			// A returned *echo.HTTPError has not been written yet; Echo's
			// error handler writes it after the middleware chain unwinds.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			observeRequest(m, method, strconv.Itoa(statusCode), path, time.Since(start))
			return err
		}
	}
}

func observeRequest(m *metrics.Metrics, method, status, path string, d time.Duration) {
	m.RequestsTotal.WithLabelValues(method, status, path).Inc()
	m.RequestDuration.WithLabelValues(method, status, path).Observe(d.Seconds())
}
