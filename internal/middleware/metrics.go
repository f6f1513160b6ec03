package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"module-gateway/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. classify maps a request path onto its namespace
// label; fixed routes are labeled by their own path.
func MetricsMiddleware(m *metrics.Metrics, classify func(string) string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			// A returned *echo.HTTPError has not been written yet; Echo's
			// central error handler does that after us.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(c.Request().Method)
			ns := metrics.PathLabel(c.Request().URL.Path, classify)
			duration := time.Since(start).Seconds()

			m.RequestsTotal.WithLabelValues(method, status, ns).Inc()
			m.RequestDuration.WithLabelValues(method, status, ns).Observe(duration)

			return err
		}
	}
}
