package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"s3-proxy-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Durations include every upstream retry, so they
// reflect what the client waited, not a single upstream round trip.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start)

			method := metrics.NormalizeMethod(c.Request().Method)
			labels := []string{
				method,
				strconv.Itoa(responseStatus(c, err)),
				metrics.NormalizePath(c.Request().URL.Path),
			}

			m.RequestsTotal.WithLabelValues(labels...).Inc()
			m.RequestDuration.WithLabelValues(labels...).Observe(elapsed.Seconds())
			// Size is only known for responses this handler wrote; errors
			// returned to Echo are written after this point.
			if err == nil {
				m.ResponseSize.WithLabelValues(method).Observe(float64(c.Response().Size))
			}

			return err
		}
	}
}
