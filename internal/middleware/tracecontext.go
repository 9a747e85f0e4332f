package middleware

import (
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/propagation"
)

// TraceContext attaches the caller's trace context, if any, to the request
// context so proxy spans join the caller's trace.
func TraceContext(p propagation.TextMapPropagator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := p.Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}
