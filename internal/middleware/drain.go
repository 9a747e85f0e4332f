package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// DrainState reports whether the process is shutting down.
type DrainState interface {
	IsDraining() bool
}

// RejectWhileDraining answers 503 to every request, health checks included,
// once draining has started. Requests already past this point are unaffected.
func RejectWhileDraining(state DrainState) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if state.IsDraining() {
				c.Response().Header().Set(echo.HeaderConnection, "close")
				return c.String(http.StatusServiceUnavailable, "Service Unavailable")
			}
			return next(c)
		}
	}
}
