package handler

import (
	"github.com/labstack/echo/v4"
)

// HealthPath is answered locally; every other path is forwarded.
const HealthPath = "/healthz"

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.Any(HealthPath, health.Healthz)
	e.Any("/*", proxy.Handle)
}
