package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HealthHandler serves the liveness endpoint.
type HealthHandler struct{}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// Healthz answers 200 with a plain "OK" body. It never touches the upstream.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}
