// Package handler contains the Echo handlers and route table.
package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"s3-proxy-go/internal/middleware"
	"s3-proxy-go/internal/model"
	"s3-proxy-go/internal/service"
)

// ProxyHandler forwards every non-health request to the upstream origin.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle reads the request body once, forwards the request and writes the
// upstream response back unchanged apart from hop-by-hop headers.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	start := time.Now()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		// BodyLimit reports an oversized body through the reader.
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		h.logger.Warn("read request body", "err", err, "path", req.URL.Path)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "unreadable request body",
		})
	}

	in := &model.IncomingRequest{
		Method:   req.Method,
		Path:     req.URL.EscapedPath(),
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     body,
	}

	resp, err := h.service.Forward(req.Context(), in)
	h.logger.Debug("request duration",
		"method", req.Method,
		"path", req.URL.Path,
		"duration", time.Since(start),
	)
	if err != nil {
		return h.mapError(c, err)
	}

	c.Set(middleware.UpstreamResponseKey, true)
	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	if len(resp.Body) == 0 || req.Method == http.MethodHead {
		return nil
	}
	// The status is already sent; a failed write leaves the client with a
	// truncated body.
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Error("write response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	status, msg := statusFor(err)

	level := slog.LevelError
	if status < http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	h.logger.Log(c.Request().Context(), level, "proxy error",
		"err", service.RedactError(err),
		"status", status,
		"path", c.Request().URL.Path,
	)

	return c.JSON(status, map[string]string{"error": msg})
}

// statusFor maps a Forward error to the client-facing status and message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, service.ErrURIConstruction):
		return http.StatusInternalServerError, "cannot build upstream URI"
	case errors.Is(err, service.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, "upstream request timed out"
	case errors.Is(err, service.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "upstream unavailable"
	case errors.Is(err, context.Canceled):
		return http.StatusBadGateway, "client disconnected"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request deadline exceeded"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}
