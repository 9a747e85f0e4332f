package middleware

import (
	"github.com/labstack/echo/v4"
)

// UpstreamResponseKey is set on the Echo context by handlers that relay an
// upstream response. Such responses are written as received.
const UpstreamResponseKey = "upstream_response"

// defaultResponseHeaders are added to locally generated responses (health,
// drain rejections, error bodies) that do not already set them.
var defaultResponseHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
}

// SecurityHeaders returns an Echo middleware that adds defaultResponseHeaders
// right before the status line is written, unless the response is relayed
// from the upstream.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res := c.Response()
			res.Before(func() {
				if relayed, _ := c.Get(UpstreamResponseKey).(bool); relayed {
					return
				}
				for k, v := range defaultResponseHeaders {
					if res.Header().Get(k) == "" {
						res.Header().Set(k, v)
					}
				}
			})
			return next(c)
		}
	}
}
