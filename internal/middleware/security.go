package middleware

import (
	"github.com/labstack/echo/v4"

	"api-gateway/internal/model"
)

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from the inbound request and sets default security headers on the response.
// Headers relayed from an origin take precedence over the defaults.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			model.RemoveHopByHopHeaders(c.Request().Header)

			// Set before next: proxied responses are committed inside the handler.
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")

			return next(c)
		}
	}
}
