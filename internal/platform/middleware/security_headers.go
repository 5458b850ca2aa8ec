package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets response headers for a JSON API that returns patient
// prescriptions and order data. HSTS is only sent when strictTransport is
// set, so local development over plain HTTP is not pinned to TLS.
func SecurityHeaders(strictTransport bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			// The voice console records through the page, never through API responses.
			h.Set("Permissions-Policy", "camera=(), geolocation=()")
			if strictTransport {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			// Uploaded prescriptions and session transcripts must not be cached.
			h.Set("Cache-Control", "no-store")
			return next(c)
		}
	}
}
