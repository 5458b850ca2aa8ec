package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Recovery turns a handler panic into a 500 that carries the request id,
// so a stuck conversation can be traced from the client side. The log line
// names the session and route pattern the panic happened on.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				var stack [4096]byte
				n := runtime.Stack(stack[:], false)

				rid, _ := c.Get("request_id").(string)
				evt := logger.Error().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(stack[:n]))
				if sid := sessionKey(c); sid != "" {
					evt = evt.Str("session_id", sid)
				}
				evt.Msg("panic recovered")

				if c.Response().Committed {
					// Headers are out; nothing useful can be written.
					err = nil
					return
				}
				err = echo.NewHTTPError(http.StatusInternalServerError, map[string]string{
					"error":      "internal server error",
					"request_id": rid,
				})
			}()
			return next(c)
		}
	}
}
