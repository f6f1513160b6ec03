package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that works on both sides of
// the exchange. On the inbound request it deletes hop-by-hop headers, so
// they never reach the dispatcher or an upstream. On the outbound response
// it sets X-Content-Type-Options and X-Frame-Options before calling the
// handler, because the module handler writes the status itself and header
// changes made after that are lost.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Request side.
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			// Response side. Wrapped payloads echo the callback verbatim.
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")

			return next(c)
		}
	}
}
