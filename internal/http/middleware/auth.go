package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// BearerToken middleware rejects requests whose bearer token differs from
// token. An empty token disables the check.
func BearerToken(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				log.Warn().Str("remote_ip", c.RealIP()).Str("path", c.Path()).Msg("Missing bearer token")
				return echo.NewHTTPError(http.StatusUnauthorized, "Missing authorization header")
			}

			got := authHeader[len("Bearer "):]
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				log.Warn().Str("remote_ip", c.RealIP()).Str("path", c.Path()).Msg("Invalid bearer token")
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token")
			}

			return next(c)
		}
	}
}
