package middleware

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Admin auth errors.
var (
	ErrMissingAuthHeader = errors.New("missing authorization header")
	ErrInvalidAuthHeader = errors.New("invalid authorization header format")
	ErrInvalidToken      = errors.New("invalid token")
)

// AdminAuth guards the maintenance routes with a static bearer token. An empty
// token disables the check, which is only meant for local development.
func AdminAuth(token string, logger *slog.Logger) echo.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	if token == "" {
		logger.Warn("admin token not configured, maintenance routes are unauthenticated")
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			presented, err := extractBearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if err == nil && !ConstantTimeCompare(presented, token) {
				err = ErrInvalidToken
			}
			if err != nil {
				logger.WarnContext(c.Request().Context(), "admin request rejected",
					slog.String("error", err.Error()),
					slog.String("path", c.Request().URL.Path),
					slog.String("remote_ip", c.RealIP()),
				)
				return respondAuthError(c, err)
			}
			return next(c)
		}
	}
}

// extractBearerToken extracts the token from a Bearer authorization header.
func extractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrMissingAuthHeader
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", ErrInvalidAuthHeader
	}

	token := strings.TrimPrefix(authHeader, bearerPrefix)
	if token == "" {
		return "", ErrInvalidAuthHeader
	}

	return token, nil
}

func respondAuthError(c echo.Context, err error) error {
	message := "Invalid token"
	switch {
	case errors.Is(err, ErrMissingAuthHeader):
		message = "Missing authorization header"
	case errors.Is(err, ErrInvalidAuthHeader):
		message = "Invalid authorization header format"
	}

	return c.JSON(http.StatusUnauthorized, map[string]any{
		"success": false,
		"error": map[string]string{
			"code":    "UNAUTHORIZED",
			"message": message,
		},
	})
}

// ConstantTimeCompare performs a constant-time comparison of two strings.
func ConstantTimeCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
