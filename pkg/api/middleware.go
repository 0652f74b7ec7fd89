package api

import (
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// requestLogger logs every API request that changes the session or history.
// Reads are logged at debug level.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"author", extractAuthor(c),
				"duration", time.Since(start),
			}
			if err != nil {
				attrs = append(attrs, "error", err)
			}
			level := slog.LevelInfo
			if req.Method == http.MethodGet || req.Method == http.MethodHead {
				level = slog.LevelDebug
			}
			logger.Log(req.Context(), level, "API request", attrs...)
			return err
		}
	}
}

// extractAuthor extracts the caller from proxy headers.
// Priority: X-Forwarded-User (oauth2-proxy) > X-Forwarded-Email (oauth2-proxy) >
// X-Remote-User (kube-rbac-proxy) > "local"
func extractAuthor(c *echo.Context) string {
	h := c.Request().Header
	for _, key := range []string{"X-Forwarded-User", "X-Forwarded-Email", "X-Remote-User"} {
		if v := h.Get(key); v != "" {
			return v
		}
	}
	return "local"
}
