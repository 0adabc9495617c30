package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/steward/internal/domain"
)

// RateLimit limits each client IP to limit requests per window. Limiter
// errors fail open. A nil limiter or non-positive limit disables it.
func RateLimit(limiter domain.RateLimiter, limit int, window time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || limit <= 0 {
			return next
		}
		retryAfter := strconv.Itoa(max(1, int(window.Seconds())))
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ratelimit:api:" + clientIP(r)
			allowed, err := limiter.Allow(r.Context(), key, limit, window)
			if err != nil {
				logger.WarnContext(r.Context(), "rate limiter unavailable", slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", retryAfter)
				writeJSONError(w, http.StatusTooManyRequests, domain.ErrRateLimited.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
