package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/evtrade/bidcore/internal/domain"
)

// RateLimit limits each client to limit requests per window. Authenticated
// callers are keyed by user id, anonymous ones by client IP. Limiter errors
// fail open.
func RateLimit(limiter domain.RateLimiter, limit int, window time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || limit <= 0 {
			return next
		}
		retryAfter := strconv.Itoa(max(1, int(window.Seconds())))
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "api:ip:" + extractClientIP(r)
			if sess, ok := SessionFrom(r.Context()); ok {
				key = "api:user:" + sess.UserID
			}

			allowed, err := limiter.Allow(r.Context(), key, limit, window)
			if err != nil {
				logger.WarnContext(r.Context(), "rate limiter unavailable",
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", retryAfter)
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded", domain.CodeRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractClientIP prefers proxy headers and falls back to the remote address.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
