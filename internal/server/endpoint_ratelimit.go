// endpoint_ratelimit.go - Stricter limits for credential and link endpoints.
package server

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"secure-file-share/internal/access"
)

// EndpointRateLimiter applies a second, tighter per-IP budget to login,
// registration and share-link access, where guessing is the threat.
type EndpointRateLimiter struct {
	authLimiter *rateLimiter
	linkLimiter *rateLimiter
	ips         *ipResolver
	log         *zap.Logger
}

func newEndpointRateLimiter(cfg RateLimits, ips *ipResolver, log *zap.Logger) *EndpointRateLimiter {
	return &EndpointRateLimiter{
		authLimiter: newRateLimiter(cfg.AuthPerMinute, cfg.AuthPerMinute, ips),
		linkLimiter: newRateLimiter(cfg.LinkPerMinute, cfg.LinkPerMinute, ips),
		ips:         ips,
		log:         log,
	}
}

func (erl *EndpointRateLimiter) limiterFor(path string) (*rateLimiter, string) {
	switch {
	case strings.HasPrefix(path, "/api/auth/"):
		return erl.authLimiter, "authentication"
	case strings.HasPrefix(path, access.SharePath):
		return erl.linkLimiter, "share_link"
	default:
		return nil, ""
	}
}

func (erl *EndpointRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter, limitType := erl.limiterFor(r.URL.Path)
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		ip := erl.ips.clientIP(r)
		if !limiter.allow(ip) {
			erl.log.Warn("rate limit exceeded",
				zap.String("ip", ip),
				zap.String("path", r.URL.Path),
				zap.String("method", r.Method),
				zap.String("limit_type", limitType))
			w.Header().Set("Retry-After", "60")
			w.Header().Set("X-RateLimit-Limit-Type", limitType)
			writeMessage(w, http.StatusTooManyRequests, "rate limit exceeded for "+limitType+" endpoints, please try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}
