package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/gatekeeper/pkg/api/problem"
	"github.com/Mindburn-Labs/gatekeeper/pkg/limiter"
)

// RateLimit enforces policy per client IP. A limiter error is treated as
// exhausted.
func RateLimit(store limiter.Store, policy limiter.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := store.Allow(r.Context(), clientIP(r), policy, 1)
			if err != nil || !allowed {
				problem.TooManyRequests(w, r, 5)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}
