package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/gatekeeper/pkg/api/problem"
)

type principalKey struct{}

// Principal is the authenticated operator.
type Principal struct {
	Subject string
	Roles   []string
}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the operator attached by RequireRole, or nil.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// RequireRole authenticates the bearer token and requires role. A nil
// validator rejects every request.
func RequireRole(v *Validator, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				problem.Unauthorized(w, r, "Missing Authorization header")
				return
			}
			scheme, token, ok := strings.Cut(authHeader, " ")
			if !ok || scheme != "Bearer" || token == "" {
				problem.Unauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if v == nil {
				problem.Unauthorized(w, r, "Authentication not configured")
				return
			}
			claims, err := v.Validate(token)
			if err != nil {
				problem.Unauthorized(w, r, "Invalid or expired token")
				return
			}
			if !claims.HasRole(role) {
				problem.Forbidden(w, r, "role "+role+" required")
				return
			}
			ctx := WithPrincipal(r.Context(), &Principal{Subject: claims.Subject, Roles: claims.Roles})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type requestIDKey struct{}

// RequestID reuses the client's X-Request-ID or assigns one, and echoes it
// on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// GetRequestID returns the id set by RequestID.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
