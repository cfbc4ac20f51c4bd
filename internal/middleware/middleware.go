package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/cors"

	"credportal/internal/logging"
	"credportal/pkg"
)

type contextKey string

// MetamaskAddressKey holds the authenticated, lower-cased wallet address.
const MetamaskAddressKey contextKey = "metamaskAddress"

// Address returns the authenticated wallet address from the request context.
func Address(r *http.Request) (string, bool) {
	addr, ok := r.Context().Value(MetamaskAddressKey).(string)
	return addr, ok && addr != ""
}

// WithAddress stores addr in ctx the same way AuthMiddleware does.
func WithAddress(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, MetamaskAddressKey, strings.ToLower(addr))
}

// CORSMiddleware allows the configured origins. "*" allows any origin but
// then never allows credentials.
func CORSMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := false
	list := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		list = append(list, strings.TrimRight(o, "/"))
	}
	opts := cors.Options{
		AllowedOrigins:   list,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: !allowAll,
		MaxAge:           300,
	}
	if len(list) == 0 {
		// An empty list would mean "any origin" to cors.
		opts.AllowOriginFunc = func(*http.Request, string) bool { return false }
	}
	return cors.Handler(opts)
}

// LoggingMiddleware logs every request through the portal logger.
func LoggingMiddleware(next http.Handler) http.Handler {
	return logging.RequestLogger(next)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(h), "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// AuthMiddleware requires a valid session token and puts its wallet address
// under MetamaskAddressKey.
func AuthMiddleware(tokens *pkg.Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := bearerToken(r)
			if tok == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			addr, err := tokens.ParseToken(tok)
			if err != nil {
				logging.Log().Debugf("rejecting session token: %v", err)
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAddress(r.Context(), addr)))
		})
	}
}

// OptionalAuth behaves like AuthMiddleware when a token is present and lets
// anonymous requests through otherwise.
func OptionalAuth(tokens *pkg.Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tok := bearerToken(r); tok != "" {
				if addr, err := tokens.ParseToken(tok); err == nil {
					r = r.WithContext(WithAddress(r.Context(), addr))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
