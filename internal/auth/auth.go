// Package auth guards the operator endpoints. Writes require either a
// valid HS256 bearer token or, in development, the configured debug token.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type Config struct {
	// Secret verifies HS256 bearer tokens. Empty disables bearer auth.
	Secret string

	// AllowDebugToken permits the X-Debug-Token header as a dev bypass.
	AllowDebugToken bool
	DebugToken      string
}

// Middleware enforces the operator auth policy. With no secret and no
// debug token configured it rejects everything, so an unconfigured
// deployment fails closed.
func Middleware(cfg Config, respondError func(w http.ResponseWriter, status int, msg string)) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.AllowDebugToken && cfg.DebugToken != "" {
				if token := r.Header.Get("X-Debug-Token"); token == cfg.DebugToken {
					next.ServeHTTP(w, r)
					return
				}
			}
			if cfg.Secret != "" {
				if err := verifyBearer(r, cfg.Secret); err == nil {
					next.ServeHTTP(w, r)
					return
				}
			}
			respondError(w, http.StatusUnauthorized, "operator token required")
		})
	}
}

func verifyBearer(r *http.Request, secret string) error {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return fmt.Errorf("missing bearer token")
	}
	raw := strings.TrimSpace(authz[len("bearer "):])
	_, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("token verification: %w", err)
	}
	return nil
}
