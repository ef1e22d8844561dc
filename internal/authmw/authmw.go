// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Role is what a token is allowed to do.
type Role string

const (
	// RoleDetector may push risk signals.
	RoleDetector Role = "detector"
	// RoleResponder may read alerts and drive transitions.
	RoleResponder Role = "responder"
)

type roleKey struct{}

// WithRole returns ctx carrying role.
func WithRole(ctx context.Context, role Role) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

// RoleFrom returns the role the request authenticated as.
func RoleFrom(ctx context.Context) (Role, bool) {
	r, ok := ctx.Value(roleKey{}).(Role)
	return r, ok
}

type credential struct {
	token []byte
	role  Role
}

// Tokens maps each role to its bearer token. Roles with an empty token are
// disabled.
type Tokens map[Role]string

// Authenticate returns middleware that validates the Authorization header
// against every configured token and records the matching role on the
// request context. Comparison uses constant-time equality to prevent timing
// side-channel attacks.
func Authenticate(tokens Tokens) func(http.Handler) http.Handler {
	var creds []credential
	for role, tok := range tokens {
		if tok != "" {
			creds = append(creds, credential{token: []byte(tok), role: role})
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header","code":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			got := []byte(auth[len("Bearer "):])

			// check every credential so timing does not reveal which one matched
			var role Role
			matched := 0
			for _, c := range creds {
				if subtle.ConstantTimeCompare(got, c.token) == 1 {
					role = c.role
					matched = 1
				}
			}
			if matched != 1 {
				http.Error(w, `{"error":"invalid token","code":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithRole(r.Context(), role)))
		})
	}
}

// Require rejects requests whose authenticated role is not one of roles.
func Require(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := RoleFrom(r.Context())
			if ok {
				for _, want := range roles {
					if got == want {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			http.Error(w, `{"error":"token not permitted for this endpoint","code":"forbidden"}`, http.StatusForbidden)
		})
	}
}
