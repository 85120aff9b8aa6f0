// Package middleware carries the HTTP cross-cutting concerns: bearer-token
// authentication and the shared-repository rate limiter.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// User is the resolved caller placed in the request context by Auth.
type User struct {
	ID            string   `json:"id"`
	Tier          string   `json:"tier"`
	Subscriptions []string `json:"subscriptions,omitempty"`
}

// HasSubscription reports whether the user subscribes to a shared
// repository.
func (u *User) HasSubscription(repo string) bool {
	for _, s := range u.Subscriptions {
		if s == repo {
			return true
		}
	}
	return false
}

// TokenValidator resolves a bearer token to a user. Token minting and
// validation live outside the gateway; this is the seam they plug into.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*User, error)
}

// TokenValidatorFunc adapts a function to TokenValidator.
type TokenValidatorFunc func(ctx context.Context, token string) (*User, error)

func (f TokenValidatorFunc) Validate(ctx context.Context, token string) (*User, error) {
	return f(ctx, token)
}

type contextKey string

const userKey contextKey = "user"

// UserFrom extracts the authenticated user from a request context.
func UserFrom(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userKey).(*User)
	return u, ok
}

// WithUser returns a context carrying the user. Test helper.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Auth validates the Authorization bearer token and stores the resolved
// user in the request context.
func Auth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			token := strings.TrimPrefix(header, "Bearer ")
			if token == header || token == "" {
				writeAuthError(w, http.StatusUnauthorized, "malformed authorization header")
				return
			}

			user, err := validator.Validate(r.Context(), token)
			if err != nil || user == nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}
