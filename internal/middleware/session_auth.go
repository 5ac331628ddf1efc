package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const ctxAuthUserKey contextKey = "auth_user_id"

type sessionClaims struct {
	jwt.RegisteredClaims
}

// SessionAuth validates the identity collaborator's HS256 bearer token and
// puts the external user id (the token subject) into request context.
// Requests without a valid token get 401.
func SessionAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			sub, err := parseSubject(raw, secret)
			if err != nil {
				http.Error(w, `{"error":"invalid session token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuthUser(r.Context(), sub)))
		})
	}
}

// OptionalSessionAuth is SessionAuth for endpoints that also serve anonymous
// visitors. No token passes through untouched; a present-but-invalid token is
// still rejected rather than silently downgraded to anonymous.
func OptionalSessionAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			sub, err := parseSubject(raw, secret)
			if err != nil {
				http.Error(w, `{"error":"invalid session token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuthUser(r.Context(), sub)))
		})
	}
}

// AuthUserFromCtx returns the authenticated external user id, or "".
func AuthUserFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxAuthUserKey).(string)
	return id
}

// WithAuthUser returns a context carrying the given external user id.
func WithAuthUser(ctx context.Context, authUserID string) context.Context {
	return context.WithValue(ctx, ctxAuthUserKey, authUserID)
}

func parseSubject(raw string, secret []byte) (string, error) {
	tok, err := jwt.ParseWithClaims(raw, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}
	c, ok := tok.Claims.(*sessionClaims)
	if !ok || !tok.Valid {
		return "", errors.New("invalid token")
	}
	if c.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return c.Subject, nil
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
