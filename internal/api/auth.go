package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeySubject contextKey = "api_subject"

// jwtVerifier checks bearer tokens against a single shared HS256 secret.
// Trimmed from auth.Authenticate's role-aware verifier: this API has no
// role hierarchy, only "authenticated or not".
type jwtVerifier struct {
	secret []byte
}

func newJWTVerifier(secret string) *jwtVerifier {
	return &jwtVerifier{secret: []byte(secret)}
}

// Authenticate rejects requests without a valid bearer token. When no
// secret is configured the check is skipped entirely (local/dev mode).
func (v *jwtVerifier) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(v.secret) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			return v.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}

		subject, _ := claims.GetSubject()
		ctx := context.WithValue(r.Context(), contextKeySubject, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
