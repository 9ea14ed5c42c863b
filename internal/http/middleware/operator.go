package middleware

import (
	"context"
	"net/http"

	"github.com/tendant/simple-bootstrap/internal/httputil"
	"github.com/tendant/simple-bootstrap/pkg/auth"
)

// OperatorTokenValidator validates operator access tokens.
type OperatorTokenValidator interface {
	Validate(tokenString string) (*auth.OperatorClaims, error)
}

// OperatorAuth creates middleware that validates operator JWT access tokens.
// Checks Authorization header first, then falls back to cookie for browser clients.
func OperatorAuth(validator OperatorTokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := httputil.BearerToken(r)
			if !ok {
				tokenString, ok = httputil.GetAccessTokenFromCookie(r)
			}
			if !ok {
				httputil.Error(w, http.StatusUnauthorized, "missing authorization")
				return
			}

			claims, err := validator.Validate(tokenString)
			if err != nil {
				httputil.Error(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), OperatorClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOperatorClaims extracts the operator token claims from the request context.
func GetOperatorClaims(ctx context.Context) (*auth.OperatorClaims, bool) {
	claims, ok := ctx.Value(OperatorClaimsKey).(*auth.OperatorClaims)
	return claims, ok
}

// GetOperatorID returns the authenticated operator, or "" if there is none.
func GetOperatorID(ctx context.Context) string {
	if claims, ok := GetOperatorClaims(ctx); ok {
		return claims.OperatorID()
	}
	return ""
}
