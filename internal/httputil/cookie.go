package httputil

import (
	"net/http"
	"time"
)

// AccessTokenCookie carries the operator access token for browser clients.
const AccessTokenCookie = "access_token"

// CookieConfig holds cookie attributes for the operator console.
type CookieConfig struct {
	Domain   string
	Path     string
	Secure   bool // COOKIE_SECURE; required behind HTTPS
	SameSite http.SameSite
}

// DefaultCookieConfig scopes the cookie to the operator API with SameSite=Strict.
func DefaultCookieConfig() CookieConfig {
	return CookieConfig{
		Path:     "/bootstrap",
		SameSite: http.SameSiteStrictMode,
	}
}

// SetAccessTokenCookie stores the operator access token in an HttpOnly cookie.
func SetAccessTokenCookie(w http.ResponseWriter, accessToken string, ttl time.Duration, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccessTokenCookie,
		Value:    accessToken,
		Path:     cfg.Path,
		Domain:   cfg.Domain,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: cfg.SameSite,
	})
}

// ClearAccessTokenCookie expires the operator access token cookie.
func ClearAccessTokenCookie(w http.ResponseWriter, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccessTokenCookie,
		Value:    "",
		Path:     cfg.Path,
		Domain:   cfg.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: cfg.SameSite,
	})
}

// GetAccessTokenFromCookie returns the operator access token cookie, if present.
func GetAccessTokenFromCookie(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(AccessTokenCookie)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}
