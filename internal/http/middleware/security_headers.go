package middleware

import (
	"net/http"
	"strconv"

	"github.com/tendant/simple-bootstrap/internal/config"
)

type header struct{ name, value string }

// SecurityHeaders sets response hardening headers. Every response of this
// service is JSON, so the defaults forbid all content and framing.
// Strict-Transport-Security is only sent on requests that arrived over HTTPS,
// directly or through a TLS-terminating proxy.
func SecurityHeaders(cfg config.SecurityHeadersConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	var static []header
	add := func(name, value string) {
		if value != "" {
			static = append(static, header{name, value})
		}
	}
	add("Content-Security-Policy", cfg.CSP)
	add("X-Frame-Options", cfg.FrameOptions)
	add("X-Content-Type-Options", cfg.ContentTypeOptions)
	add("Referrer-Policy", cfg.ReferrerPolicy)
	add("Permissions-Policy", cfg.PermissionsPolicy)

	var hsts string
	if cfg.HSTSMaxAge > 0 {
		hsts = "max-age=" + strconv.Itoa(cfg.HSTSMaxAge) + "; includeSubDomains"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, s := range static {
				h.Set(s.name, s.value)
			}
			if hsts != "" && isHTTPS(r) {
				h.Set("Strict-Transport-Security", hsts)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}
