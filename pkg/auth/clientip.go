package auth

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the observed client IP. When trustForwarded is set, the first
// X-Forwarded-For hop wins; otherwise, or when the header is absent, the peer address.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
