package auth

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		trust      bool
		want       string
	}{
		{"peer address", "192.168.1.1:12345", "", true, "192.168.1.1"},
		{"first forwarded hop", "10.0.0.1:443", "203.0.113.7, 10.0.0.2", true, "203.0.113.7"},
		{"forwarded with spaces", "10.0.0.1:443", "  203.0.113.7 ", true, "203.0.113.7"},
		{"forwarded not trusted", "10.0.0.1:443", "203.0.113.7", false, "10.0.0.1"},
		{"empty first hop falls back", "10.0.0.1:443", ", 203.0.113.7", true, "10.0.0.1"},
		{"ipv6 peer", "[2001:db8::1]:8080", "", true, "2001:db8::1"},
		{"no port", "192.168.1.9", "", true, "192.168.1.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := ClientIP(req, tt.trust); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
