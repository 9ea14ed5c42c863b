package domain

import (
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HostInitStatus tracks how far a host has progressed through bootstrap.
type HostInitStatus string

const (
	HostInitPending      HostInitStatus = "pending"
	HostInitInitializing HostInitStatus = "initializing"
	HostInitReady        HostInitStatus = "ready"
)

// Host is a known device that may be issued bootstrap tokens.
type Host struct {
	ID            uuid.UUID
	Hostname      string
	IPAddress     *string
	InitStatus    HostInitStatus
	InitializedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NormalizeHostname lowercases and trims a hostname.
func NormalizeHostname(hostname string) string {
	return strings.ToLower(strings.TrimSpace(hostname))
}

// ValidateHostname checks RFC 1123 style hostnames.
func ValidateHostname(hostname string) error {
	if hostname == "" || len(hostname) > 253 {
		return ErrInvalidHostname
	}
	for _, label := range strings.Split(hostname, ".") {
		if label == "" || len(label) > 63 {
			return ErrInvalidHostname
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return ErrInvalidHostname
		}
		for _, c := range label {
			if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
				return ErrInvalidHostname
			}
		}
	}
	return nil
}

// ValidateIP checks that ip is a literal IPv4 or IPv6 address.
func ValidateIP(ip string) error {
	if net.ParseIP(ip) == nil {
		return ErrInvalidIPAddress
	}
	return nil
}
