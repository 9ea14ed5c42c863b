package domain

import "errors"

// Host errors
var (
	ErrHostNotFound      = errors.New("host not found")
	ErrHostAlreadyExists = errors.New("host already exists")
	ErrInvalidHostname   = errors.New("invalid hostname")
	ErrInvalidIPAddress  = errors.New("invalid IP address")
)

// Initial token errors
var (
	ErrTokenNotFound        = errors.New("initial token not found")
	ErrTokenExpired         = errors.New("initial token expired")
	ErrTokenWrongState      = errors.New("initial token in wrong state")
	ErrTokenAlreadyConsumed = errors.New("initial token already consumed")
	ErrTokenCollision       = errors.New("initial token collision")
	ErrInvalidTTL           = errors.New("ttl must be positive and within the maximum")
	ErrIllegalTransition    = errors.New("illegal token status transition")
)

// Pairing errors
var (
	ErrPairingCodeMissing = errors.New("no pairing code issued")
	ErrPairingCodeExpired = errors.New("pairing code expired")
	ErrInvalidPairingCode = errors.New("invalid pairing code")
)

// Session errors
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExpired      = errors.New("session expired")
	ErrIPMismatch          = errors.New("IP address mismatch")
	ErrInvalidToken        = errors.New("invalid token")
	ErrFingerprintMismatch = errors.New("session fingerprint mismatch - possible session hijack")
	ErrSessionTerminated   = errors.New("session terminated")
)

// Store errors
var (
	ErrStoreUnavailable = errors.New("store unavailable")
)
