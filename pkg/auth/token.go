package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	// TokenBytes is the randomness in every initial and session token.
	TokenBytes = 32

	// MinSecretLength is the shortest accepted root secret.
	MinSecretLength = 32

	tokenPrefixLen = 8
	fingerprintLen = 32
)

// GenerateToken returns n random bytes, base64url encoded without padding.
func GenerateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// TokenPrefix returns the leading characters of a token, safe to log.
func TokenPrefix(token string) string {
	if len(token) <= tokenPrefixLen {
		return token
	}
	return token[:tokenPrefixLen]
}

// Hasher derives independent HMAC keys from one root secret and uses them to
// hash tokens, pairing codes and fingerprints before they reach storage.
type Hasher struct {
	tokenKey       []byte
	codeKey        []byte
	fingerprintKey []byte
}

// NewHasher derives the hashing keys from secret with HKDF-SHA256.
func NewHasher(secret []byte) (*Hasher, error) {
	if len(secret) < MinSecretLength {
		return nil, errors.New("token secret must be at least 32 bytes")
	}
	derive := func(info string) ([]byte, error) {
		key := make([]byte, 32)
		if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
			return nil, fmt.Errorf("derive %s key: %w", info, err)
		}
		return key, nil
	}

	h := &Hasher{}
	var err error
	if h.tokenKey, err = derive("simple-bootstrap token"); err != nil {
		return nil, err
	}
	if h.codeKey, err = derive("simple-bootstrap pairing code"); err != nil {
		return nil, err
	}
	if h.fingerprintKey, err = derive("simple-bootstrap fingerprint"); err != nil {
		return nil, err
	}
	return h, nil
}

func mac(key []byte, parts ...string) []byte {
	m := hmac.New(sha256.New, key)
	for i, p := range parts {
		if i > 0 {
			m.Write([]byte{'|'})
		}
		m.Write([]byte(p))
	}
	return m.Sum(nil)
}

// HashToken returns the storage key for an initial or session token.
func (h *Hasher) HashToken(token string) string {
	return hex.EncodeToString(mac(h.tokenKey, token))
}

// HashPairingCode binds a pairing code to its token so equal codes on
// different tokens hash differently.
func (h *Hasher) HashPairingCode(tokenID uuid.UUID, code string) string {
	return hex.EncodeToString(mac(h.codeKey, tokenID.String(), code))
}

// Fingerprint returns a deterministic 32-character hash of ip and userAgent.
func (h *Hasher) Fingerprint(ip, userAgent string) string {
	return hex.EncodeToString(mac(h.fingerprintKey, ip, userAgent))[:fingerprintLen]
}
