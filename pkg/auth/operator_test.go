package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tendant/simple-bootstrap/pkg/domain"
)

func TestOperatorTokens_IssueAndValidate(t *testing.T) {
	clock := newFakeClock()
	ops, err := NewOperatorTokens([]byte(testSecret), "simple-bootstrap", clock.Now)
	if err != nil {
		t.Fatalf("NewOperatorTokens() error = %v", err)
	}

	signed, issued, err := ops.Issue("alice", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	claims, err := ops.Validate(signed)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if claims.OperatorID() != "alice" {
		t.Errorf("OperatorID = %q, want alice", claims.OperatorID())
	}
	if claims.SessionKey() == "" || claims.SessionKey() != issued.SessionKey() {
		t.Errorf("SessionKey = %q, want %q", claims.SessionKey(), issued.SessionKey())
	}

	_, second, _ := ops.Issue("alice", time.Hour)
	if second.SessionKey() == issued.SessionKey() {
		t.Error("each token should carry its own session key")
	}

	clock.Advance(time.Hour)
	if _, err := ops.Validate(signed); !errors.Is(err, domain.ErrInvalidToken) {
		t.Errorf("expired Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestOperatorTokens_Rejects(t *testing.T) {
	clock := newFakeClock()
	ops, _ := NewOperatorTokens([]byte(testSecret), "simple-bootstrap", clock.Now)
	otherKey, _ := NewOperatorTokens([]byte(testSecret+"-other"), "simple-bootstrap", clock.Now)
	otherIssuer, _ := NewOperatorTokens([]byte(testSecret), "someone-else", clock.Now)

	fromOtherKey, _, _ := otherKey.Issue("alice", time.Hour)
	fromOtherIssuer, _, _ := otherIssuer.Issue("alice", time.Hour)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "alice",
		ID:        "sess",
		Issuer:    "simple-bootstrap",
		ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
	})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "alice",
		ID:      "sess",
		Issuer:  "simple-bootstrap",
	}).SignedString([]byte(testSecret))

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-jwt"},
		{"wrong key", fromOtherKey},
		{"wrong issuer", fromOtherIssuer},
		{"alg none", unsigned},
		{"no expiry", noExpiry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ops.Validate(tt.token); !errors.Is(err, domain.ErrInvalidToken) {
				t.Errorf("Validate() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestNewOperatorTokens_ShortSecret(t *testing.T) {
	if _, err := NewOperatorTokens([]byte("short"), "", nil); err == nil {
		t.Fatal("NewOperatorTokens should reject a short secret")
	}
}
