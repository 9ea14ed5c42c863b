package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tendant/simple-bootstrap/pkg/domain"
)

// DefaultOperatorTokenTTL is the lifetime of a minted operator access token.
const DefaultOperatorTokenTTL = 8 * time.Hour

// OperatorClaims are the claims of an operator access token. The subject is the
// operator ID and the JWT ID keys the browser session for fingerprinting.
type OperatorClaims struct {
	jwt.RegisteredClaims
}

// OperatorID returns the authenticated operator.
func (c *OperatorClaims) OperatorID() string {
	return c.Subject
}

// SessionKey returns the browser session identifier.
func (c *OperatorClaims) SessionKey() string {
	return c.ID
}

// OperatorTokens signs and validates HS256 operator access tokens.
type OperatorTokens struct {
	secret []byte
	issuer string
	now    Clock
}

// NewOperatorTokens creates an operator token signer.
func NewOperatorTokens(secret []byte, issuer string, now Clock) (*OperatorTokens, error) {
	if len(secret) < MinSecretLength {
		return nil, errors.New("operator JWT secret must be at least 32 bytes")
	}
	return &OperatorTokens{secret: secret, issuer: issuer, now: clockOrNow(now)}, nil
}

// Issue mints a token for operatorID with a fresh session key.
func (o *OperatorTokens) Issue(operatorID string, ttl time.Duration) (string, *OperatorClaims, error) {
	if operatorID == "" {
		return "", nil, errors.New("operator ID is required")
	}
	if ttl <= 0 {
		ttl = DefaultOperatorTokenTTL
	}
	now := o.now()
	claims := &OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorID,
			Issuer:    o.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(o.secret)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// Validate parses and verifies an operator token.
func (o *OperatorTokens) Validate(tokenString string) (*OperatorClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(o.now),
		jwt.WithExpirationRequired(),
	}
	if o.issuer != "" {
		opts = append(opts, jwt.WithIssuer(o.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		return o.secret, nil
	}, opts...)
	if err != nil {
		return nil, domain.ErrInvalidToken
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, domain.ErrInvalidToken
	}
	return claims, nil
}
