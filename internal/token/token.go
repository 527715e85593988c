// Package token mints and verifies the short-lived session tokens that
// clients present to the relay. Tokens are HS256 JWTs carrying the user and
// session ids; the upstream API credential never appears in them.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuerName = "parleyd"

// ErrInvalidToken is returned for tokens that fail signature, expiry or
// claim validation.
var ErrInvalidToken = errors.New("token: invalid session token")

// Claims are the session token claims.
type Claims struct {
	UserID    string `json:"uid"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Issuer mints session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates an Issuer signing with secret. Tokens expire after ttl.
func NewIssuer(secret []byte, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: empty signing secret")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token: non-positive ttl %v", ttl)
	}
	return &Issuer{secret: secret, ttl: ttl}, nil
}

// Session is one minted relay session.
type Session struct {
	ID        string
	UserID    string
	Token     string
	ExpiresAt time.Time
}

// Issue mints a token for userID under a fresh session id.
func (i *Issuer) Issue(userID string) (Session, error) {
	if userID == "" {
		return Session{}, errors.New("token: empty user id")
	}
	sessionID, err := newSessionID()
	if err != nil {
		return Session{}, err
	}

	now := time.Now()
	expiresAt := now.Add(i.ttl)
	claims := Claims{
		UserID:    userID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Session{}, fmt.Errorf("token: signing: %w", err)
	}
	return Session{
		ID:        sessionID,
		UserID:    userID,
		Token:     signed,
		ExpiresAt: expiresAt,
	}, nil
}

// Verifier validates session tokens presented to the relay.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for tokens signed with secret.
func NewVerifier(secret []byte) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: empty signing secret")
	}
	return &Verifier{secret: secret}, nil
}

// Verify parses and validates a token string, returning its claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(issuerName),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.UserID == "" || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func newSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: generating session id: %w", err)
	}
	return "sess_" + hex.EncodeToString(buf), nil
}
