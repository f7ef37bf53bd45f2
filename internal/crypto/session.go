package crypto

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/evtrade/bidcore/internal/domain"
)

// issuer is the iss claim of every session token.
const issuer = "bidcore"

var (
	ErrInvalidToken = fmt.Errorf("%w: invalid session token", domain.ErrUnauthenticated)
	ErrTokenExpired = fmt.Errorf("%w: session token expired", domain.ErrUnauthenticated)
)

// Session is the identity carried by a verified token.
type Session struct {
	UserID    string
	Name      string
	ExpiresAt int64
}

// Expiry returns the expiry as a time.
func (s Session) Expiry() time.Time {
	return time.Unix(s.ExpiresAt, 0)
}

// sessionClaims is the JWT payload: sub, exp, iat, iss plus a display name.
type sessionClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// SessionSigner issues and verifies HS256 JWT session tokens.
type SessionSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewSessionSigner derives the signing key from secret and salt.
func NewSessionSigner(secret, salt string, ttl time.Duration) (*SessionSigner, error) {
	key, err := DeriveKey(secret, salt)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("crypto: session ttl must be positive, got %s", ttl)
	}
	return &SessionSigner{key: key, ttl: ttl, now: time.Now}, nil
}

// Issue returns a token for userID valid for the signer's TTL.
func (s *SessionSigner) Issue(userID, name string) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, fmt.Errorf("crypto: issue: %w", domain.ErrInvalidRequest)
	}
	now := s.now()
	exp := now.Add(s.ttl).Truncate(time.Second)
	claims := sessionClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("crypto: issue: %w", err)
	}
	return signed, exp, nil
}

// Verify checks the signature and expiry of token and returns its session.
// Every failure wraps domain.ErrUnauthenticated.
func (s *SessionSigner) Verify(token string) (Session, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Session{}, ErrTokenExpired
	case err != nil, !parsed.Valid, claims.Subject == "":
		return Session{}, ErrInvalidToken
	}
	return Session{
		UserID:    claims.Subject,
		Name:      claims.Name,
		ExpiresAt: claims.ExpiresAt.Unix(),
	}, nil
}
