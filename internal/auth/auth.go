// Package auth issues and verifies the bearer tokens that identify the
// acting member on API calls.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const DefaultIssuer = "housecup"

// clockSkew is the tolerance applied to issued-at checks.
const clockSkew = 5 * time.Second

// Claims are the JWT claims carried by a member token. Subject is the
// member id.
type Claims struct {
	jwt.RegisteredClaims
}

// Tokens signs and verifies HS256 member tokens.
type Tokens struct {
	secret []byte
	issuer string
	now    func() time.Time
}

type Option func(*Tokens)

func WithIssuer(issuer string) Option {
	return func(t *Tokens) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			t.issuer = issuer
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tokens) { t.now = now }
}

// NewTokens returns a signer over secret. An empty secret is rejected.
func NewTokens(secret string, opts ...Option) (*Tokens, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	t := &Tokens{secret: []byte(secret), issuer: DefaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Issue signs a token for memberID valid for ttl.
func (t *Tokens) Issue(memberID string, ttl time.Duration) (string, time.Time, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return "", time.Time{}, fmt.Errorf("%w: member id is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}
	now := t.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   memberID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies token and returns its claims. Every failure is reported
// as ErrInvalidToken.
func (t *Tokens) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now), jwt.WithIssuer(t.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := t.validate(claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}

func (t *Tokens) validate(claims *Claims) error {
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.IssuedAt == nil {
		return errors.New("issued-at missing")
	}
	if claims.IssuedAt.Time.After(t.now().Add(clockSkew)) {
		return errors.New("token issued in the future")
	}
	return nil
}
