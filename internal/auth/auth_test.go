package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndParse(t *testing.T) {
	tokens, err := NewTokens("s3cret", WithIssuer("test-issuer"))
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	token, exp, err := tokens.Issue("member-42", 30*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expected future expiration, got %v", exp)
	}

	claims, err := tokens.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "member-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Issuer != "test-issuer" {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
	if claims.ID == "" {
		t.Fatal("expected a token id")
	}
}

func TestParseRejects(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tokens, _ := NewTokens("s3cret", WithClock(clock))

	expired, _, err := tokens.Issue("m", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	other, _ := NewTokens("other-secret", WithClock(clock))
	forged, _, _ := other.Issue("m", time.Hour)
	foreign, _ := NewTokens("s3cret", WithIssuer("someone-else"), WithClock(clock))
	wrongIssuer, _, _ := foreign.Issue("m", time.Hour)
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    DefaultIssuer,
		Subject:   "m",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	now = now.Add(2 * time.Minute)

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not.a.token",
		"expired":      expired,
		"wrong secret": forged,
		"wrong issuer": wrongIssuer,
		"alg none":     unsigned,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := tokens.Parse(token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestIssueValidation(t *testing.T) {
	if _, err := NewTokens("  "); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
	tokens, _ := NewTokens("s3cret")
	if _, _, err := tokens.Issue(" ", time.Minute); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty member, got %v", err)
	}
	if _, _, err := tokens.Issue("m", 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero ttl, got %v", err)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := MemberIDFromContext(ctx); ok {
		t.Fatal("empty context should carry no member")
	}
	ctx = ContextWithMember(ctx, " m1 ")
	ctx = ContextWithToken(ctx, "tok")
	if id, ok := MemberIDFromContext(ctx); !ok || id != "m1" {
		t.Fatalf("unexpected member: %q %v", id, ok)
	}
	if tok, ok := TokenFromContext(ctx); !ok || tok != "tok" {
		t.Fatalf("unexpected token: %q %v", tok, ok)
	}
	if got := ContextWithMember(context.Background(), ""); got != context.Background() {
		t.Fatal("blank member id should not change the context")
	}
}
