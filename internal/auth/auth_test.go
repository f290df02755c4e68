package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestTokens(t *testing.T) *Tokens {
	t.Helper()
	tk, err := NewTokens("test-secret")
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	return tk
}

func TestGenerateAndParse(t *testing.T) {
	tk := newTestTokens(t)

	token, err := tk.Generate("user-1", []string{"Owner", "owner", " admin "}, time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	claims, err := tk.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if len(claims.Roles) != 2 || claims.Roles[0] != "owner" || claims.Roles[1] != "admin" {
		t.Fatalf("unexpected roles: %v", claims.Roles)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	tk := newTestTokens(t)
	past := time.Now().Add(-time.Hour)
	tk.now = func() time.Time { return past }

	token, err := tk.Generate("user-1", nil, time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	tk.now = time.Now
	if _, err := tk.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsForeignSecret(t *testing.T) {
	tk := newTestTokens(t)
	other, err := NewTokens("other-secret")
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	token, err := other.Generate("user-1", nil, time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := tk.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsWrongIssuer(t *testing.T) {
	tk := newTestTokens(t)
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    "someone-else",
		Subject:   "user-1",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := tk.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestNewTokensRequiresSecret(t *testing.T) {
	if _, err := NewTokens("  "); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithUser(context.Background(), " user-9 ", []string{"Owner"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-9" {
		t.Fatalf("unexpected user: %q %v", id, ok)
	}
	if !HasRole(ctx, "OWNER") {
		t.Fatal("expected owner role")
	}
	if HasRole(ctx, "admin") {
		t.Fatal("unexpected admin role")
	}
	if _, ok := UserIDFromContext(context.Background()); ok {
		t.Fatal("expected no user on empty context")
	}
}
