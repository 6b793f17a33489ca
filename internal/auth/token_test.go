// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens, and the role claim

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/parlor/internal/store"
)

// tokenTestSecret is a 32-byte secret that meets MinSecretLength requirement.
var tokenTestSecret = []byte("token-verifier-test-secret-32b!!")

func newVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(tokenTestSecret)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	return v
}

func TestNewJWTVerifier_WeakSecret(t *testing.T) {
	_, err := NewJWTVerifier([]byte("short"))
	if !errors.Is(err, ErrWeakSecret) {
		t.Errorf("NewJWTVerifier() error = %v, want ErrWeakSecret", err)
	}
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := newVerifier(t)

	token, err := verifier.Generate("acct-123", store.RoleOperator, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if claims.AccountID != "acct-123" {
		t.Errorf("AccountID = %q, want %q", claims.AccountID, "acct-123")
	}
	if claims.Role != store.RoleOperator {
		t.Errorf("Role = %q, want %q", claims.Role, store.RoleOperator)
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := newVerifier(t)

	otherVerifier, err := NewJWTVerifier([]byte("a-completely-different-secret-32b"))
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	wrongSecret, _ := otherVerifier.Generate("acct-123", store.RoleUser, time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{name: "wrong secret", token: wrongSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := newVerifier(t)

	// Generate a token that expired 1 hour ago
	token, err := verifier.Generate("acct-123", store.RoleUser, -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_MissingClaims(t *testing.T) {
	verifier := newVerifier(t)

	sign := func(claims jwt.MapClaims) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tokenTestSecret)
		if err != nil {
			t.Fatalf("SignedString() error = %v", err)
		}
		return token
	}
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name   string
		claims jwt.MapClaims
	}{
		{name: "no sub", claims: jwt.MapClaims{"role": "user", "exp": exp}},
		{name: "no role", claims: jwt.MapClaims{"sub": "acct-1", "exp": exp}},
		{name: "unknown role", claims: jwt.MapClaims{"sub": "acct-1", "role": "superuser", "exp": exp}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(sign(tt.claims))
			if !errors.Is(err, ErrMissingClaim) {
				t.Errorf("Verify() error = %v, want ErrMissingClaim", err)
			}
		})
	}
}

func TestJWTVerifier_RejectsOtherAlgorithms(t *testing.T) {
	verifier := newVerifier(t)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"sub": "acct-1", "role": "admin", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(tokenTestSecret)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
	}
}

func TestJWTVerifier_Generate_InvalidRole(t *testing.T) {
	verifier := newVerifier(t)
	if _, err := verifier.Generate("acct-1", store.Role("root"), time.Hour); err == nil {
		t.Error("Generate() should reject an unknown role")
	}
}
