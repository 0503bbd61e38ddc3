package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func claimsFor(email string, ttl time.Duration) Claims {
	return Claims{
		Email:            email,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl))},
	}
}

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, claimsFor("Avery@Example.com", time.Hour))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Email != "avery@example.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, claimsFor("avery@example.com", -time.Minute))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	_, err = ParseToken(secret, issued)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseTokenRejectsTamperedAndMalformed(t *testing.T) {
	issued, err := IssueToken([]byte("secret"), claimsFor("a@x.com", time.Hour))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	noExpiry, _ := IssueToken([]byte("secret"), Claims{Email: "a@x.com"})
	for _, token := range []string{issued + "x", "nodot", "a.b.c", noExpiry} {
		if _, err := ParseToken([]byte("secret"), token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("ParseToken(%q) = %v, want ErrInvalidToken", token, err)
		}
	}
	if _, err := ParseToken([]byte("other"), issued); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected wrong secret to be rejected, got %v", err)
	}

	noEmail, _ := IssueToken([]byte("secret"), claimsFor("not-an-email", time.Hour))
	if _, err := ParseToken([]byte("secret"), noEmail); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected claims without an email to be rejected, got %v", err)
	}
}

func TestVerifyRequestSources(t *testing.T) {
	verifier := NewVerifier("secret")
	token, err := verifier.Issue("a@x.com", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	header := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	header.Header.Set("Authorization", "Bearer "+token)

	cookie := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	cookie.AddCookie(&http.Cookie{Name: CookieName, Value: token})

	query := httptest.NewRequest(http.MethodGet, "/api/subscriptions?token="+token, nil)

	for name, r := range map[string]*http.Request{"header": header, "cookie": cookie} {
		email, err := verifier.VerifyRequest(r, false)
		if err != nil || email != "a@x.com" {
			t.Errorf("%s: got %q, %v", name, email, err)
		}
	}

	if _, err := verifier.VerifyRequest(query, false); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("query token must be ignored unless allowed, got %v", err)
	}
	if email, err := verifier.VerifyRequest(query, true); err != nil || email != "a@x.com" {
		t.Fatalf("query: got %q, %v", email, err)
	}
}
