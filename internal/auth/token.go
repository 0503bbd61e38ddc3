package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName carries the token for browser clients that cannot set headers.
const CookieName = "pinboard-auth"

type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
	ErrMissingToken = errors.New("missing token")
)

func IssueToken(secret []byte, claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken accepts HMAC signed tokens carrying an email and an expiry.
func ParseToken(secret []byte, token string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Claims{}, ErrExpiredToken
	}
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	claims.Email = strings.ToLower(strings.TrimSpace(claims.Email))
	if claims.Email == "" || !strings.Contains(claims.Email, "@") {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// Verifier resolves the caller's email from a request. The upstream
// authorizer signs the token; everything behind it trusts the email claim.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Issue signs a token for local development and tests.
func (v *Verifier) Issue(email string, ttl time.Duration) (string, error) {
	return IssueToken(v.secret, Claims{
		Email:            email,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl))},
	})
}

// VerifyRequest reads the bearer header, then the auth cookie. When
// allowQuery is set the token query parameter is also accepted, since
// browsers cannot attach headers to websocket upgrades.
func (v *Verifier) VerifyRequest(r *http.Request, allowQuery bool) (string, error) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		if cookie, err := r.Cookie(CookieName); err == nil {
			token = strings.TrimSpace(cookie.Value)
		}
	}
	if token == "" && allowQuery {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return "", ErrMissingToken
	}
	claims, err := ParseToken(v.secret, token)
	if err != nil {
		return "", err
	}
	return claims.Email, nil
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
