// ABOUTME: JWT token verification for operator and observer access
// ABOUTME: Uses HS256 signing with a configured secret; tokens carry a subject and a scope

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the minimum HS256 secret size in bytes.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrShortSecret  = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// Scope limits what a token may do.
type Scope string

const (
	// ScopeOperator may read and change conversations.
	ScopeOperator Scope = "operator"
	// ScopeObserver may only watch the live event stream.
	ScopeObserver Scope = "observer"
)

// Allows reports whether a token with scope s may act with scope required.
func (s Scope) Allows(required Scope) bool {
	switch s {
	case ScopeOperator:
		return required == ScopeOperator || required == ScopeObserver
	case ScopeObserver:
		return required == ScopeObserver
	}
	return false
}

// Claims is the verified content of a token.
type Claims struct {
	Subject   string
	Scope     Scope
	ExpiresAt time.Time
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrShortSecret
	}
	return &JWTVerifier{secret: secret}, nil
}

type tokenClaims struct {
	Scope Scope `json:"scope"`
	jwt.RegisteredClaims
}

// Verify validates the token and extracts its subject and scope. Tokens
// without a scope are treated as operator tokens.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	var claims tokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithExpirationRequired())

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	scope := claims.Scope
	if scope == "" {
		scope = ScopeOperator
	}
	if scope != ScopeOperator && scope != ScopeObserver {
		return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidToken, scope)
	}

	out := &Claims{Subject: claims.Subject, Scope: scope}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// Generate creates a signed token for subject with the given scope and lifetime
func (v *JWTVerifier) Generate(subject string, scope Scope, expiresIn time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now := time.Now()
	claims := tokenClaims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
