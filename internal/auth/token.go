// ABOUTME: JWT tokens for operators of the admin endpoints
// ABOUTME: Uses HS256 signing with the configured admin secret

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest accepted signing secret in bytes.
const MinSecretLength = 32

const roleOperator = "operator"

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrShortSecret  = errors.New("secret too short")
)

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (operator string, err error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier creates a verifier. The secret must be at least
// MinSecretLength bytes.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrShortSecret, MinSecretLength, len(secret))
	}
	return &JWTVerifier{secret: secret, now: time.Now}, nil
}

type operatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verify validates the token and returns the operator name from the "sub" claim
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	var claims operatorClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if claims.Role != roleOperator {
		return "", fmt.Errorf("%w: role", ErrMissingClaim)
	}
	return claims.Subject, nil
}

// Generate creates a token for operator that expires after expiresIn
func (v *JWTVerifier) Generate(operator string, expiresIn time.Duration) (string, error) {
	if operator == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now := v.now()
	claims := operatorClaims{
		Role: roleOperator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
