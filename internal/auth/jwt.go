// Package auth verifies client identity tokens. The gateway only needs the
// resulting user identifier; credential issuance lives outside this system.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DocumentPermissions lists the documents an identity may read or write.
type DocumentPermissions struct {
	CanRead  []string `json:"canRead"`
	CanWrite []string `json:"canWrite"`
	IsAdmin  bool     `json:"isAdmin"`
}

// Identity is the verified result of an AUTHENTICATE token.
type Identity struct {
	UserID      string              `json:"userId"`
	DisplayName string              `json:"displayName,omitempty"`
	Permissions DocumentPermissions `json:"permissions"`
}

// Claims are the JWT claims carried by collaboration tokens.
type Claims struct {
	UserID      string              `json:"userId"`
	DisplayName string              `json:"displayName,omitempty"`
	Permissions DocumentPermissions `json:"permissions"`
	jwt.RegisteredClaims
}

// Errors for token validation.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrShortSecret  = errors.New("JWT secret must be at least 32 characters")
)

// Verifier turns a bearer credential into a verified identity.
type Verifier interface {
	Verify(token string) (*Identity, error)
}

// JWTVerifier validates HS256-signed tokens against a shared secret.
type JWTVerifier struct {
	secret string
}

// NewJWTVerifier creates a verifier. The secret length is checked at
// verification time so construction never fails.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token's signature and expiry and returns the
// embedded identity.
func (v *JWTVerifier) Verify(tokenString string) (*Identity, error) {
	if len(v.secret) < 32 {
		return nil, ErrShortSecret
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing userId claim", ErrInvalidToken)
	}

	return &Identity{
		UserID:      claims.UserID,
		DisplayName: claims.DisplayName,
		Permissions: claims.Permissions,
	}, nil
}

// GenerateToken signs a collaboration token for userID. Used by tests and
// by operators issuing development credentials.
func GenerateToken(userID, displayName string, permissions DocumentPermissions, secret string, expiresIn time.Duration) (string, error) {
	if len(secret) < 32 {
		return "", ErrShortSecret
	}

	now := time.Now()
	claims := &Claims{
		UserID:      userID,
		DisplayName: displayName,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
