// Package auth issues and verifies the HS256 JWT bearer tokens that name the
// acting member on API requests.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cmsworkflow/internal/util"
)

// Claims carries the member id in Subject and the token id in ID.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// IssueMemberToken signs a token for memberID valid for ttl.
func IssueMemberToken(secret []byte, memberID, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	return IssueToken(secret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   memberID,
			ID:        util.NewID("tok"),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: name,
	})
}

func IssueToken(secret []byte, claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Claims{}, ErrExpiredToken
	}
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}
