// Package utils provides helpers for minting access tokens.  Accounts are
// managed by a separate identity service; the tokens minted here are used
// by the token command for local development and by tests.
package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iliyamo/restaurant-reservation/internal/model"
)

// AccessToken represents a signed JWT access token along with its expiry.
//
// Fields:
//
//	Token – the serialized JWT string.
//	Exp   – the UTC expiration time.
type AccessToken struct {
	Token string
	Exp   time.Time
}

// NewAccessToken builds and signs an HS256 JWT carrying the claims JWTAuth
// expects: subject (sub), role, expiration (exp) and issued at (iat).
func NewAccessToken(secret, userID string, role model.Role, ttl time.Duration) (AccessToken, error) {
	if secret == "" || userID == "" {
		return AccessToken{}, errors.New("secret and user id are required")
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": string(role),
		"exp":  exp.Unix(),
		"iat":  now.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, Exp: exp}, nil
}
