// Package auth verifies the signed credential tokens presented by channel
// clients. It only verifies; token issuance lives in the login service.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Anonymous is the identity bound to connections that have not presented a
// valid credential. Anonymous callers may still hold a session.
const Anonymous Identity = "anonymous"

// Identity is the stable caller identity extracted from a verified token.
type Identity string

func (i Identity) IsAnonymous() bool {
	return i == Anonymous || i == ""
}

var (
	ErrInvalidToken = errors.New("invalid credential token")
	ErrExpiredToken = errors.New("credential token has expired")
)

// Claims is the payload of a credential token.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Verifier recomputes token signatures against the process-wide secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify checks the signature and expiry of a credential token and returns
// the embedded identity. Callers treat any error as "anonymous".
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Anonymous, ErrExpiredToken
		}
		return Anonymous, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Anonymous, ErrInvalidToken
	}

	identity := claims.Email
	if identity == "" {
		identity = claims.Subject
	}
	if identity == "" {
		return Anonymous, ErrInvalidToken
	}
	return Identity(identity), nil
}
