// Package auth verifies access tokens and authorizes observer connections
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifierParams access token verification parameters
type TokenVerifierParams struct {
	// Secret is the HMAC secret
	Secret string `validate:"required,min=16"`
	// Algorithm is the accepted signing algorithm
	Algorithm string `validate:"required,oneof=HS256 HS384 HS512"`
	// Leeway is the allowed clock skew on expiry checks
	Leeway time.Duration
}

// TokenClaims the verified content of an access token
type TokenClaims struct {
	// Subject is the user name the token was issued to
	Subject string
	// ExpiresAt is when the token expires
	ExpiresAt time.Time
}

// TokenVerifier verifies HMAC signed JWT access tokens
type TokenVerifier struct {
	params TokenVerifierParams
	parser *jwt.Parser
}

// NewTokenVerifier define a new access token verifier
func NewTokenVerifier(params TokenVerifierParams) (*TokenVerifier, error) {
	if len(params.Secret) == 0 {
		return nil, fmt.Errorf("token secret is empty")
	}
	switch params.Algorithm {
	case "HS256", "HS384", "HS512":
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", params.Algorithm)
	}
	return &TokenVerifier{
		params: params,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{params.Algorithm}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(params.Leeway),
		),
	}, nil
}

// Verify check the token signature and expiry, and return its claims
func (v *TokenVerifier) Verify(tokenString string) (TokenClaims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return TokenClaims{}, fmt.Errorf("token is empty")
	}
	claims := jwt.RegisteredClaims{}
	token, err := v.parser.ParseWithClaims(
		tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != v.params.Algorithm {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(v.params.Secret), nil
		},
	)
	if err != nil {
		return TokenClaims{}, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return TokenClaims{}, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return TokenClaims{}, fmt.Errorf("missing 'sub' claim")
	}
	result := TokenClaims{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Time
	}
	return result, nil
}
