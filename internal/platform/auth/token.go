package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenRequest describes a service token for a sync agent or operator.
type TokenRequest struct {
	Subject    string
	Roles      []string
	SystemName string
	Issuer     string
	Audience   string
	TTL        time.Duration
}

// IssueToken signs an HS256 token that JWTMiddleware configured with the
// same key, issuer and audience accepts.
func IssueToken(key []byte, req TokenRequest) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("signing key is required")
	}
	if req.Subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	if req.TTL <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.Subject,
			Issuer:    req.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(req.TTL)),
		},
		Roles:      req.Roles,
		SystemName: req.SystemName,
	}
	if req.Audience != "" {
		claims.Audience = jwt.ClaimStrings{req.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}
