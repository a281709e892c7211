package auth

import (
	"fmt"
	"time"

	"cbt-battle-service/internal/domain"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Claims carries the identity fields the battle engine needs from a token.
// Token issuance lives in the identity service; this package only verifies.
type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 bearer tokens and resolves the acting principal.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates the token, returning the principal or
// domain.ErrUnauthorized.
func (v *Verifier) Verify(token string) (domain.Principal, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{},
		func(t *jwt.Token) (interface{}, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return domain.Principal{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	return domain.Principal{UserID: claims.UserID, Role: claims.Role}, nil
}

// SignToken issues a short-lived token. It exists for tests and local demo
// setups; production tokens come from the identity service.
func SignToken(secret, userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
