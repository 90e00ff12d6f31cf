package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// LegacyIssuer is set on HMAC tokens minted for exportctl and tests.
	LegacyIssuer = "loopforge-exporter"
	// DefaultLegacyTTL applies when NewLegacyToken is given a zero ttl.
	DefaultLegacyTTL = 24 * time.Hour
)

// LegacyClaims represents legacy JWT claims (HMAC-signed tokens)
type LegacyClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// ValidateLegacyToken validates a token using HMAC signing
func ValidateLegacyToken(tokenString, secret string) (*LegacyClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &LegacyClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*LegacyClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}

	return claims, nil
}

// NewLegacyToken signs an HMAC token for userID. A zero ttl means
// DefaultLegacyTTL; a negative one yields an already expired token.
func NewLegacyToken(userID, email, secret string, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = DefaultLegacyTTL
	}
	now := time.Now()
	claims := LegacyClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    LegacyIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
