package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestLegacyTokenRoundTrip(t *testing.T) {
	signed, err := NewLegacyToken("user-1", "user@example.com", "secret", time.Hour)
	if err != nil {
		t.Fatalf("NewLegacyToken: %v", err)
	}

	claims, err := ValidateLegacyToken(signed, "secret")
	if err != nil {
		t.Fatalf("ValidateLegacyToken: %v", err)
	}
	if claims.UserID != "user-1" || claims.Email != "user@example.com" || claims.Issuer != LegacyIssuer {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestLegacyTokenRejected(t *testing.T) {
	signed, err := NewLegacyToken("user-1", "", "secret", time.Hour)
	if err != nil {
		t.Fatalf("NewLegacyToken: %v", err)
	}
	if _, err := ValidateLegacyToken(signed, "other-secret"); err == nil {
		t.Error("expected wrong secret to be rejected")
	}

	expired, err := NewLegacyToken("user-1", "", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("NewLegacyToken: %v", err)
	}
	if _, err := ValidateLegacyToken(expired, "secret"); err == nil {
		t.Error("expected expired token to be rejected")
	}

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, LegacyClaims{UserID: "user-1"})
	none, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := ValidateLegacyToken(none, "secret"); err == nil {
		t.Error("expected alg=none to be rejected")
	}
}

func TestLegacyTokenDefaultTTL(t *testing.T) {
	signed, err := NewLegacyToken("user-1", "", "secret", 0)
	if err != nil {
		t.Fatalf("NewLegacyToken: %v", err)
	}
	claims, err := ValidateLegacyToken(signed, "secret")
	if err != nil {
		t.Fatalf("ValidateLegacyToken: %v", err)
	}
	if claims.ExpiresAt == nil {
		t.Fatal("expected an expiry")
	}
	if left := time.Until(claims.ExpiresAt.Time); left <= 23*time.Hour || left > DefaultLegacyTTL {
		t.Errorf("unexpected expiry in %v", left)
	}
}

func TestLegacyTokenWithoutExpiryRejected(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, LegacyClaims{
		UserID:           "user-1",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: LegacyIssuer},
	})
	signed, err := token.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ValidateLegacyToken(signed, "secret"); err == nil {
		t.Error("expected a token without exp to be rejected")
	}
}
