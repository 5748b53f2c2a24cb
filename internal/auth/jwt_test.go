package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestPair(t *testing.T, cfg JWTConfig) (*Issuer, *JWTVerifier) {
	t.Helper()
	issuer, err := NewIssuer(cfg)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	verifier, err := NewJWTVerifier(cfg)
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	return issuer, verifier
}

func TestJWTVerifierRoundTrip(t *testing.T) {
	cfg := JWTConfig{Secret: "test-secret", Issuer: "marketplace", Audience: "realtime"}
	issuer, verifier := newTestPair(t, cfg)

	token, err := issuer.Issue(Identity{UserID: "u-1", Role: "seller"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	identity, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if identity.UserID != "u-1" || identity.Role != "seller" {
		t.Fatalf("unexpected identity %+v", identity)
	}
}

func TestJWTVerifierRejects(t *testing.T) {
	cfg := JWTConfig{Secret: "test-secret", Issuer: "marketplace"}
	issuer, verifier := newTestPair(t, cfg)

	expiredIssuer, _ := NewIssuer(cfg)
	expiredIssuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := expiredIssuer.Issue(Identity{UserID: "u-1"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue expired: %v", err)
	}

	otherIssuer, _ := NewIssuer(JWTConfig{Secret: "other-secret", Issuer: "marketplace"})
	wrongKey, err := otherIssuer.Issue(Identity{UserID: "u-1"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue wrong key: %v", err)
	}

	foreignIssuer, _ := NewIssuer(JWTConfig{Secret: "test-secret", Issuer: "someone-else"})
	wrongIssuer, err := foreignIssuer.Issue(Identity{UserID: "u-1"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue wrong issuer: %v", err)
	}

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:           "u-1",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "marketplace"},
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "marketplace",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		UserID: "u-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "marketplace",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	valid, err := issuer.Issue(Identity{UserID: "u-1"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	cases := map[string]string{
		"expired":      expired,
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"no expiry":    noExpiry,
		"no subject":   noSubject,
		"alg none":     unsigned,
		"garbage":      "not-a-token",
		"tampered":     valid + "x",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := verifier.Verify(token); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestJWTVerifierFallsBackToSubject(t *testing.T) {
	_, verifier := newTestPair(t, JWTConfig{Secret: "test-secret"})
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: "buyer",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "sub-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	identity, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if identity.UserID != "sub-7" {
		t.Fatalf("expected subject fallback, got %q", identity.UserID)
	}
}

func TestNewJWTVerifierRequiresSecret(t *testing.T) {
	if _, err := NewJWTVerifier(JWTConfig{Secret: "  "}); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := NewIssuer(JWTConfig{}); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
