package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func claimsFor(subject, id string, expires time.Time) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        id,
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Name: "Avery",
	}
}

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, claimsFor("member-1", "jti-1", time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "member-1" || claims.ID != "jti-1" || claims.Name != "Avery" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestIssueMemberToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueMemberToken(secret, "pub1", "Pia", time.Hour)
	if err != nil {
		t.Fatalf("IssueMemberToken() error = %v", err)
	}
	if parts := strings.Split(issued, "."); len(parts) != 3 {
		t.Fatalf("expected a three part JWT, got %q", issued)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "pub1" || !strings.HasPrefix(claims.ID, "tok_") {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.ExpiresAt == nil || time.Until(claims.ExpiresAt.Time) > time.Hour {
		t.Fatalf("unexpected expiry: %v", claims.ExpiresAt)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, claimsFor("member-1", "jti-1", time.Now().Add(-time.Minute)))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	_, err = ParseToken(secret, issued)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("ParseToken() error = %v, want ErrExpiredToken", err)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	issued, err := IssueMemberToken([]byte("secret"), "member-1", "Avery", time.Hour)
	if err != nil {
		t.Fatalf("IssueMemberToken() error = %v", err)
	}
	if _, err := ParseToken([]byte("other"), issued); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("ParseToken() with wrong secret error = %v, want ErrInvalidToken", err)
	}
	if _, err := ParseToken([]byte("secret"), "not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("ParseToken() malformed error = %v, want ErrInvalidToken", err)
	}
}

func TestParseTokenRequiresClaims(t *testing.T) {
	secret := []byte("secret")
	cases := map[string]Claims{
		"no expiry":  {RegisteredClaims: jwt.RegisteredClaims{Subject: "member-1", ID: "jti-1"}},
		"no subject": claimsFor("", "jti-1", time.Now().Add(time.Hour)),
		"no id":      claimsFor("member-1", "", time.Now().Add(time.Hour)),
	}
	for name, claims := range cases {
		t.Run(name, func(t *testing.T) {
			issued, err := IssueToken(secret, claims)
			if err != nil {
				t.Fatalf("IssueToken() error = %v", err)
			}
			if _, err := ParseToken(secret, issued); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("ParseToken() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestParseTokenRejectsOtherAlgorithms(t *testing.T) {
	secret := []byte("secret")
	issued, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claimsFor("member-1", "jti-1", time.Now().Add(time.Hour))).SignedString(secret)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	if _, err := ParseToken(secret, issued); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("ParseToken() error = %v, want ErrInvalidToken", err)
	}
}
