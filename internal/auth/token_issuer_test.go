package auth

import (
	"context"
	"testing"
	"time"
)

func TestNewTokenIssuerRequiresSecret(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{}); err == nil {
		t.Fatalf("expected missing secret error")
	}
}

func TestTokenIssuerMintsTokensTheValidatorAccepts(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		TokenTTL:      15 * time.Minute,
		Clock: func() time.Time {
			return testClockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}

	token, expiresAt, err := issuer.IssueSessionToken(context.Background(), SessionIdentity{
		Subject:     testSessionUserID,
		Email:       testSessionUserEmail,
		DisplayName: "Learner",
	})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if !expiresAt.Equal(testClockNow.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	claims, err := newTestValidator(t).ValidateToken(token)
	if err != nil {
		t.Fatalf("validator rejected minted token: %v", err)
	}
	if claims.UserID != testSessionUserID || claims.Subject != testSessionUserID {
		t.Fatalf("unexpected identity in claims: %+v", claims)
	}
	if claims.UserDisplayName != "Learner" {
		t.Fatalf("unexpected display name %q", claims.UserDisplayName)
	}
	if claims.Issuer != DefaultSessionIssuer {
		t.Fatalf("unexpected issuer %q", claims.Issuer)
	}
}

func TestTokenIssuerRejectsEmptySubject(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte(testSessionSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	if _, _, err := issuer.IssueSessionToken(context.Background(), SessionIdentity{Subject: " "}); err == nil {
		t.Fatalf("expected missing subject error")
	}
}
