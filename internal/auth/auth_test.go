package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	apperrors "github.com/s2quake/tabledeck/internal/platform/errors"
)

func testSettings(t *testing.T, now func() time.Time) Settings {
	t.Helper()
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return Settings{
		Issuer:   "tabledeck-test",
		Audience: "tabledeck",
		Key:      private,
		Now:      now,
	}
}

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	authenticator, err := NewAuthenticator(testSettings(t, nil))
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	return authenticator
}

func TestIssueAndVerify(t *testing.T) {
	authenticator := newTestAuthenticator(t)

	grant, err := authenticator.Issue("u1", "User One", false, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	authentication, err := authenticator.Verify(grant)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if authentication.CallerID() != "u1" {
		t.Fatalf("caller id = %q, want %q", authentication.CallerID(), "u1")
	}
	if authentication.DisplayName() != "User One" {
		t.Fatalf("display name = %q, want %q", authentication.DisplayName(), "User One")
	}
	if authentication.Replay() {
		t.Fatal("live authentication must not be replay-only")
	}
	if err := authentication.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestVerifyRejectsExpiredGrant(t *testing.T) {
	moment := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	settings := testSettings(t, func() time.Time { return moment })
	authenticator, err := NewAuthenticator(settings)
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}

	grant, err := authenticator.Issue("u1", "User One", false, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	moment = moment.Add(2 * time.Minute)
	_, err = authenticator.Verify(grant)
	if !errors.Is(err, apperrors.New(apperrors.CodeAuthExpired, "")) {
		t.Fatalf("verify expired grant = %v, want %s", err, apperrors.CodeAuthExpired)
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	issuerA := newTestAuthenticator(t)
	issuerB := newTestAuthenticator(t)

	grant, err := issuerA.Issue("u1", "User One", false, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	_, err = issuerB.Verify(grant)
	if !errors.Is(err, apperrors.New(apperrors.CodeAuthInvalidGrant, "")) {
		t.Fatalf("verify foreign grant = %v, want %s", err, apperrors.CodeAuthInvalidGrant)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	authenticator := newTestAuthenticator(t)

	for _, grant := range []string{"", "   ", "not-a-jwt"} {
		if _, err := authenticator.Verify(grant); err == nil {
			t.Fatalf("expected error for grant %q", grant)
		}
	}
}

func TestInvalidateExpiresLiveAuthentications(t *testing.T) {
	authenticator := newTestAuthenticator(t)

	grant, err := authenticator.Issue("u1", "User One", false, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	authentication, err := authenticator.Verify(grant)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	fired := ""
	authentication.OnExpired(func(callerID string) { fired = callerID })

	authenticator.Invalidate("u1")

	if !authentication.Expired() {
		t.Fatal("expected authentication to be expired")
	}
	if fired != "u1" {
		t.Fatalf("expiry callback caller = %q, want %q", fired, "u1")
	}
	if err := authentication.Validate(); !errors.Is(err, apperrors.New(apperrors.CodeAuthExpired, "")) {
		t.Fatalf("validate after invalidate = %v, want %s", err, apperrors.CodeAuthExpired)
	}
}

func TestOnExpiredAfterExpiryFiresImmediately(t *testing.T) {
	authenticator := newTestAuthenticator(t)
	authentication := authenticator.RestoreForReplay("u1")
	authentication.Invalidate()

	fired := false
	authentication.OnExpired(func(string) { fired = true })
	if !fired {
		t.Fatal("expected immediate callback on already-expired authentication")
	}
}

func TestRestoreForReplay(t *testing.T) {
	authenticator := newTestAuthenticator(t)

	authentication := authenticator.RestoreForReplay("u7")
	if !authentication.Replay() {
		t.Fatal("expected replay-only authentication")
	}
	if authentication.CallerID() != "u7" {
		t.Fatalf("caller id = %q, want %q", authentication.CallerID(), "u7")
	}

	authenticator.Invalidate("u7")
	if !authentication.Expired() {
		t.Fatal("expected replay authentication to expire on invalidate")
	}
}

func TestSignUsesProvidedClock(t *testing.T) {
	authenticator := newTestAuthenticator(t)
	authentication := authenticator.RestoreForReplay("u1")

	moment := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	signature := authentication.Sign(func() time.Time { return moment })
	if signature.CallerID != "u1" {
		t.Fatalf("signature caller = %q, want %q", signature.CallerID, "u1")
	}
	if !signature.At.Equal(moment) {
		t.Fatalf("signature time = %v, want %v", signature.At, moment)
	}
}

func TestLoadSettingsFromEnv(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	t.Setenv("TABLEDECK_AUTH_ISSUER", "tabledeck-test")
	t.Setenv("TABLEDECK_AUTH_AUDIENCE", "tabledeck")
	t.Setenv("TABLEDECK_AUTH_KEY_SEED", base64.StdEncoding.EncodeToString(seed))

	settings, err := LoadSettingsFromEnv(nil)
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if settings.Issuer != "tabledeck-test" {
		t.Fatalf("issuer = %q, want %q", settings.Issuer, "tabledeck-test")
	}
	if len(settings.Key) != ed25519.PrivateKeySize {
		t.Fatalf("key size = %d, want %d", len(settings.Key), ed25519.PrivateKeySize)
	}
}

func TestLoadSettingsFromEnvMissingIssuer(t *testing.T) {
	t.Setenv("TABLEDECK_AUTH_ISSUER", "")
	t.Setenv("TABLEDECK_AUTH_AUDIENCE", "tabledeck")
	t.Setenv("TABLEDECK_AUTH_KEY_SEED", "c2VlZA")

	if _, err := LoadSettingsFromEnv(nil); err == nil {
		t.Fatal("expected error for missing issuer")
	}
}
