package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/s2quake/tabledeck/internal/platform/config"
	apperrors "github.com/s2quake/tabledeck/internal/platform/errors"
)

// grantEnv holds raw env values before post-parse validation.
type grantEnv struct {
	Issuer   string `env:"TABLEDECK_AUTH_ISSUER"`
	Audience string `env:"TABLEDECK_AUTH_AUDIENCE"`
	KeySeed  string `env:"TABLEDECK_AUTH_KEY_SEED"`
}

// Settings defines how caller grants are issued and verified.
type Settings struct {
	Issuer   string
	Audience string
	Key      ed25519.PrivateKey
	Now      func() time.Time
}

// grantClaims is the claims type used for JWT signing and parsing.
type grantClaims struct {
	jwt.RegisteredClaims
	CallerID    string `json:"caller_id"`
	DisplayName string `json:"display_name"`
	Admin       bool   `json:"admin,omitempty"`
}

// LoadSettingsFromEnv reads grant configuration from the environment. The
// key seed is a base64-encoded 32-byte ed25519 seed.
func LoadSettingsFromEnv(now func() time.Time) (Settings, error) {
	var raw grantEnv
	if err := config.ParseEnv(&raw); err != nil {
		return Settings{}, err
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	seed := strings.TrimSpace(raw.KeySeed)
	if issuer == "" {
		return Settings{}, fmt.Errorf("TABLEDECK_AUTH_ISSUER is required")
	}
	if audience == "" {
		return Settings{}, fmt.Errorf("TABLEDECK_AUTH_AUDIENCE is required")
	}
	if seed == "" {
		return Settings{}, fmt.Errorf("TABLEDECK_AUTH_KEY_SEED is required")
	}
	seedBytes, err := decodeBase64(seed)
	if err != nil {
		return Settings{}, fmt.Errorf("decode auth key seed: %w", err)
	}
	if len(seedBytes) != ed25519.SeedSize {
		return Settings{}, fmt.Errorf("auth key seed must be %d bytes", ed25519.SeedSize)
	}
	if now == nil {
		now = time.Now
	}
	return Settings{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.NewKeyFromSeed(seedBytes),
		Now:      now,
	}, nil
}

// Authenticator issues and verifies caller grants and tracks live
// authentications per caller.
type Authenticator struct {
	settings Settings

	mu   sync.Mutex
	live map[string][]*Authentication
}

// NewAuthenticator creates an Authenticator from settings.
func NewAuthenticator(settings Settings) (*Authenticator, error) {
	if settings.Issuer == "" || settings.Audience == "" {
		return nil, errors.New("issuer and audience are required")
	}
	if len(settings.Key) != ed25519.PrivateKeySize {
		return nil, errors.New("ed25519 private key is required")
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &Authenticator{
		settings: settings,
		live:     make(map[string][]*Authentication),
	}, nil
}

// Issue signs a grant for the caller, valid for ttl. Grants issued with
// admin set carry administrative authority over every session.
func (a *Authenticator) Issue(callerID, displayName string, admin bool, ttl time.Duration) (string, error) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return "", errors.New("caller id is required")
	}
	if ttl <= 0 {
		return "", errors.New("grant ttl must be positive")
	}

	now := a.settings.Now().UTC()
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.settings.Issuer,
			Audience:  jwt.ClaimStrings{a.settings.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		CallerID:    callerID,
		DisplayName: displayName,
		Admin:       admin,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(a.settings.Key)
	if err != nil {
		return "", fmt.Errorf("sign grant: %w", err)
	}
	return signed, nil
}

// Verify validates a grant and returns a live authentication bound to it.
func (a *Authenticator) Verify(grant string) (*Authentication, error) {
	grant = strings.TrimSpace(grant)
	if grant == "" {
		return nil, apperrors.New(apperrors.CodeAuthInvalidGrant, "grant is required")
	}

	var parsed grantClaims
	_, err := jwt.ParseWithClaims(grant, &parsed, func(token *jwt.Token) (any, error) {
		return a.settings.Key.Public(), nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, mapJWTError(err)
	}

	if parsed.Issuer != a.settings.Issuer {
		return nil, apperrors.WithMetadata(apperrors.CodeAuthInvalidGrant, "grant issuer mismatch",
			map[string]string{"Field": "issuer"})
	}
	if !audienceContains(parsed.Audience, a.settings.Audience) {
		return nil, apperrors.WithMetadata(apperrors.CodeAuthInvalidGrant, "grant audience mismatch",
			map[string]string{"Field": "audience"})
	}
	if parsed.ExpiresAt == nil {
		return nil, apperrors.New(apperrors.CodeAuthInvalidGrant, "grant exp is required")
	}
	now := a.settings.Now().UTC()
	if !parsed.ExpiresAt.Time.UTC().After(now) {
		return nil, apperrors.New(apperrors.CodeAuthExpired, "grant is expired")
	}
	if strings.TrimSpace(parsed.CallerID) == "" {
		return nil, apperrors.New(apperrors.CodeAuthInvalidGrant, "grant caller id is required")
	}

	authentication := &Authentication{
		callerID:    parsed.CallerID,
		displayName: parsed.DisplayName,
		admin:       parsed.Admin,
	}
	a.register(authentication)
	return authentication, nil
}

// RestoreForReplay mints a replay-only authentication for a recorded author.
// It carries no grant and must be invalidated once replay finishes. Replay
// authentications carry administrative authority so recorded actions that
// already passed authorization once re-apply without the author's original
// privileges being reconstructed.
func (a *Authenticator) RestoreForReplay(callerID string) *Authentication {
	authentication := &Authentication{
		callerID: callerID,
		admin:    true,
		replay:   true,
	}
	a.register(authentication)
	return authentication
}

// Invalidate expires every live authentication held by the caller.
func (a *Authenticator) Invalidate(callerID string) {
	a.mu.Lock()
	expiring := a.live[callerID]
	delete(a.live, callerID)
	a.mu.Unlock()

	for _, authentication := range expiring {
		authentication.Invalidate()
	}
}

func (a *Authenticator) register(authentication *Authentication) {
	a.mu.Lock()
	a.live[authentication.callerID] = append(a.live[authentication.callerID], authentication)
	a.mu.Unlock()

	authentication.OnExpired(func(callerID string) {
		a.unregister(callerID, authentication)
	})
}

func (a *Authenticator) unregister(callerID string, authentication *Authentication) {
	a.mu.Lock()
	defer a.mu.Unlock()
	remaining := a.live[callerID][:0]
	for _, item := range a.live[callerID] {
		if item != authentication {
			remaining = append(remaining, item)
		}
	}
	if len(remaining) == 0 {
		delete(a.live, callerID)
		return
	}
	a.live[callerID] = remaining
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeAuthInvalidGrant, "grant signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeAuthInvalidGrant, "grant alg is invalid")
	}
	return apperrors.New(apperrors.CodeAuthInvalidGrant, "grant is invalid")
}

// audienceContains reports whether the audience list contains the value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
