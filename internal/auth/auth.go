// Package auth manages caller authentications for collaboration sessions.
//
// A caller presents a signed grant (an EdDSA JWT issued by this package) and
// receives a live Authentication. Sessions hold on to Authentications to
// gate operations, and subscribe to their expiry so membership state can be
// demoted when a caller's grant is invalidated. Replay-only authentications
// are minted without a grant during journal replay and invalidated as soon
// as the replay finishes.
package auth

import (
	"sync"
	"time"

	apperrors "github.com/s2quake/tabledeck/internal/platform/errors"
)

// SystemCallerID identifies internally triggered expirations.
const SystemCallerID = "system"

// Signature records who authored a change and when it was accepted.
type Signature struct {
	CallerID string    `json:"caller_id"`
	At       time.Time `json:"at"`
}

// Authentication is a verified caller identity.
type Authentication struct {
	callerID    string
	displayName string
	admin       bool
	replay      bool

	mu        sync.Mutex
	expired   bool
	onExpired []func(callerID string)
}

// CallerID returns the authenticated caller id.
func (a *Authentication) CallerID() string {
	return a.callerID
}

// DisplayName returns the caller's display name.
func (a *Authentication) DisplayName() string {
	return a.displayName
}

// Admin reports whether the caller carries administrative authority.
// Administrators may kick members, transfer ownership and delete sessions
// without holding the owner seat themselves.
func (a *Authentication) Admin() bool {
	return a.admin
}

// Replay reports whether this authentication was minted for journal replay.
func (a *Authentication) Replay() bool {
	return a.replay
}

// Sign produces a signature for the caller at the provided moment.
func (a *Authentication) Sign(now func() time.Time) Signature {
	if now == nil {
		now = time.Now
	}
	return Signature{CallerID: a.callerID, At: now().UTC()}
}

// Validate returns an error when the authentication has expired.
func (a *Authentication) Validate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.expired {
		return apperrors.WithMetadata(apperrors.CodeAuthExpired, "authentication is expired",
			map[string]string{"CallerID": a.callerID})
	}
	return nil
}

// Expired reports whether the authentication has been invalidated.
func (a *Authentication) Expired() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expired
}

// OnExpired registers a callback fired once when the authentication is
// invalidated. Callbacks registered after expiry fire immediately.
func (a *Authentication) OnExpired(fn func(callerID string)) {
	if fn == nil {
		return
	}
	a.mu.Lock()
	if a.expired {
		a.mu.Unlock()
		fn(a.callerID)
		return
	}
	a.onExpired = append(a.onExpired, fn)
	a.mu.Unlock()
}

// Invalidate marks the authentication expired and fires expiry callbacks.
// It is idempotent.
func (a *Authentication) Invalidate() {
	a.mu.Lock()
	if a.expired {
		a.mu.Unlock()
		return
	}
	a.expired = true
	callbacks := a.onExpired
	a.onExpired = nil
	a.mu.Unlock()

	for _, fn := range callbacks {
		fn(a.callerID)
	}
}
