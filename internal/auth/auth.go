// Package auth establishes the process-wide authenticated identity that
// session-mutating call actions require.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	// ErrAuthenticationFailed wraps every failure reported by the gate.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrNoCredentials is returned by an IdentityStore with nothing persisted.
	ErrNoCredentials = errors.New("no stored credentials")

	// ErrRejected is returned by an Authenticator when the server refused the
	// credentials, as opposed to being unreachable.
	ErrRejected = errors.New("credentials rejected")
)

// Credentials are the persisted inputs to authentication.
type Credentials struct {
	// AppID is the PBX base URL the account belongs to.
	AppID       string
	UserID      string
	AccessToken string
	SIPPassword string

	// PushToken is the device's current VoIP push token, sent with every
	// authentication so the PBX can wake this device for incoming calls.
	PushToken  string
	AutoSignIn bool
}

// Identity is an established authenticated user.
type Identity struct {
	UserID      string    `json:"user_id"`
	Extension   string    `json:"extension"`
	DisplayName string    `json:"display_name"`
	AccessToken string    `json:"-"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
}

// Valid reports whether the identity may still be used at now.
func (id Identity) Valid(now time.Time) bool {
	if id.UserID == "" {
		return false
	}
	return id.ExpiresAt.IsZero() || now.Before(id.ExpiresAt)
}

// IdentityStore persists credentials and sign-in intent across launches.
type IdentityStore interface {
	LoadCredentials(ctx context.Context) (Credentials, error)
	SaveUser(ctx context.Context, creds Credentials, id Identity) error
	SetAutoSignIn(ctx context.Context, enabled bool) error
	SetPushToken(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// Authenticator exchanges credentials for an identity with the signaling
// backend.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (Identity, error)
}

// tokenExpiry returns the expiry claim of a JWT access token. Tokens that are
// not JWTs, or carry no exp claim, report ok=false and are left for the
// server to judge.
func tokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
