package database

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/flowpbx/flowphone/internal/auth"
)

// Identity keys.
const (
	keyAppID       = "app_id"
	keyUserID      = "user_id"
	keyExtension   = "extension"
	keyDisplayName = "display_name"
	keyAccessToken = "access_token"
	keySIPPassword = "sip_password"
	keyPushToken   = "push_token"
	keyAutoSignIn  = "auto_sign_in"
	keyExpiresAt   = "expires_at"
)

// sealedKeys are encrypted at rest when an Encryptor is configured.
var sealedKeys = map[string]bool{
	keyAccessToken: true,
	keySIPPassword: true,
}

// IdentityRepo persists the signed-in user and device state in the identity
// key/value table. It implements auth.IdentityStore. Values are cached in
// memory after the first load.
type IdentityRepo struct {
	db  *DB
	enc *Encryptor

	mu    sync.RWMutex
	cache map[string]string
}

// NewIdentityRepository loads the identity table. enc may be nil, in which
// case secrets are stored in plaintext.
func NewIdentityRepository(ctx context.Context, db *DB, enc *Encryptor) (*IdentityRepo, error) {
	repo := &IdentityRepo{
		db:    db,
		enc:   enc,
		cache: make(map[string]string),
	}
	if err := repo.loadAll(ctx); err != nil {
		return nil, fmt.Errorf("loading identity: %w", err)
	}
	return repo, nil
}

// LoadCredentials returns the stored credentials.
func (r *IdentityRepo) LoadCredentials(_ context.Context) (auth.Credentials, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	token, err := r.unseal(keyAccessToken)
	if err != nil {
		return auth.Credentials{}, err
	}
	password, err := r.unseal(keySIPPassword)
	if err != nil {
		return auth.Credentials{}, err
	}

	auto, _ := strconv.ParseBool(r.cache[keyAutoSignIn])
	return auth.Credentials{
		AppID:       r.cache[keyAppID],
		UserID:      r.cache[keyUserID],
		AccessToken: token,
		SIPPassword: password,
		PushToken:   r.cache[keyPushToken],
		AutoSignIn:  auto,
	}, nil
}

// Identity returns the last saved identity without its access token.
func (r *IdentityRepo) Identity(_ context.Context) auth.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id := auth.Identity{
		UserID:      r.cache[keyUserID],
		Extension:   r.cache[keyExtension],
		DisplayName: r.cache[keyDisplayName],
	}
	if v := r.cache[keyExpiresAt]; v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			id.ExpiresAt = t
		}
	}
	return id
}

// SaveUser stores the credentials and identity of a successful sign-in.
func (r *IdentityRepo) SaveUser(ctx context.Context, creds auth.Credentials, id auth.Identity) error {
	values := map[string]string{
		keyAppID:       creds.AppID,
		keyUserID:      creds.UserID,
		keyExtension:   id.Extension,
		keyDisplayName: id.DisplayName,
		keyAccessToken: creds.AccessToken,
		keySIPPassword: creds.SIPPassword,
		keyAutoSignIn:  strconv.FormatBool(creds.AutoSignIn),
		keyExpiresAt:   "",
	}
	if !id.ExpiresAt.IsZero() {
		values[keyExpiresAt] = id.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if creds.PushToken != "" {
		values[keyPushToken] = creds.PushToken
	}
	return r.setMany(ctx, values)
}

// SetAutoSignIn persists whether the next launch should sign in without
// prompting.
func (r *IdentityRepo) SetAutoSignIn(ctx context.Context, enabled bool) error {
	return r.setMany(ctx, map[string]string{keyAutoSignIn: strconv.FormatBool(enabled)})
}

// SetPushToken persists the device push token.
func (r *IdentityRepo) SetPushToken(ctx context.Context, token string) error {
	return r.setMany(ctx, map[string]string{keyPushToken: token})
}

// Clear removes the signed-in user. The push token belongs to the device
// and is kept.
func (r *IdentityRepo) Clear(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning identity clear: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM identity WHERE key != ?`, keyPushToken); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing identity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing identity clear: %w", err)
	}

	r.mu.Lock()
	for k := range r.cache {
		if k != keyPushToken {
			delete(r.cache, k)
		}
	}
	r.mu.Unlock()
	return nil
}

// setMany writes the given keys in one transaction and updates the cache.
func (r *IdentityRepo) setMany(ctx context.Context, values map[string]string) error {
	stored := make(map[string]string, len(values))
	for k, v := range values {
		sv, err := r.seal(k, v)
		if err != nil {
			return err
		}
		stored[k] = sv
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning identity update: %w", err)
	}
	for k, v := range stored {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO identity (key, value, updated_at)
			 VALUES (?, ?, datetime('now'))
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			k, v,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("setting identity %q: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing identity update: %w", err)
	}

	r.mu.Lock()
	for k, v := range stored {
		r.cache[k] = v
	}
	r.mu.Unlock()
	return nil
}

func (r *IdentityRepo) seal(key, value string) (string, error) {
	if !sealedKeys[key] || r.enc == nil || value == "" {
		return value, nil
	}
	sealed, err := r.enc.Encrypt(value)
	if err != nil {
		return "", fmt.Errorf("sealing %s: %w", key, err)
	}
	return sealed, nil
}

// unseal returns the cached plaintext for key. Callers hold r.mu.
func (r *IdentityRepo) unseal(key string) (string, error) {
	v := r.cache[key]
	if !sealedKeys[key] || r.enc == nil || v == "" {
		return v, nil
	}
	plain, err := r.enc.Decrypt(v)
	if err != nil {
		return "", fmt.Errorf("unsealing %s: %w", key, err)
	}
	return plain, nil
}

func (r *IdentityRepo) loadAll(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM identity`)
	if err != nil {
		return fmt.Errorf("querying identity: %w", err)
	}
	defer rows.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("scanning identity row: %w", err)
		}
		r.cache[k] = v
	}
	return rows.Err()
}
