package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// maxTokenLen bounds accepted push tokens.
const maxTokenLen = 4096

// ErrInvalidToken is returned for empty or oversized push tokens.
var ErrInvalidToken = errors.New("invalid push token")

// TokenStore persists the device's push token.
type TokenStore interface {
	SetPushToken(ctx context.Context, token string) error
}

// TokenRegistrar delivers the push token to a backend that wakes this device.
type TokenRegistrar interface {
	RegisterPushToken(ctx context.Context, token string) error
}

// TokenUpdater stores a rotated push token and registers it everywhere it is
// needed.
type TokenUpdater struct {
	store      TokenStore
	registrars []TokenRegistrar
	logger     *slog.Logger
}

// NewTokenUpdater creates an updater.
func NewTokenUpdater(store TokenStore, logger *slog.Logger, registrars ...TokenRegistrar) *TokenUpdater {
	return &TokenUpdater{
		store:      store,
		registrars: registrars,
		logger:     logger.With("subsystem", "push-token"),
	}
}

// Update persists token and registers it with every registrar. The token is
// stored even if registration fails; registration errors are joined.
func (u *TokenUpdater) Update(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidToken)
	}
	if len(token) > maxTokenLen {
		return fmt.Errorf("%w: exceeds %d bytes", ErrInvalidToken, maxTokenLen)
	}

	if err := u.store.SetPushToken(ctx, token); err != nil {
		return fmt.Errorf("storing push token: %w", err)
	}

	var errs []error
	for _, r := range u.registrars {
		if err := r.RegisterPushToken(ctx, token); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		u.logger.Warn("push token registration failed", "error", err)
		return fmt.Errorf("registering push token: %w", err)
	}

	u.logger.Info("push token registered", "token", truncateToken(token))
	return nil
}

// truncateToken returns a short prefix of a token for logging.
func truncateToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}
