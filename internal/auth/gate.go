package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const ensureKey = "ensure"

// maxEnsureRounds bounds how often EnsureAuthenticated restarts after its
// attempt was superseded by a sign-in or sign-out.
const maxEnsureRounds = 3

// errSuperseded marks an attempt whose result was discarded because a
// sign-in or sign-out happened while it ran.
var errSuperseded = errors.New("superseded by a newer sign-in or sign-out")

// Gate ensures an authenticated identity exists before a call action runs.
// Concurrent callers share one in-flight attempt and receive its outcome.
// At most one authentication attempt runs at a time; SignIn and SignOut
// invalidate any attempt already in flight.
type Gate struct {
	store   IdentityStore
	authn   Authenticator
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	group   singleflight.Group
	attempt chan struct{}

	// commit serializes applying an attempt's result against SignOut.
	commit sync.Mutex

	mu         sync.RWMutex
	identity   Identity
	generation uint64
	signingIn  int
	signInDone chan struct{}
}

// NewGate creates a gate. Each authentication attempt is bounded by timeout.
func NewGate(store IdentityStore, authn Authenticator, timeout time.Duration, logger *slog.Logger) *Gate {
	return &Gate{
		store:   store,
		authn:   authn,
		timeout: timeout,
		logger:  logger.With("subsystem", "auth"),
		now:     time.Now,
		attempt: make(chan struct{}, 1),
	}
}

// Current returns the established identity, if any.
func (g *Gate) Current() (Identity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.identity.Valid(g.now()) {
		return Identity{}, false
	}
	return g.identity, true
}

// EnsureAuthenticated returns the current identity, joining or starting an
// authentication attempt when there is none. The attempt itself is not
// cancelled when ctx is; other waiters may still need its result.
func (g *Gate) EnsureAuthenticated(ctx context.Context) (Identity, error) {
	var err error
	for range maxEnsureRounds {
		if id, ok := g.Current(); ok {
			return id, nil
		}

		ch := g.group.DoChan(ensureKey, func() (any, error) {
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
			defer cancel()

			if err := g.waitSignIns(actx); err != nil {
				return Identity{}, fmt.Errorf("%w: waiting for sign-in: %w", ErrAuthenticationFailed, err)
			}
			gen := g.currentGeneration()
			if err := g.acquire(actx); err != nil {
				return Identity{}, fmt.Errorf("%w: waiting for attempt in flight: %w", ErrAuthenticationFailed, err)
			}
			defer g.release()

			// A sign-in that held the slot may have established an identity.
			if id, ok := g.Current(); ok {
				return id, nil
			}

			creds, err := g.store.LoadCredentials(actx)
			if err != nil {
				return Identity{}, g.fail(actx, gen, fmt.Errorf("loading credentials: %w", err))
			}
			return g.authenticate(actx, gen, creds)
		})

		select {
		case res := <-ch:
			if res.Err == nil {
				return res.Val.(Identity), nil
			}
			err = res.Err
			if !errors.Is(err, errSuperseded) {
				return Identity{}, err
			}
			g.logger.Debug("authentication attempt superseded, retrying")
		case <-ctx.Done():
			return Identity{}, fmt.Errorf("%w: %w", ErrAuthenticationFailed, ctx.Err())
		}
	}
	return Identity{}, err
}

// SignIn authenticates with explicitly supplied credentials, replacing
// whatever was persisted. An attempt already in flight is superseded and
// SignIn runs once it has finished. Failures are returned as *SignInError.
func (g *Gate) SignIn(ctx context.Context, creds Credentials) (Identity, error) {
	gen := g.beginSignIn()
	defer g.endSignIn()

	if creds.PushToken == "" {
		if stored, err := g.store.LoadCredentials(ctx); err == nil {
			creds.PushToken = stored.PushToken
		}
	}

	actx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.acquire(actx); err != nil {
		return Identity{}, newSignInError(fmt.Errorf("%w: waiting for attempt in flight: %w", ErrAuthenticationFailed, err))
	}
	defer g.release()

	id, err := g.authenticate(actx, gen, creds)
	if err != nil {
		return Identity{}, newSignInError(err)
	}
	return id, nil
}

// SignOut drops the current identity and all persisted credentials. An
// attempt still in flight is discarded when it completes.
func (g *Gate) SignOut(ctx context.Context) error {
	g.commit.Lock()
	defer g.commit.Unlock()

	g.mu.Lock()
	g.generation++
	g.identity = Identity{}
	g.mu.Unlock()

	if err := g.store.Clear(ctx); err != nil {
		return fmt.Errorf("clearing credentials: %w", err)
	}
	g.logger.Info("signed out")
	return nil
}

func (g *Gate) authenticate(ctx context.Context, gen uint64, creds Credentials) (Identity, error) {
	if creds.UserID == "" {
		return Identity{}, g.fail(ctx, gen, ErrNoCredentials)
	}

	if exp, ok := tokenExpiry(creds.AccessToken); ok && !g.now().Before(exp) {
		if creds.SIPPassword == "" {
			return Identity{}, g.fail(ctx, gen, errors.New("access token expired"))
		}
		g.logger.Debug("access token expired, exchanging password", "user_id", creds.UserID)
		creds.AccessToken = ""
	}

	id, err := g.authn.Authenticate(ctx, creds)
	if err != nil {
		return Identity{}, g.fail(ctx, gen, err)
	}
	if id.AccessToken == "" {
		id.AccessToken = creds.AccessToken
	}
	if id.ExpiresAt.IsZero() {
		if exp, ok := tokenExpiry(id.AccessToken); ok {
			id.ExpiresAt = exp
		}
	}

	g.commit.Lock()
	defer g.commit.Unlock()

	if g.currentGeneration() != gen {
		g.logger.Info("discarding superseded authentication", "user_id", id.UserID)
		return Identity{}, fmt.Errorf("%w: %w", ErrAuthenticationFailed, errSuperseded)
	}

	creds.AccessToken = id.AccessToken
	creds.AutoSignIn = true
	if err := g.store.SaveUser(ctx, creds, id); err != nil {
		g.logger.Error("failed to persist user", "user_id", id.UserID, "error", err)
	}
	if err := g.store.SetAutoSignIn(ctx, true); err != nil {
		g.logger.Error("failed to persist auto sign-in", "error", err)
	}

	g.setIdentity(id)
	g.logger.Info("authenticated", "user_id", id.UserID, "extension", id.Extension)
	return id, nil
}

// fail clears the established identity and the persisted auto sign-in flag
// so a later launch does not retry with stale credentials. A superseded
// attempt leaves both alone.
func (g *Gate) fail(ctx context.Context, gen uint64, cause error) error {
	g.commit.Lock()
	defer g.commit.Unlock()

	if g.currentGeneration() != gen {
		g.logger.Debug("superseded authentication failed", "error", cause)
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, errSuperseded)
	}

	g.setIdentity(Identity{})
	if err := g.store.SetAutoSignIn(context.WithoutCancel(ctx), false); err != nil {
		g.logger.Error("failed to clear auto sign-in", "error", err)
	}
	g.logger.Warn("authentication failed", "error", cause)
	return fmt.Errorf("%w: %w", ErrAuthenticationFailed, cause)
}

func (g *Gate) acquire(ctx context.Context) error {
	select {
	case g.attempt <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gate) release() {
	<-g.attempt
}

func (g *Gate) currentGeneration() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.generation
}

// beginSignIn supersedes any attempt in flight and holds back new ensure
// attempts until endSignIn.
func (g *Gate) beginSignIn() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.generation++
	if g.signingIn == 0 {
		g.signInDone = make(chan struct{})
	}
	g.signingIn++
	return g.generation
}

func (g *Gate) endSignIn() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.signingIn--
	if g.signingIn == 0 {
		close(g.signInDone)
	}
}

// waitSignIns blocks until no explicit sign-in is pending.
func (g *Gate) waitSignIns(ctx context.Context) error {
	for {
		g.mu.RLock()
		n, done := g.signingIn, g.signInDone
		g.mu.RUnlock()
		if n == 0 {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Gate) setIdentity(id Identity) {
	g.mu.Lock()
	g.identity = id
	g.mu.Unlock()
}
