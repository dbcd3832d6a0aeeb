// Package pbxapi is the HTTP client for the FlowPBX mobile app API. It signs
// the device in and keeps the PBX informed of the device's push token.
package pbxapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flowpbx/flowphone/internal/auth"
	"github.com/golang-jwt/jwt/v4"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 64 * 1024

// ErrNotSignedIn is returned by calls that need an access token before one
// has been obtained.
var ErrNotSignedIn = errors.New("pbxapi: not signed in")

// Claims are the app token claims issued by the PBX.
type Claims struct {
	ExtensionID int64  `json:"ext_id"`
	Extension   string `json:"ext"`
	jwt.RegisteredClaims
}

// authRequest is the body of POST /api/v1/app/auth.
type authRequest struct {
	Extension    string `json:"extension"`
	SIPPassword  string `json:"sip_password"`
	PushToken    string `json:"push_token,omitempty"`
	PushPlatform string `json:"push_platform,omitempty"`
}

// authResponse is the data of a successful auth.
type authResponse struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
	ExtensionID int64     `json:"extension_id"`
	Extension   string    `json:"extension"`
	Name        string    `json:"name"`
}

// meResponse is the data of GET /api/v1/app/me.
type meResponse struct {
	ID        int64  `json:"id"`
	Extension string `json:"extension"`
	Name      string `json:"name"`
}

type pushTokenRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// envelope is the standard PBX response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("pbxapi: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("pbxapi: status %d", e.Status)
}

// Client talks to one PBX. It implements auth.Authenticator and
// push.TokenRegistrar.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	pushPlatform string
	logger       *slog.Logger

	mu      sync.Mutex
	session struct {
		baseURL string
		token   string
	}
}

// NewClient creates a client. baseURL is used for credentials that do not
// name their own PBX. pushPlatform is reported with push tokens, e.g. "apns".
func NewClient(baseURL, pushPlatform string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      strings.TrimRight(baseURL, "/"),
		pushPlatform: pushPlatform,
		logger:       logger.With("subsystem", "pbxapi"),
	}
}

// Authenticate verifies a stored access token, or exchanges the SIP
// password for a new one. A rejected token falls back to the password when
// one is available. Rejections wrap auth.ErrRejected.
func (c *Client) Authenticate(ctx context.Context, creds auth.Credentials) (auth.Identity, error) {
	base := c.baseFor(creds)

	if creds.AccessToken != "" {
		id, err := c.me(ctx, base, creds.AccessToken)
		if err == nil {
			id.UserID = creds.UserID
			c.signedIn(base, id.AccessToken)
			c.registerAfterAuth(ctx, base, id.AccessToken, creds.PushToken)
			return id, nil
		}
		if !errors.Is(err, auth.ErrRejected) || creds.SIPPassword == "" {
			return auth.Identity{}, err
		}
		c.logger.Debug("stored token rejected, exchanging password", "user_id", creds.UserID)
	}

	if creds.SIPPassword == "" {
		return auth.Identity{}, auth.ErrNoCredentials
	}

	id, err := c.exchange(ctx, base, creds)
	if err != nil {
		return auth.Identity{}, err
	}
	c.signedIn(base, id.AccessToken)
	return id, nil
}

// RegisterPushToken sends the push token to the PBX of the signed-in user.
func (c *Client) RegisterPushToken(ctx context.Context, token string) error {
	c.mu.Lock()
	base, access := c.session.baseURL, c.session.token
	c.mu.Unlock()

	if access == "" {
		return ErrNotSignedIn
	}
	return c.registerPushToken(ctx, base, access, token)
}

// SignOut forgets the current session.
func (c *Client) SignOut() {
	c.signedIn("", "")
}

func (c *Client) exchange(ctx context.Context, base string, creds auth.Credentials) (auth.Identity, error) {
	body := authRequest{
		Extension:   creds.UserID,
		SIPPassword: creds.SIPPassword,
		PushToken:   creds.PushToken,
	}
	if creds.PushToken != "" {
		body.PushPlatform = c.pushPlatform
	}

	var res authResponse
	if err := c.do(ctx, http.MethodPost, base+"/api/v1/app/auth", "", body, &res); err != nil {
		return auth.Identity{}, err
	}
	if res.Token == "" {
		return auth.Identity{}, errors.New("pbxapi: auth response missing token")
	}

	id := auth.Identity{
		UserID:      creds.UserID,
		Extension:   res.Extension,
		DisplayName: res.Name,
		AccessToken: res.Token,
		ExpiresAt:   res.ExpiresAt,
	}
	fillFromClaims(&id)

	c.logger.Info("signed in", "user_id", id.UserID, "extension", id.Extension)
	return id, nil
}

func (c *Client) me(ctx context.Context, base, token string) (auth.Identity, error) {
	var res meResponse
	if err := c.do(ctx, http.MethodGet, base+"/api/v1/app/me", token, nil, &res); err != nil {
		return auth.Identity{}, err
	}
	id := auth.Identity{
		Extension:   res.Extension,
		DisplayName: res.Name,
		AccessToken: token,
	}
	fillFromClaims(&id)
	return id, nil
}

func (c *Client) registerAfterAuth(ctx context.Context, base, access, pushToken string) {
	if pushToken == "" {
		return
	}
	if err := c.registerPushToken(ctx, base, access, pushToken); err != nil {
		c.logger.Warn("push token registration failed", "error", err)
	}
}

func (c *Client) registerPushToken(ctx context.Context, base, access, token string) error {
	body := pushTokenRequest{Token: token, Platform: c.pushPlatform}
	if err := c.do(ctx, http.MethodPost, base+"/api/v1/app/push-token", access, body, nil); err != nil {
		return fmt.Errorf("registering push token: %w", err)
	}
	c.logger.Debug("push token registered", "platform", c.pushPlatform)
	return nil
}

// do sends a JSON request and decodes the envelope data into out. A 401 or
// 403 wraps auth.ErrRejected.
func (c *Client) do(ctx context.Context, method, url, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("pbxapi: marshalling request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("pbxapi: creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pbxapi: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("pbxapi: reading response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(respBody, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Status: resp.StatusCode}
		if decodeErr == nil {
			serr.Message = env.Error
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: %w", auth.ErrRejected, serr)
		}
		return serr
	}

	if out == nil {
		return nil
	}
	if decodeErr != nil {
		return fmt.Errorf("pbxapi: decoding response: %w", decodeErr)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("pbxapi: decoding response data: %w", err)
	}
	return nil
}

func (c *Client) baseFor(creds auth.Credentials) string {
	if creds.AppID != "" {
		return strings.TrimRight(creds.AppID, "/")
	}
	return c.baseURL
}

func (c *Client) signedIn(base, token string) {
	c.mu.Lock()
	c.session.baseURL = base
	c.session.token = token
	c.mu.Unlock()
}

// fillFromClaims completes the identity from the token's claims. The PBX
// verifies the signature; the device only reads the claims.
func fillFromClaims(id *auth.Identity) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(id.AccessToken, claims); err != nil {
		return
	}
	if id.Extension == "" {
		id.Extension = claims.Extension
	}
	if id.Extension == "" && claims.ExtensionID != 0 {
		id.Extension = strconv.FormatInt(claims.ExtensionID, 10)
	}
	if id.ExpiresAt.IsZero() && claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
}
