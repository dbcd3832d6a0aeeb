package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/flowphone/internal/auth"
	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/database"
	"github.com/flowpbx/flowphone/internal/database/models"
	"github.com/flowpbx/flowphone/internal/push"
	"github.com/flowpbx/flowphone/internal/telephony"
	"github.com/flowpbx/flowphone/internal/uiws"
	"github.com/google/uuid"
)

type fakeIntake struct {
	outcome push.Outcome
	got     []byte
}

func (f *fakeIntake) Handle(ctx context.Context, raw []byte, completion func()) push.Outcome {
	f.got = raw
	if f.outcome != push.OutcomeIgnored {
		completion()
	}
	return f.outcome
}

type fakeTokens struct {
	err   error
	token string
}

func (f *fakeTokens) Update(ctx context.Context, token string) error {
	f.token = token
	return f.err
}

type fakeAuth struct {
	id       auth.Identity
	signedIn bool
	err      error
	creds    auth.Credentials
}

func (f *fakeAuth) SignIn(ctx context.Context, creds auth.Credentials) (auth.Identity, error) {
	f.creds = creds
	if f.err != nil {
		return auth.Identity{}, f.err
	}
	f.signedIn = true
	return f.id, nil
}

func (f *fakeAuth) SignOut(ctx context.Context) error {
	f.signedIn = false
	return nil
}

func (f *fakeAuth) Current() (auth.Identity, bool) {
	return f.id, f.signedIn
}

type fakeCalls struct {
	live    []call.Snapshot
	dialErr error
	endErr  error
	ended   uuid.UUID
}

func (f *fakeCalls) Dial(ctx context.Context, handle string, video bool) (call.Snapshot, error) {
	if f.dialErr != nil {
		return call.Snapshot{}, f.dialErr
	}
	media := call.MediaAudio
	if video {
		media = call.MediaVideo
	}
	return call.Snapshot{
		TransportID: uuid.New(),
		Role:        call.RoleCaller,
		Media:       media,
		Remote:      call.Party{Handle: handle},
	}, nil
}

func (f *fakeCalls) End(ctx context.Context, id uuid.UUID) error {
	f.ended = id
	return f.endErr
}

func (f *fakeCalls) Get(id uuid.UUID) (call.Snapshot, error) {
	for _, s := range f.live {
		if s.TransportID == id {
			return s, nil
		}
	}
	return call.Snapshot{}, call.ErrSessionNotFound
}

func (f *fakeCalls) Live() []call.Snapshot { return f.live }

type fakeHistory struct {
	entries []models.CallLog
	filter  database.CallLogFilter
}

func (f *fakeHistory) List(ctx context.Context, filter database.CallLogFilter) ([]models.CallLog, int, error) {
	f.filter = filter
	return f.entries, len(f.entries), nil
}

type fixture struct {
	intake  *fakeIntake
	tokens  *fakeTokens
	auth    *fakeAuth
	calls   *fakeCalls
	history *fakeHistory
}

func newTestServer(t *testing.T, opts Options) (*Server, *fixture) {
	t.Helper()
	f := &fixture{
		intake:  &fakeIntake{outcome: push.OutcomeResolved},
		tokens:  &fakeTokens{},
		auth:    &fakeAuth{id: auth.Identity{UserID: "alice", Extension: "1001", DisplayName: "Alice"}},
		calls:   &fakeCalls{},
		history: &fakeHistory{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(Deps{
		Push:        f.intake,
		Tokens:      f.tokens,
		Auth:        f.auth,
		Calls:       f.calls,
		History:     f.history,
		Registered:  func() bool { return true },
		UIConnected: func() bool { return false },
	}, opts, logger)
	t.Cleanup(s.Close)
	return s, f
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: decode response %q: %v", method, path, w.Body.String(), err)
	}
	return w, env
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, Options{APIToken: "secret"})
	w, _ := do(t, s, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestTokenRequired(t *testing.T) {
	s, _ := newTestServer(t, Options{APIToken: "secret"})

	w, _ := do(t, s, http.MethodGet, "/v1/status", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with token = %d, want 200", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	s, f := newTestServer(t, Options{StartTime: time.Now().Add(-90 * time.Second)})
	f.auth.signedIn = true
	f.calls.live = []call.Snapshot{{TransportID: uuid.New()}}

	w, env := do(t, s, http.MethodGet, "/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	data := env.Data.(map[string]any)
	if data["sip_registered"] != true || data["ui_connected"] != false {
		t.Errorf("flags = %v/%v", data["sip_registered"], data["ui_connected"])
	}
	if data["active_calls"] != float64(1) {
		t.Errorf("active_calls = %v, want 1", data["active_calls"])
	}
	id, ok := data["identity"].(map[string]any)
	if !ok || id["user_id"] != "alice" {
		t.Errorf("identity = %v", data["identity"])
	}
	uptime := data["uptime"].(map[string]any)
	if uptime["uptime_text"] != "1m 30s" {
		t.Errorf("uptime_text = %v, want 1m 30s", uptime["uptime_text"])
	}
}

func TestPush(t *testing.T) {
	s, f := newTestServer(t, Options{})

	w, env := do(t, s, http.MethodPost, "/v1/push", `{"flowpbx":{"call_id":"abc"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	data := env.Data.(map[string]any)
	if data["outcome"] != "resolved" || data["completed"] != true {
		t.Errorf("response = %v", data)
	}
	if !strings.Contains(string(f.intake.got), "abc") {
		t.Errorf("intake got %q", f.intake.got)
	}

	f.intake.outcome = push.OutcomeIgnored
	_, env = do(t, s, http.MethodPost, "/v1/push", `{"aps":{}}`)
	data = env.Data.(map[string]any)
	if data["outcome"] != "ignored" || data["completed"] != false {
		t.Errorf("ignored response = %v", data)
	}
}

func TestPushRejectsEmptyAndOversized(t *testing.T) {
	s, _ := newTestServer(t, Options{})

	w, _ := do(t, s, http.MethodPost, "/v1/push", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty status = %d, want 400", w.Code)
	}

	big := `{"pad":"` + strings.Repeat("x", maxPushPayloadSize) + `"}`
	w, _ = do(t, s, http.MethodPost, "/v1/push", big)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized status = %d, want 413", w.Code)
	}
}

func TestPushToken(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"registered", nil, http.StatusOK},
		{"invalid", push.ErrInvalidToken, http.StatusBadRequest},
		{"registration failed", errors.New("pbx unreachable"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, f := newTestServer(t, Options{})
			f.tokens.err = tt.err
			w, _ := do(t, s, http.MethodPost, "/v1/push-token", `{"token":"abcd"}`)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if f.tokens.token != "abcd" {
				t.Errorf("token = %q, want abcd", f.tokens.token)
			}
		})
	}
}

func TestSignIn(t *testing.T) {
	s, f := newTestServer(t, Options{})

	body := `{"app_id":"https://pbx.example.com/","user_id":" alice ","password":"pw","push_token":"tok"}`
	w, env := do(t, s, http.MethodPost, "/v1/auth/sign-in", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, env.Error)
	}
	if f.auth.creds.UserID != "alice" || f.auth.creds.AppID != "https://pbx.example.com" {
		t.Errorf("creds = %+v", f.auth.creds)
	}
	if f.auth.creds.SIPPassword != "pw" || f.auth.creds.PushToken != "tok" {
		t.Errorf("creds secrets not passed through: %+v", f.auth.creds)
	}
	data := env.Data.(map[string]any)
	if data["extension"] != "1001" {
		t.Errorf("extension = %v, want 1001", data["extension"])
	}
	if _, leaked := data["access_token"]; leaked {
		t.Error("access token leaked in response")
	}
}

func TestSignInFailureMessage(t *testing.T) {
	s, f := newTestServer(t, Options{})
	f.auth.err = &auth.SignInError{Message: "Invalid user or password.", Err: errors.New("401")}

	w, env := do(t, s, http.MethodPost, "/v1/auth/sign-in", `{"user_id":"alice","password":"bad"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if env.Error != "Invalid user or password." {
		t.Errorf("error = %q", env.Error)
	}
}

func TestSignInValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing user", `{"password":"pw"}`},
		{"bad user chars", `{"user_id":"al ice"}`},
		{"bad app id", `{"user_id":"alice","app_id":"ftp://pbx"}`},
		{"unknown field", `{"user_id":"alice","role":"admin"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, Options{})
			w, _ := do(t, s, http.MethodPost, "/v1/auth/sign-in", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestMeAndSignOut(t *testing.T) {
	s, f := newTestServer(t, Options{})

	w, _ := do(t, s, http.MethodGet, "/v1/auth/me", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("me before sign-in = %d, want 401", w.Code)
	}

	f.auth.signedIn = true
	w, _ = do(t, s, http.MethodGet, "/v1/auth/me", "")
	if w.Code != http.StatusOK {
		t.Fatalf("me = %d, want 200", w.Code)
	}

	w, _ = do(t, s, http.MethodPost, "/v1/auth/sign-out", "")
	if w.Code != http.StatusOK || f.auth.signedIn {
		t.Fatalf("sign-out = %d, signed in %v", w.Code, f.auth.signedIn)
	}
}

func TestDial(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"started", `{"handle":"+15551234","video":true}`, nil, http.StatusCreated},
		{"missing handle", `{"video":true}`, nil, http.StatusBadRequest},
		{"rejected", `{"handle":"1002"}`, telephony.ErrTransactionRejected, http.StatusConflict},
		{"no ui", `{"handle":"1002"}`, fmt.Errorf("%w: %w", telephony.ErrTransactionRejected, uiws.ErrNoUI), http.StatusServiceUnavailable},
		{"dial error", `{"handle":"1002"}`, errors.New("creating outbound call"), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, f := newTestServer(t, Options{})
			f.calls.dialErr = tt.err
			w, env := do(t, s, http.MethodPost, "/v1/calls", tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, env.Error)
			}
			if tt.want == http.StatusCreated {
				data := env.Data.(map[string]any)
				if data["media"] != string(call.MediaVideo) || data["role"] != "caller" {
					t.Errorf("snapshot = %v", data)
				}
			}
		})
	}
}

func TestGetAndListCalls(t *testing.T) {
	s, f := newTestServer(t, Options{})

	w, env := do(t, s, http.MethodGet, "/v1/calls", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	if items, ok := env.Data.([]any); !ok || len(items) != 0 {
		t.Fatalf("empty list = %#v, want []", env.Data)
	}

	id := uuid.New()
	f.calls.live = []call.Snapshot{{TransportID: id, Status: call.StatusRinging}}

	w, env = do(t, s, http.MethodGet, "/v1/calls/"+id.String(), "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if env.Data.(map[string]any)["transport_id"] != id.String() {
		t.Errorf("transport_id = %v", env.Data)
	}

	w, _ = do(t, s, http.MethodGet, "/v1/calls/"+uuid.NewString(), "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown status = %d, want 404", w.Code)
	}
	w, _ = do(t, s, http.MethodGet, "/v1/calls/not-a-uuid", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", w.Code)
	}
}

func TestEndCall(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"accepted", nil, http.StatusAccepted},
		{"unknown", call.ErrSessionNotFound, http.StatusNotFound},
		{"rejected", telephony.ErrTransactionRejected, http.StatusConflict},
		{"ui gone", fmt.Errorf("%w: %w", telephony.ErrTransactionRejected, uiws.ErrDisconnected), http.StatusServiceUnavailable},
		{"failed", errors.New("bridge closed"), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, f := newTestServer(t, Options{})
			f.calls.endErr = tt.err
			id := uuid.New()
			w, _ := do(t, s, http.MethodPost, "/v1/calls/"+id.String()+"/end", "")
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if f.calls.ended != id {
				t.Errorf("ended %s, want %s", f.calls.ended, id)
			}
		})
	}
}

func TestCallHistory(t *testing.T) {
	s, f := newTestServer(t, Options{})
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	connected := started.Add(5 * time.Second)
	f.history.entries = []models.CallLog{{
		ID:           1,
		CallID:       "abc",
		Role:         "callee",
		Media:        "audio",
		RemoteHandle: "1002",
		StartedAt:    started,
		ConnectedAt:  &connected,
		EndedAt:      connected.Add(time.Minute),
		Duration:     60,
		EndReason:    "remote_ended",
		Category:     "remote_ended",
	}}

	w, env := do(t, s, http.MethodGet, "/v1/calls/history?role=callee&search=100&limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", w.Code, env.Error)
	}
	if f.history.filter.Role != "callee" || f.history.filter.Search != "100" || f.history.filter.Limit != 5 {
		t.Errorf("filter = %+v", f.history.filter)
	}

	page := env.Data.(map[string]any)
	if page["total"] != float64(1) {
		t.Errorf("total = %v, want 1", page["total"])
	}
	item := page["items"].([]any)[0].(map[string]any)
	if item["started_at"] != "2026-03-01T09:00:00Z" || item["connected_at"] != "2026-03-01T09:00:05Z" {
		t.Errorf("times = %v / %v", item["started_at"], item["connected_at"])
	}

	w, _ = do(t, s, http.MethodGet, "/v1/calls/history?role=admin", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad role status = %d, want 400", w.Code)
	}
}

func TestNotFoundIsJSON(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	w, env := do(t, s, http.MethodGet, "/v1/nope", "")
	if w.Code != http.StatusNotFound || env.Error != "not found" {
		t.Fatalf("got %d %q", w.Code, env.Error)
	}
}
