package sipua

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/flowphone/internal/auth"
	"github.com/flowpbx/flowphone/internal/call"
)

// fakeServerTx records responses sent on a server transaction. Methods the
// handlers do not use fall through to the nil embedded interface.
type fakeServerTx struct {
	sip.ServerTransaction
	sent chan *sip.Response
	done chan struct{}
}

func newFakeServerTx() *fakeServerTx {
	return &fakeServerTx{
		sent: make(chan *sip.Response, 16),
		done: make(chan struct{}),
	}
}

func (tx *fakeServerTx) Respond(res *sip.Response) error {
	tx.sent <- res
	return nil
}

func (tx *fakeServerTx) Done() <-chan struct{} { return tx.done }

func (tx *fakeServerTx) OnCancel(sip.FnTxCancel) bool { return true }

// expect waits for the next response and checks its status code.
func (tx *fakeServerTx) expect(t *testing.T, code int) *sip.Response {
	t.Helper()
	select {
	case res := <-tx.sent:
		if int(res.StatusCode) != code {
			t.Fatalf("response status = %d, want %d", res.StatusCode, code)
		}
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("no %d response sent", code)
		return nil
	}
}

// fakeClientTx feeds canned responses to an outbound INVITE.
type fakeClientTx struct {
	sip.ClientTransaction
	responses chan *sip.Response
	done      chan struct{}
}

func newFakeClientTx(responses ...*sip.Response) *fakeClientTx {
	tx := &fakeClientTx{
		responses: make(chan *sip.Response, len(responses)),
		done:      make(chan struct{}),
	}
	for _, res := range responses {
		tx.responses <- res
	}
	return tx
}

func (tx *fakeClientTx) Responses() <-chan *sip.Response { return tx.responses }
func (tx *fakeClientTx) Done() <-chan struct{}           { return tx.done }
func (tx *fakeClientTx) Err() error                      { return errors.New("transport closed") }
func (tx *fakeClientTx) Terminate()                      {}

type endedEvent struct {
	callID string
	reason call.EndReason
}

type recordingListener struct {
	incoming  chan IncomingCall
	connected chan string
	ended     chan endedEvent

	// release, when set, holds OnIncoming until closed.
	release chan struct{}
	err     error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		incoming:  make(chan IncomingCall, 4),
		connected: make(chan string, 4),
		ended:     make(chan endedEvent, 4),
	}
}

func (l *recordingListener) OnIncoming(ctx context.Context, in IncomingCall) error {
	l.incoming <- in
	if l.release != nil {
		<-l.release
	}
	return l.err
}

func (l *recordingListener) OnConnected(callID string, _ time.Time) { l.connected <- callID }

func (l *recordingListener) OnEnded(callID string, reason call.EndReason, _ time.Time) {
	l.ended <- endedEvent{callID, reason}
}

func (l *recordingListener) expectEnded(t *testing.T, callID string, reason call.EndReason) {
	t.Helper()
	select {
	case ev := <-l.ended:
		if ev.callID != callID || ev.reason != reason {
			t.Fatalf("ended = %s/%s, want %s/%s", ev.callID, ev.reason, callID, reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("call %s not reported ended", callID)
	}
}

func (l *recordingListener) expectNotEnded(t *testing.T) {
	t.Helper()
	select {
	case ev := <-l.ended:
		t.Fatalf("unexpected end %s/%s", ev.callID, ev.reason)
	case <-time.After(50 * time.Millisecond):
	}
}

type staticCreds auth.Credentials

func (c staticCreds) LoadCredentials(context.Context) (auth.Credentials, error) {
	return auth.Credentials(c), nil
}

// newTestAgent returns an agent wired for handler tests. It has no sipgo
// stack, so only paths that answer on a server transaction or read a client
// transaction can run.
func newTestAgent(l Listener) *Agent {
	return &Agent{
		cfg: Config{
			Domain:      "pbx.example.com",
			Transport:   "udp",
			ListenAddr:  "0.0.0.0:5070",
			ContactHost: "10.0.0.5",
			Video:       true,
			RingTimeout: time.Second,
		},
		creds:    staticCreds{UserID: "100", SIPPassword: "secret"},
		listener: l,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		dialogs:  make(map[string]*dialog),
		invites:  newInviteNotifier(),
		refresh:  make(chan struct{}, 1),
	}
}

func testRequest(t *testing.T, method sip.RequestMethod, callID string) *sip.Request {
	t.Helper()
	var uri sip.Uri
	if err := sip.ParseUri("sip:100@10.0.0.5:5070", &uri); err != nil {
		t.Fatalf("parsing uri: %v", err)
	}
	req := sip.NewRequest(method, uri)

	from := &sip.FromHeader{
		DisplayName: `"Alice"`,
		Address:     sip.Uri{Scheme: "sip", User: "201", Host: "pbx.example.com"},
	}
	from.Params.Add("tag", "caller-tag")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "100", Host: "pbx.example.com"},
	})
	if callID != "" {
		cid := sip.CallIDHeader(callID)
		req.AppendHeader(&cid)
	}
	return req
}

func testInvite(t *testing.T, callID string, video bool) *sip.Request {
	t.Helper()
	req := testRequest(t, sip.INVITE, callID)
	offer, err := buildSDP("192.0.2.1", video)
	if err != nil {
		t.Fatalf("building offer: %v", err)
	}
	req.SetBody(offer)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	return req
}

// ringing delivers an INVITE and waits until the caller hears 180. The
// returned channel closes when handleInvite returns.
func ringing(t *testing.T, a *Agent, l *recordingListener, req *sip.Request, tx *fakeServerTx) <-chan struct{} {
	t.Helper()
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		a.handleInvite(req, tx)
	}()
	tx.expect(t, 100)
	select {
	case <-l.incoming:
	case <-time.After(2 * time.Second):
		t.Fatal("listener not told about the incoming call")
	}
	tx.expect(t, 180)
	return returned
}

func waitReturned(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("invite handler still holding the transaction")
	}
}
