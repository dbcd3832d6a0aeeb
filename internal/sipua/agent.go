// Package sipua is the SIP user agent behind the call core. It registers the
// device with the PBX, receives and places calls, and reports call events to
// a Listener.
package sipua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/flowphone/internal/auth"
	"github.com/flowpbx/flowphone/internal/call"
)

// incomingReportTimeout bounds how long an INVITE waits for the telephony UI
// to accept the call registration.
const incomingReportTimeout = 5 * time.Second

var errNoDialog = errors.New("no sip dialog for call")

// Config holds SIP agent settings.
type Config struct {
	// Server is the PBX registrar as host[:port].
	Server string

	// Domain is the SIP domain of the account. Defaults to the server host.
	Domain string

	// Transport is udp or tcp.
	Transport string

	// ListenAddr is the local address to receive requests on.
	ListenAddr string

	// ContactHost is the address advertised in Contact and SDP. Defaults to
	// the listen host.
	ContactHost string

	// Expiry is the requested registration lifetime in seconds.
	Expiry int

	// RingTimeout bounds outbound calls that are never answered.
	RingTimeout time.Duration

	// Video allows video calls to be offered and answered.
	Video bool

	// PushProvider and PushParam are the RFC 8599 pn-provider and pn-param
	// advertised with the push token.
	PushProvider string
	PushParam    string
}

// CredentialSource supplies the SIP account credentials.
type CredentialSource interface {
	LoadCredentials(ctx context.Context) (auth.Credentials, error)
}

// IncomingCall describes a received INVITE.
type IncomingCall struct {
	CallID string
	From   call.Party
	Video  bool
}

// Listener receives call events. Methods may be called from any goroutine.
type Listener interface {
	OnIncoming(ctx context.Context, in IncomingCall) error
	OnConnected(callID string, at time.Time)
	OnEnded(callID string, reason call.EndReason, at time.Time)
}

// Agent is the SIP user agent.
type Agent struct {
	cfg      Config
	creds    CredentialSource
	listener Listener
	logger   *slog.Logger

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	mu        sync.Mutex
	dialogs   map[string]*dialog
	pushToken string

	invites    *inviteNotifier
	refresh    chan struct{}
	registered atomic.Bool
	audio      atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a SIP agent. SetListener must be called before Start.
func New(cfg Config, creds CredentialSource, logger *slog.Logger) (*Agent, error) {
	logger = logger.With("subsystem", "sipua")

	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 600
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 60 * time.Second
	}
	if cfg.Domain == "" {
		cfg.Domain = hostOnly(cfg.Server)
	}
	if cfg.ContactHost == "" {
		cfg.ContactHost = hostOnly(cfg.ListenAddr)
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("FlowPhone"),
		sipgo.WithUserAgentHostname(cfg.ContactHost),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(logger))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	a := &Agent{
		cfg:     cfg,
		creds:   creds,
		logger:  logger,
		ua:      ua,
		srv:     srv,
		client:  client,
		dialogs: make(map[string]*dialog),
		invites: newInviteNotifier(),
		refresh: make(chan struct{}, 1),
	}

	srv.OnInvite(a.handleInvite)
	srv.OnCancel(a.handleCancel)
	srv.OnBye(a.handleBye)
	srv.OnAck(a.handleAck)
	srv.OnOptions(a.handleOptions)
	return a, nil
}

// SetListener installs the call event listener.
func (a *Agent) SetListener(l Listener) {
	a.listener = l
}

// Start begins listening and registering. It returns once the listener
// goroutines are running.
func (a *Agent) Start(ctx context.Context) error {
	if a.listener == nil {
		return errors.New("sipua: listener not set")
	}
	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("sip listener starting", "transport", a.cfg.Transport, "addr", a.cfg.ListenAddr)
		if err := a.srv.ListenAndServe(ctx, a.cfg.Transport, a.cfg.ListenAddr); err != nil && ctx.Err() == nil {
			a.logger.Error("sip listener stopped", "error", err)
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.registrationLoop(ctx)
	}()

	return nil
}

// Stop ends every dialog, unregisters and shuts the stack down.
func (a *Agent) Stop() {
	a.logger.Info("stopping sip agent")

	a.mu.Lock()
	dialogs := make([]*dialog, 0, len(a.dialogs))
	for _, d := range a.dialogs {
		dialogs = append(dialogs, d)
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, d := range dialogs {
		a.terminate(ctx, d, call.EndReasonCompleted)
	}
	if a.registered.Load() {
		if _, err := a.sendRegister(ctx, 0); err != nil {
			a.logger.Warn("unregister failed", "error", err)
		}
	}

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.client.Close()
	a.srv.Close()
	a.ua.Close()
	a.logger.Info("sip agent stopped")
}

// Registered reports whether the last REGISTER succeeded.
func (a *Agent) Registered() bool {
	return a.registered.Load()
}

// ActiveDialogs returns the number of dialogs in progress.
func (a *Agent) ActiveDialogs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.dialogs)
}

func (a *Agent) addDialog(d *dialog) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.dialogs[d.callID]; ok {
		return false
	}
	a.dialogs[d.callID] = d
	return true
}

func (a *Agent) lookup(callID string) *dialog {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dialogs[callID]
}

func (a *Agent) removeDialog(d *dialog) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.dialogs[d.callID]; ok && cur == d {
		delete(a.dialogs, d.callID)
	}
}

// ended removes the dialog and reports the end once.
func (a *Agent) ended(d *dialog, reason call.EndReason) {
	if !d.terminate() {
		return
	}
	a.removeDialog(d)
	a.listener.OnEnded(d.callID, reason, time.Now())
}

func (a *Agent) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		a.logger.Debug("failed to respond to options", "error", err)
	}
}

func (a *Agent) contactPort() int {
	_, port, err := net.SplitHostPort(a.cfg.ListenAddr)
	if err != nil {
		return 5060
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return 5060
	}
	return p
}

// hostOnly strips a port from host[:port].
func hostOnly(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}
