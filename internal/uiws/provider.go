// Package uiws connects the telephony bridge to the native telephony UI over
// a websocket. The UI process holds one connection; reports and transaction
// requests flow out, user actions and acknowledgements flow back.
package uiws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/telephony"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

var (
	// ErrNoUI is returned when no UI is connected to receive a report.
	ErrNoUI = errors.New("telephony ui not connected")

	// ErrDisconnected fails reports whose UI went away before acknowledging.
	ErrDisconnected = errors.New("telephony ui disconnected")

	// ErrAckTimeout fails reports the UI did not acknowledge in time.
	ErrAckTimeout = errors.New("telephony ui did not acknowledge")

	errSendBufferFull = errors.New("telephony ui send buffer full")
)

// Handler receives events raised by the UI.
type Handler interface {
	Perform(ctx context.Context, a *telephony.Action)
	Reset(ctx context.Context)
	AudioActivated()
	AudioDeactivated()
}

type pendingAck struct {
	client *client
	done   func(error)
	timer  *time.Timer
}

// Provider implements telephony.Provider over a websocket and serves the
// UI endpoint.
type Provider struct {
	ackTimeout time.Duration
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handler Handler
	active  *client
	seq     uint64
	pending map[uint64]*pendingAck
}

// NewProvider creates a provider. ackTimeout bounds how long a report waits
// for the UI's acknowledgement.
func NewProvider(ackTimeout time.Duration, logger *slog.Logger) *Provider {
	if ackTimeout <= 0 {
		ackTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		ackTimeout: ackTimeout,
		logger:     logger.With("subsystem", "uiws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The UI runs on the same device and connects over loopback.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uint64]*pendingAck),
	}
}

// SetHandler installs the receiver of UI events. It must be called before
// the endpoint is served.
func (p *Provider) SetHandler(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// Connected reports whether a UI is attached.
func (p *Provider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active != nil
}

// Close disconnects the UI and fails outstanding reports.
func (p *Provider) Close() {
	p.cancel()
	p.mu.Lock()
	c := p.active
	p.active = nil
	p.mu.Unlock()
	if c != nil {
		c.close()
		p.failPending(c, ErrDisconnected)
	}
}

// ReportNewIncomingCall asks the UI to show an incoming call. done receives
// the UI's acceptance or refusal.
func (p *Provider) ReportNewIncomingCall(id uuid.UUID, u telephony.Update, done func(error)) {
	p.sendWithAck(Message{
		Type:        TypeReportIncoming,
		TransportID: id,
		Update:      &u,
	}, done)
}

// ReportCallEnded tells the UI a call ended.
func (p *Provider) ReportCallEnded(id uuid.UUID, at time.Time, category call.Category) {
	p.notify(Message{
		Type:        TypeReportEnded,
		TransportID: id,
		At:          at,
		Category:    category,
	})
}

// ReportOutgoingStartedConnecting tells the UI an outbound call is
// connecting.
func (p *Provider) ReportOutgoingStartedConnecting(id uuid.UUID, at time.Time) {
	p.notify(Message{Type: TypeReportConnecting, TransportID: id, At: at})
}

// ReportOutgoingConnected tells the UI an outbound call connected.
func (p *Provider) ReportOutgoingConnected(id uuid.UUID, at time.Time) {
	p.notify(Message{Type: TypeReportConnected, TransportID: id, At: at})
}

// RequestTransaction asks the UI to perform a start or end. The UI answers
// with an ack and later performs the matching action.
func (p *Provider) RequestTransaction(t telephony.Transaction, done func(error)) {
	p.sendWithAck(Message{
		Type:        TypeTransaction,
		TransportID: t.TransportID,
		Transaction: &t,
	}, done)
}

func (p *Provider) sendWithAck(msg Message, done func(error)) {
	p.mu.Lock()
	c := p.active
	if c == nil {
		p.mu.Unlock()
		done(ErrNoUI)
		return
	}
	p.seq++
	seq := p.seq
	msg.Seq = seq
	pa := &pendingAck{client: c, done: done}
	pa.timer = time.AfterFunc(p.ackTimeout, func() {
		p.resolve(seq, ErrAckTimeout)
	})
	p.pending[seq] = pa
	p.mu.Unlock()

	if err := c.enqueue(msg); err != nil {
		p.resolve(seq, err)
	}
}

func (p *Provider) notify(msg Message) {
	p.mu.Lock()
	c := p.active
	p.mu.Unlock()
	if c == nil {
		p.logger.Debug("dropping report, no ui connected", "type", msg.Type, "transport_id", msg.TransportID)
		return
	}
	if err := c.enqueue(msg); err != nil {
		p.logger.Warn("failed to send report", "type", msg.Type, "transport_id", msg.TransportID, "error", err)
	}
}

// resolve completes a pending ack once.
func (p *Provider) resolve(seq uint64, err error) {
	p.mu.Lock()
	pa, ok := p.pending[seq]
	delete(p.pending, seq)
	p.mu.Unlock()
	if !ok {
		return
	}
	pa.timer.Stop()
	pa.done(err)
}

func (p *Provider) failPending(c *client, err error) {
	p.mu.Lock()
	var failed []*pendingAck
	for seq, pa := range p.pending {
		if pa.client == c {
			failed = append(failed, pa)
			delete(p.pending, seq)
		}
	}
	p.mu.Unlock()

	for _, pa := range failed {
		pa.timer.Stop()
		pa.done(err)
	}
}

// ServeHTTP upgrades the request and serves the UI until it disconnects. A
// new connection replaces the previous one.
func (p *Provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn)

	p.mu.Lock()
	prev := p.active
	p.active = c
	p.mu.Unlock()
	if prev != nil {
		p.logger.Info("telephony ui replaced")
		prev.close()
		p.failPending(prev, ErrDisconnected)
	}

	p.logger.Info("telephony ui connected", "remote", r.RemoteAddr)

	go c.writePump(p.logger)
	p.readPump(c)

	p.mu.Lock()
	stillActive := p.active == c
	if stillActive {
		p.active = nil
	}
	h := p.handler
	p.mu.Unlock()

	c.close()
	p.failPending(c, ErrDisconnected)

	if stillActive {
		p.logger.Warn("telephony ui disconnected")
		// Calls cannot be controlled without a UI.
		if h != nil && p.ctx.Err() == nil {
			h.Reset(p.ctx)
		}
	}
}

func (p *Provider) readPump(c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Warn("telephony ui read error", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.Warn("invalid ui message", "error", err)
			continue
		}
		p.dispatch(c, msg)
	}
}

func (p *Provider) dispatch(c *client, msg Message) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()

	switch msg.Type {
	case TypeAck:
		var err error
		if msg.Error != "" {
			err = errors.New(msg.Error)
		}
		p.resolve(msg.Seq, err)

	case TypeAction:
		if msg.Action == nil || h == nil {
			p.sendResult(c, msg, errors.New("invalid action"))
			return
		}
		a := telephony.NewAction(msg.Action.Kind, msg.TransportID, func(err error) {
			p.sendResult(c, msg, err)
		})
		a.Handle = msg.Action.Handle
		a.Video = msg.Action.Video
		a.Muted = msg.Action.Muted
		go h.Perform(p.ctx, a)

	case TypeReset:
		if h != nil {
			go h.Reset(p.ctx)
		}

	case TypeAudioActivated:
		if h != nil {
			h.AudioActivated()
		}

	case TypeAudioDeactivated:
		if h != nil {
			h.AudioDeactivated()
		}

	default:
		p.logger.Debug("unknown ui message", "type", msg.Type)
	}
}

func (p *Provider) sendResult(c *client, req Message, err error) {
	res := Message{
		Type:        TypeActionResult,
		Seq:         req.Seq,
		TransportID: req.TransportID,
	}
	if err != nil {
		res.Error = err.Error()
	}
	if err := c.enqueue(res); err != nil {
		p.logger.Debug("failed to send action result", "transport_id", req.TransportID, "error", err)
	}
}
