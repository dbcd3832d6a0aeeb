package sipua

import (
	"context"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/flowphone/internal/call"
)

// dialogState is the lifecycle state of a SIP dialog.
type dialogState int

const (
	dialogEarly dialogState = iota
	dialogAnswered
	dialogConfirmed
	dialogTerminated
)

func (s dialogState) String() string {
	switch s {
	case dialogEarly:
		return "early"
	case dialogAnswered:
		return "answered"
	case dialogConfirmed:
		return "confirmed"
	case dialogTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// dialog tracks one call's SIP state.
type dialog struct {
	callID  string
	inbound bool

	mu    sync.Mutex
	state dialogState
	seq   uint32
	muted bool

	// cancelReason is taken from the Reason header of a received CANCEL.
	cancelReason call.EndReason

	// invite is the INVITE that created the dialog. For inbound calls tx is
	// its server transaction and answer our 2xx.
	invite *sip.Request
	tx     sip.ServerTransaction
	answer *sip.Response
	offer  []byte

	// final is closed once a final response is sent on an inbound INVITE.
	final     chan struct{}
	finalOnce sync.Once

	// For outbound calls, response is the remote 2xx and stopDial ends the
	// response loop.
	response *sip.Response
	stopDial context.CancelFunc
}

func newInboundDialog(req *sip.Request, tx sip.ServerTransaction) *dialog {
	return &dialog{
		callID:  callIDOf(req),
		inbound: true,
		state:   dialogEarly,
		invite:  req,
		tx:      tx,
		offer:   req.Body(),
		final:   make(chan struct{}),
	}
}

func newOutboundDialog(callID string, req *sip.Request, stop context.CancelFunc) *dialog {
	return &dialog{
		callID:   callID,
		state:    dialogEarly,
		invite:   req,
		seq:      1,
		final:    make(chan struct{}),
		stopDial: stop,
	}
}

func (d *dialog) getState() dialogState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// setState moves to s unless the dialog already terminated. It reports
// whether the state changed.
func (d *dialog) setState(s dialogState) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == dialogTerminated || d.state == s {
		return false
	}
	d.state = s
	return true
}

// transition moves from one state to another, failing if the dialog is not
// in from.
func (d *dialog) transition(from, to dialogState) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != from {
		return false
	}
	d.state = to
	return true
}

// terminate marks the dialog terminated. Only the first call returns true.
func (d *dialog) terminate() bool {
	_, ok := d.close()
	return ok
}

// close marks the dialog terminated and returns the state it left.
func (d *dialog) close() (dialogState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.state
	if prev == dialogTerminated {
		return prev, false
	}
	d.state = dialogTerminated
	return prev, true
}

// nextSeq returns the CSeq number for the next in-dialog request we send.
func (d *dialog) nextSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	return d.seq
}

// syncSeq raises the local CSeq counter to at least n, so later in-dialog
// requests follow a re-sent INVITE.
func (d *dialog) syncSeq(n uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n > d.seq {
		d.seq = n
	}
}

// finalize marks that the inbound INVITE has its final response. Only the
// first call returns true.
func (d *dialog) finalize() bool {
	first := false
	d.finalOnce.Do(func() {
		first = true
		close(d.final)
	})
	return first
}

func (d *dialog) setCancelReason(r call.EndReason) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelReason = r
}

// canceledBy returns the reason recorded from a CANCEL, or
// EndReasonCanceled when none was given.
func (d *dialog) canceledBy() call.EndReason {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancelReason == "" {
		return call.EndReasonCanceled
	}
	return d.cancelReason
}

func (d *dialog) setMuted(m bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.muted = m
}

// currentInvite returns the last INVITE sent or received. Outbound calls
// replace it when answering a digest challenge.
func (d *dialog) currentInvite() *sip.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.invite
}

func (d *dialog) setInvite(req *sip.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invite = req
}

func (d *dialog) setAnswer(res *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.answer = res
}

func (d *dialog) getAnswer() *sip.Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.answer
}

func (d *dialog) setResponse(res *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.response = res
}

func (d *dialog) getResponse() *sip.Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.response
}
