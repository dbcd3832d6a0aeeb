package sipua

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/flowphone/internal/call"
)

// cancelHook is implemented by server transactions that absorb a matching
// CANCEL in the transaction layer.
type cancelHook interface {
	OnCancel(f sip.FnTxCancel) bool
}

// handleInvite reports a new inbound call to the listener and holds the
// INVITE transaction until the call is answered, rejected or canceled.
func (a *Agent) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if callID == "" {
		a.respond(req, tx, 400, "Missing Call-ID")
		return
	}

	if existing := a.lookup(callID); existing != nil {
		// Re-INVITEs for hold or codec changes are not supported.
		a.respond(req, tx, 488, "Not Acceptable Here")
		return
	}

	a.respond(req, tx, 100, "Trying")

	d := newInboundDialog(req, tx)
	if !a.addDialog(d) {
		a.respond(req, tx, 482, "Loop Detected")
		return
	}
	// The call is resolvable from here on, whatever the UI makes of it.
	a.invites.Notify(callID)

	if h, ok := tx.(cancelHook); ok {
		h.OnCancel(func(r *sip.Request) {
			d.setCancelReason(cancelReason(r))
		})
	}

	in := IncomingCall{
		CallID: callID,
		From:   partyFrom(req),
		Video:  a.cfg.Video && offerHasVideo(req.Body()),
	}

	logger := a.logger.With("call_id", callID)
	logger.Info("incoming call", "from", in.From.Handle, "video", in.Video)

	ctx, cancel := context.WithTimeout(context.Background(), incomingReportTimeout)
	err := a.listener.OnIncoming(ctx, in)
	cancel()

	if err != nil {
		logger.Warn("incoming call rejected", "error", err)
		d.finalize()
		d.terminate()
		a.removeDialog(d)
		a.respond(req, tx, 486, "Busy Here")
		return
	}

	a.respond(req, tx, 180, "Ringing")

	select {
	case <-d.final:
	case <-tx.Done():
		if d.finalize() {
			reason := d.canceledBy()
			logger.Info("incoming call canceled", "reason", reason)
			a.ended(d, reason)
		}
	}
}

// handleCancel handles a CANCEL that reached the application layer.
func (a *Agent) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	d := a.lookup(callIDOf(req))
	if d == nil || !d.inbound {
		a.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	a.respond(req, tx, 200, "OK")

	reason := cancelReason(req)
	d.setCancelReason(reason)
	if !d.finalize() {
		return
	}
	terminated := sip.NewResponseFromRequest(d.invite, 487, "Request Terminated", nil)
	if err := d.tx.Respond(terminated); err != nil {
		a.logger.Debug("failed to send 487 on cancel", "call_id", d.callID, "error", err)
	}
	a.logger.Info("incoming call canceled", "call_id", d.callID, "reason", reason)
	a.ended(d, reason)
}

func (a *Agent) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	d := a.lookup(callIDOf(req))
	if d == nil {
		a.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	a.respond(req, tx, 200, "OK")
	if d.stopDial != nil {
		d.stopDial()
	}
	a.logger.Info("call ended by remote", "call_id", d.callID)
	a.ended(d, call.EndReasonCompleted)
}

// handleAck confirms an answered inbound dialog. Media is considered
// connected from this point.
func (a *Agent) handleAck(req *sip.Request, _ sip.ServerTransaction) {
	d := a.lookup(callIDOf(req))
	if d == nil || !d.inbound {
		return
	}
	if d.transition(dialogAnswered, dialogConfirmed) {
		a.logger.Debug("dialog confirmed", "call_id", d.callID)
		a.listener.OnConnected(d.callID, time.Now())
	}
}

func (a *Agent) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Debug("failed to send response",
			"call_id", callIDOf(req),
			"status", code,
			"error", err,
		)
	}
}

func partyFrom(req *sip.Request) call.Party {
	from := req.From()
	if from == nil {
		return call.Party{}
	}
	return call.Party{
		Handle:      from.Address.User,
		DisplayName: strings.Trim(from.DisplayName, `"`),
	}
}

// cancelReason maps an RFC 3326 Reason header on a CANCEL to an end reason.
// Cause 200 means another device answered, 603 that it was declined.
func cancelReason(req *sip.Request) call.EndReason {
	h := req.GetHeader("Reason")
	if h == nil {
		return call.EndReasonCanceled
	}
	switch reasonCause(h.Value()) {
	case 200:
		return call.EndReasonOtherDeviceAccepted
	case 603:
		return call.EndReasonDeclined
	default:
		return call.EndReasonCanceled
	}
}

// reasonCause extracts the cause parameter of a SIP Reason header value
// such as SIP ;cause=200 ;text="Call completed elsewhere".
func reasonCause(value string) int {
	for _, part := range strings.Split(value, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "cause") {
			continue
		}
		cause, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0
		}
		return cause
	}
	return 0
}
