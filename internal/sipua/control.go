package sipua

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/push"
	"github.com/flowpbx/flowphone/internal/telephony"
)

var errVideoDisabled = errors.New("video calls are disabled")

// Accept answers a ringing inbound call with a 200 OK. The call connects
// when the caller's ACK arrives.
func (a *Agent) Accept(ctx context.Context, s *call.Session, opts telephony.AcceptOptions) error {
	d := a.lookup(s.CallID)
	if d == nil || !d.inbound {
		return fmt.Errorf("answering %s: %w", s.CallID, errNoDialog)
	}
	if st := d.getState(); st != dialogEarly {
		return fmt.Errorf("answering %s: dialog is %s", s.CallID, st)
	}

	creds, err := a.creds.LoadCredentials(ctx)
	if err != nil {
		return fmt.Errorf("loading sip credentials: %w", err)
	}

	video := opts.Video && a.cfg.Video && offerHasVideo(d.offer)
	answer, err := buildSDP(a.cfg.ContactHost, video)
	if err != nil {
		return err
	}

	res := sip.NewResponseFromRequest(d.invite, 200, "OK", answer)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Contact", a.dialogContact(creds.UserID)))
	if to := res.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", sip.GenerateTagN(16))
		}
	}

	if !d.finalize() {
		return fmt.Errorf("answering %s: call already canceled", s.CallID)
	}
	d.setAnswer(res)
	if !d.transition(dialogEarly, dialogAnswered) {
		// Hung up between finalize and here; the INVITE still needs a
		// final response.
		a.respond(d.invite, d.tx, 487, "Request Terminated")
		return fmt.Errorf("answering %s: call already ended", s.CallID)
	}

	if err := d.tx.Respond(res); err != nil {
		d.terminate()
		a.removeDialog(d)
		return fmt.Errorf("sending 200 ok: %w", err)
	}

	a.logger.Info("call answered", "call_id", s.CallID, "video", video)
	return nil
}

// End hangs up the dialog behind s. The session itself is finished by the
// caller, so the listener is not notified.
func (a *Agent) End(ctx context.Context, s *call.Session, reason call.EndReason) error {
	d := a.lookup(s.CallID)
	if d == nil {
		return nil
	}
	_, err := a.hangup(ctx, d, reason)
	return err
}

// terminate hangs up and reports the end to the listener.
func (a *Agent) terminate(ctx context.Context, d *dialog, reason call.EndReason) {
	ok, err := a.hangup(ctx, d, reason)
	if err != nil {
		a.logger.Warn("hangup failed", "call_id", d.callID, "error", err)
	}
	if ok {
		a.listener.OnEnded(d.callID, reason, time.Now())
	}
}

// hangup ends the dialog on the wire according to its state. It reports
// false when the dialog had already terminated.
func (a *Agent) hangup(ctx context.Context, d *dialog, reason call.EndReason) (bool, error) {
	prev, ok := d.close()
	if !ok {
		return false, nil
	}
	a.removeDialog(d)

	a.logger.Info("hanging up", "call_id", d.callID, "state", prev, "end_reason", reason)

	switch {
	case d.inbound && prev == dialogEarly:
		if !d.finalize() {
			return true, nil
		}
		code, text := 486, "Busy Here"
		if reason == call.EndReasonDeclined {
			code, text = 603, "Decline"
		}
		res := sip.NewResponseFromRequest(d.invite, code, text, nil)
		if err := d.tx.Respond(res); err != nil {
			return true, fmt.Errorf("rejecting invite: %w", err)
		}
		return true, nil

	case !d.inbound && prev == dialogEarly:
		a.cancelInvite(d)
		d.stopDial()
		return true, nil

	default:
		if d.stopDial != nil {
			d.stopDial()
		}
		return true, a.bye(ctx, d)
	}
}

// SetMuted records the mute state for the call's media.
func (a *Agent) SetMuted(s *call.Session, muted bool) error {
	d := a.lookup(s.CallID)
	if d == nil {
		return fmt.Errorf("muting %s: %w", s.CallID, errNoDialog)
	}
	d.setMuted(muted)
	a.logger.Debug("mute changed", "call_id", s.CallID, "muted", muted)
	return nil
}

// Configure prepares the audio session for a call of the given kind.
func (a *Agent) Configure(media call.MediaKind) error {
	if media.IsVideo() && !a.cfg.Video {
		return errVideoDisabled
	}
	return nil
}

// Activated is called when the telephony UI hands the audio session over.
func (a *Agent) Activated() {
	a.audio.Store(true)
	a.logger.Debug("audio session activated")
}

// Deactivated is called when the audio session is taken back.
func (a *Agent) Deactivated() {
	a.audio.Store(false)
	a.logger.Debug("audio session deactivated")
}

// AudioActive reports whether the audio session is currently ours.
func (a *Agent) AudioActive() bool {
	return a.audio.Load()
}

// ResolvePush waits for the INVITE announced by a push. It refreshes the
// registration so the PBX delivers the call, and returns once the INVITE
// has arrived or ctx expires. Reporting the call to the telephony UI happens
// afterwards and does not count against ctx.
func (a *Agent) ResolvePush(ctx context.Context, p push.Payload) (string, error) {
	ch, cancel := a.invites.Subscribe(p.CallID)
	defer cancel()

	if a.lookup(p.CallID) != nil {
		return p.CallID, nil
	}
	a.Refresh()

	select {
	case <-ch:
		return p.CallID, nil
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for invite %s: %w", p.CallID, ctx.Err())
	}
}
