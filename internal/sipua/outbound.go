package sipua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/flowphone/internal/auth"
	"github.com/flowpbx/flowphone/internal/call"
)

// Dial sends an INVITE for an outbound session. It returns once the INVITE
// is on the wire; answer and failure are reported through the listener.
func (a *Agent) Dial(ctx context.Context, s *call.Session) error {
	if s.Remote.Handle == "" {
		return errors.New("no number to dial")
	}
	creds, err := a.creds.LoadCredentials(ctx)
	if err != nil {
		return fmt.Errorf("loading sip credentials: %w", err)
	}

	recipientStr := fmt.Sprintf("sip:%s@%s", s.Remote.Handle, a.cfg.Domain)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing dial uri: %w", err)
	}

	offer, err := buildSDP(a.cfg.ContactHost, a.cfg.Video && s.Media.IsVideo())
	if err != nil {
		return err
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(strings.ToUpper(a.cfg.Transport))
	req.SetBody(offer)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	callID := sip.CallIDHeader(s.CallID)
	req.AppendHeader(&callID)

	from := &sip.FromHeader{
		DisplayName: creds.UserID,
		Address: sip.Uri{
			Scheme: "sip",
			User:   creds.UserID,
			Host:   a.cfg.Domain,
		},
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(sip.NewHeader("Contact", a.dialogContact(creds.UserID)))

	// The dial outlives the request that started it and is bounded by the
	// ring timeout.
	dialCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.RingTimeout)
	d := newOutboundDialog(s.CallID, req, stop)
	if !a.addDialog(d) {
		stop()
		return fmt.Errorf("call %s already has a sip dialog", s.CallID)
	}

	a.logger.Debug("sending invite",
		"call_id", s.CallID,
		"recipient", recipientStr,
		"video", s.Media.IsVideo(),
	)

	tx, err := a.client.TransactionRequest(dialCtx, req, sipgo.ClientRequestBuild)
	if err != nil {
		stop()
		d.terminate()
		a.removeDialog(d)
		return fmt.Errorf("sending invite: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer stop()
		a.dialLoop(dialCtx, d, tx, creds)
	}()
	return nil
}

// dialLoop collects responses to an outbound INVITE until a final response,
// the ring timeout or a local hangup.
func (a *Agent) dialLoop(ctx context.Context, d *dialog, tx sip.ClientTransaction, creds auth.Credentials) {
	logger := a.logger.With("call_id", d.callID)
	challenged := false

	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			tx.Terminate()
			if d.getState() == dialogTerminated {
				return
			}
			logger.Info("outbound call not answered")
			a.cancelInvite(d)
			a.ended(d, call.EndReasonNoAnswer)
			return
		case <-tx.Done():
			if d.getState() == dialogTerminated {
				return
			}
			logger.Warn("invite transaction ended without final response", "error", tx.Err())
			a.ended(d, call.EndReasonDialFailed)
			return
		case res = <-tx.Responses():
		}

		logger.Debug("invite response", "status", res.StatusCode, "reason", res.Reason)

		switch {
		case res.StatusCode < 200:
			continue

		case (res.StatusCode == 401 || res.StatusCode == 407) && !challenged:
			challenged = true
			tx.Terminate()

			inv := d.currentInvite()
			authReq, err := a.authorize(inv, res, inv.Recipient.String(), creds.UserID, creds.SIPPassword)
			if err != nil {
				logger.Warn("invite authentication failed", "error", err)
				a.ended(d, call.EndReasonDialFailed)
				return
			}
			d.setInvite(authReq)

			next, err := a.client.TransactionRequest(ctx, authReq,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				logger.Warn("sending authenticated invite failed", "error", err)
				a.ended(d, call.EndReasonDialFailed)
				return
			}
			if h := authReq.CSeq(); h != nil {
				d.syncSeq(h.SeqNo)
			}
			tx = next

		case res.StatusCode < 300:
			d.setResponse(res)
			ack := buildACKFor2xx(d.currentInvite(), res)
			if err := a.client.WriteRequest(ack); err != nil {
				logger.Error("failed to send ack", "error", err)
			}
			if !d.transition(dialogEarly, dialogConfirmed) {
				// Hung up locally while the 200 OK was in flight.
				byeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := a.bye(byeCtx, d); err != nil {
					logger.Debug("bye after late answer failed", "error", err)
				}
				cancel()
				return
			}
			logger.Info("outbound call answered")
			a.listener.OnConnected(d.callID, time.Now())
			return

		default:
			tx.Terminate()
			if d.getState() == dialogTerminated {
				// 487 for our own CANCEL.
				return
			}
			reason := failureReason(res.StatusCode)
			logger.Info("outbound call failed", "status", res.StatusCode, "end_reason", reason)
			a.ended(d, reason)
			return
		}
	}
}

// failureReason maps a final INVITE failure status to an end reason.
func failureReason(status int) call.EndReason {
	switch status {
	case 486, 600, 603:
		return call.EndReasonDeclined
	case 408, 480:
		return call.EndReasonNoAnswer
	case 487:
		return call.EndReasonCanceled
	default:
		return call.EndReasonDialFailed
	}
}

// cancelInvite sends CANCEL for an unanswered outbound INVITE. The CANCEL
// reuses the INVITE's Via so it matches the pending transaction.
func (a *Agent) cancelInvite(d *dialog) {
	inv := d.currentInvite()

	cancelReq := sip.NewRequest(sip.CANCEL, *inv.Recipient.Clone())
	cancelReq.SetTransport(inv.Transport())
	if h := inv.Via(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inv.From(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inv.To(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inv.CallID(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inv.CSeq(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := cancelReq.CSeq(); cseq != nil {
		cseq.MethodName = sip.CANCEL
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tx, err := a.client.TransactionRequest(ctx, cancelReq, sipgo.ClientRequestBuild)
	if err != nil {
		a.logger.Debug("failed to send cancel", "call_id", d.callID, "error", err)
		return
	}
	tx.Terminate()
}

// bye sends an in-dialog BYE and waits for its final response.
func (a *Agent) bye(ctx context.Context, d *dialog) error {
	var req *sip.Request
	if d.inbound {
		req = buildInboundBYE(d)
	} else {
		req = buildOutboundBYE(d)
	}
	if req == nil {
		return errNoDialog
	}

	tx, err := a.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	defer tx.Terminate()

	res, err := getResponse(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for bye response: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("bye rejected with status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// buildACKFor2xx creates the ACK for a 2xx response to our INVITE. The ACK
// is sent outside the INVITE transaction, to the Contact of the response
// when present.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	ack := newInDialogRequest(sip.ACK, inviteReq, inviteResp)
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.ACK})
	}
	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	return ack
}

// buildOutboundBYE builds a BYE for a call we placed.
func buildOutboundBYE(d *dialog) *sip.Request {
	res := d.getResponse()
	if res == nil {
		return nil
	}
	bye := newInDialogRequest(sip.BYE, d.currentInvite(), res)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: d.nextSeq(), MethodName: sip.BYE})
	return bye
}

// buildInboundBYE builds a BYE for a call we answered. From and To swap
// relative to the INVITE, and the request goes to the caller's Contact.
func buildInboundBYE(d *dialog) *sip.Request {
	answer := d.getAnswer()
	if answer == nil {
		return nil
	}
	inv := d.invite

	recipient := &inv.Recipient
	if from := inv.From(); from != nil {
		recipient = &from.Address
	}
	if contact := inv.Contact(); contact != nil {
		recipient = &contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	if to := answer.To(); to != nil {
		bye.AppendHeader(&sip.FromHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if from := inv.From(); from != nil {
		bye.AppendHeader(&sip.ToHeader{
			DisplayName: from.DisplayName,
			Address:     from.Address,
			Params:      from.Params,
		})
	}
	if h := inv.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: d.nextSeq(), MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	bye.SetTransport(inv.Transport())
	return bye
}

// newInDialogRequest starts a request within the dialog created by our
// INVITE and its 2xx. The caller adds CSeq.
func newInDialogRequest(method sip.RequestMethod, inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	req := sip.NewRequest(method, *recipient.Clone())
	req.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, req)
	}
	if h := inviteReq.From(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	// To carries the remote tag from the response.
	if h := inviteResp.To(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.SetTransport(inviteReq.Transport())
	return req
}
