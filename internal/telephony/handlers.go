package telephony

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowpbx/flowphone/internal/call"
)

// Perform handles a telephony-UI action and returns once it is resolved. A
// second action for a transport ID that already has one outstanding is
// failed with ErrActionPending.
func (b *Bridge) Perform(ctx context.Context, a *Action) {
	if err := b.pending.add(a); err != nil {
		b.logger.Warn("action rejected",
			"kind", a.Kind,
			"transport_id", a.TransportID,
			"error", err,
		)
		a.Fail(err)
		return
	}
	defer b.pending.remove(a)

	switch a.Kind {
	case ActionStart:
		b.performStart(ctx, a)
	case ActionAnswer:
		b.performAnswer(ctx, a)
	case ActionEnd:
		b.performEnd(ctx, a)
	case ActionSetMuted:
		b.performSetMuted(a)
	default:
		a.Fail(fmt.Errorf("unknown action kind %q", a.Kind))
	}

	if a.Fail(errUnresolved) {
		b.logger.Error("action left unresolved", "kind", a.Kind, "transport_id", a.TransportID)
	}
}

func (b *Bridge) lookup(a *Action) (*call.Session, bool) {
	s, err := b.deps.Sessions.Lookup(a.TransportID)
	if err != nil {
		b.logger.Warn("action for unknown call",
			"kind", a.Kind,
			"transport_id", a.TransportID,
		)
		a.Fail(err)
		return nil, false
	}
	return s, true
}

func (b *Bridge) performStart(ctx context.Context, a *Action) {
	s, ok := b.lookup(a)
	if !ok {
		return
	}

	if err := b.deps.Audio.Configure(s.Media); err != nil {
		// The calling stack may still recover, so the call proceeds.
		b.logger.Warn("audio configuration failed",
			"call_id", s.CallID,
			"error", fmt.Errorf("%w: %w", ErrMediaSetup, err),
		)
	}

	if s.Status() == call.StatusIdle {
		if err := s.Dial(); err != nil {
			a.Fail(err)
			return
		}
	}

	if s.Role == call.RoleCaller {
		b.ReportConnecting(s.TransportID, time.Now())
	}

	if err := b.deps.Control.Dial(ctx, s); err != nil {
		b.logger.Error("dial failed", "call_id", s.CallID, "error", err)
		b.finish(s, call.EndReasonDialFailed)
		a.Fail(err)
		return
	}
	a.Fulfill()
}

func (b *Bridge) performAnswer(ctx context.Context, a *Action) {
	s, ok := b.lookup(a)
	if !ok {
		return
	}
	if st := s.Status(); st != call.StatusRinging {
		a.Fail(fmt.Errorf("answer in status %s: %w", st, call.ErrInvalidTransition))
		return
	}

	if _, err := b.deps.Auth.EnsureAuthenticated(ctx); err != nil {
		b.logger.Warn("answer blocked by authentication",
			"call_id", s.CallID,
			"error", err,
		)
		a.Fail(err)
		return
	}

	// The caller may have hung up while authentication was in flight.
	if err := s.Accept(); err != nil {
		a.Fail(err)
		return
	}

	opts := AcceptOptions{Audio: true, Video: s.Media.IsVideo(), FrontCamera: true}
	if err := b.deps.Control.Accept(ctx, s, opts); err != nil {
		b.logger.Error("accept failed", "call_id", s.CallID, "error", err)
		b.finish(s, call.EndReasonAcceptFailed)
		a.Fail(err)
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.AnswerTimeout)
	defer cancel()
	if _, err := s.Await(waitCtx, call.StatusConnected); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			b.logger.Warn("media did not connect after answer", "call_id", s.CallID)
			b.teardown(ctx, s, call.EndReasonTimedOut)
		}
		a.Fail(err)
		return
	}
	a.Fulfill()
}

func (b *Bridge) performEnd(ctx context.Context, a *Action) {
	s, ok := b.lookup(a)
	if !ok {
		return
	}
	if s.Status() == call.StatusEnded {
		a.Fulfill()
		return
	}

	if _, err := b.deps.Auth.EnsureAuthenticated(ctx); err != nil {
		b.logger.Warn("end blocked by authentication",
			"call_id", s.CallID,
			"error", err,
		)
		a.Fail(err)
		return
	}

	b.teardown(ctx, s, localEndReason(s))
	a.Fulfill()
}

func (b *Bridge) performSetMuted(a *Action) {
	s, ok := b.lookup(a)
	if !ok {
		return
	}
	if err := b.deps.Control.SetMuted(s, a.Muted); err != nil {
		b.logger.Debug("mute not applied", "call_id", s.CallID, "error", err)
	}
	s.SetMuted(a.Muted)
	a.Fulfill()
}

// Reset handles a provider reset: every outstanding action fails and every
// live call is torn down.
func (b *Bridge) Reset(ctx context.Context) {
	failed := b.pending.failAll(ErrProviderReset)
	live := b.deps.Sessions.Live()
	for _, s := range live {
		b.teardown(ctx, s, call.EndReasonUnknown)
	}
	_ = b.run(func() {
		clear(b.known)
	})
	b.logger.Warn("telephony provider reset",
		"failed_actions", failed,
		"ended_calls", len(live),
	)
}

// AudioActivated forwards the UI's audio session activation.
func (b *Bridge) AudioActivated() {
	b.deps.Audio.Activated()
}

// AudioDeactivated forwards the UI's audio session deactivation.
func (b *Bridge) AudioDeactivated() {
	b.deps.Audio.Deactivated()
}

// teardown ends the call on the calling stack and then locally. The local
// end runs even when the stack fails so the UI never keeps a dead call.
func (b *Bridge) teardown(ctx context.Context, s *call.Session, reason call.EndReason) {
	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.EndTimeout)
	defer cancel()
	if err := b.deps.Control.End(endCtx, s, reason); err != nil {
		b.logger.Warn("call stack end failed",
			"call_id", s.CallID,
			"reason", reason,
			"error", err,
		)
	}
	b.finish(s, reason)
}

// localEndReason picks the end reason for a locally requested end.
func localEndReason(s *call.Session) call.EndReason {
	switch s.Status() {
	case call.StatusRinging:
		return call.EndReasonDeclined
	case call.StatusDialing:
		return call.EndReasonCanceled
	default:
		return call.EndReasonCompleted
	}
}
