// Package phone wires calling-stack events into call sessions, the telephony
// UI and call history.
package phone

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/sipua"
	"github.com/flowpbx/flowphone/internal/telephony"
	"github.com/google/uuid"
)

// Reporter is the telephony bridge surface used by the coordinator.
type Reporter interface {
	ReportIncoming(ctx context.Context, id uuid.UUID, u telephony.Update) error
	ReportEnded(id uuid.UUID, at time.Time, reason call.EndReason)
	ReportConnected(id uuid.UUID, at time.Time)
	RequestStart(ctx context.Context, s *call.Session) error
	RequestEnd(ctx context.Context, s *call.Session) error
}

// History receives terminal snapshots.
type History interface {
	Record(ctx context.Context, snap call.Snapshot) error
}

// Coordinator owns session creation and teardown. It implements
// sipua.Listener for calling-stack events and telephony.Finisher for local
// teardown.
type Coordinator struct {
	registry *call.Registry
	reporter Reporter
	history  History
	logger   *slog.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(registry *call.Registry, reporter Reporter, history History, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		registry: registry,
		reporter: reporter,
		history:  history,
		logger:   logger.With("subsystem", "phone"),
	}
}

// OnIncoming registers an inbound call and reports it to the telephony UI.
// A UI refusal tears the session down with EndReasonAcceptFailed and is
// returned so the calling stack can reject the call.
func (c *Coordinator) OnIncoming(ctx context.Context, in sipua.IncomingCall) error {
	media := call.MediaAudio
	if in.Video {
		media = call.MediaVideo
	}

	s, err := c.registry.Create(call.Params{
		CallID: in.CallID,
		Role:   call.RoleCallee,
		Media:  media,
		Remote: in.From,
	})
	if err != nil {
		return fmt.Errorf("registering incoming call: %w", err)
	}
	if err := s.Ring(); err != nil {
		return err
	}

	err = c.reporter.ReportIncoming(ctx, s.TransportID, telephony.Update{
		Handle:      in.From.Handle,
		DisplayName: in.From.DisplayName,
		Video:       in.Video,
	})
	if err != nil {
		c.Finish(s, call.EndReasonAcceptFailed)
		return err
	}

	c.logger.Info("incoming call ringing",
		"call_id", s.CallID,
		"transport_id", s.TransportID,
		"from", in.From.Handle,
	)
	return nil
}

// OnConnected records that media negotiation completed.
func (c *Coordinator) OnConnected(callID string, at time.Time) {
	s, err := c.registry.LookupCall(callID)
	if err != nil {
		c.logger.Debug("connected event for unknown call", "call_id", callID)
		return
	}
	if err := s.Connect(at); err != nil {
		c.logger.Warn("unexpected connected event",
			"call_id", callID,
			"error", err,
		)
		return
	}
	if s.Role == call.RoleCaller {
		c.reporter.ReportConnected(s.TransportID, at)
	}
	c.logger.Info("call connected", "call_id", callID)
}

// OnEnded records that the calling stack ended the call.
func (c *Coordinator) OnEnded(callID string, reason call.EndReason, at time.Time) {
	s, err := c.registry.LookupCall(callID)
	if err != nil {
		c.logger.Debug("ended event for unknown call", "call_id", callID)
		return
	}
	c.finishAt(s, reason, at)
}

// Finish ends the session locally. Only the first call has any effect.
func (c *Coordinator) Finish(s *call.Session, reason call.EndReason) {
	c.finishAt(s, reason, time.Now())
}

func (c *Coordinator) finishAt(s *call.Session, reason call.EndReason, at time.Time) {
	if !s.End(reason, at) {
		return
	}
	c.reporter.ReportEnded(s.TransportID, at, reason)

	snap := s.Snapshot()
	if c.history != nil {
		if err := c.history.Record(context.Background(), snap); err != nil {
			c.logger.Error("failed to record call history",
				"call_id", s.CallID,
				"error", err,
			)
		}
	}
	c.registry.Release(s.TransportID)

	c.logger.Info("call ended",
		"call_id", s.CallID,
		"transport_id", s.TransportID,
		"reason", reason,
		"duration", snap.Duration(),
	)
}

// Dial creates an outbound session and asks the telephony UI to start it.
// The call is placed when the UI performs the start action.
func (c *Coordinator) Dial(ctx context.Context, handle string, video bool) (call.Snapshot, error) {
	media := call.MediaAudio
	if video {
		media = call.MediaVideo
	}

	s, err := c.registry.Create(call.Params{
		CallID: uuid.NewString(),
		Role:   call.RoleCaller,
		Media:  media,
		Remote: call.Party{Handle: handle},
	})
	if err != nil {
		return call.Snapshot{}, fmt.Errorf("creating outbound call: %w", err)
	}

	if err := c.reporter.RequestStart(ctx, s); err != nil {
		c.Finish(s, call.EndReasonDialFailed)
		return s.Snapshot(), err
	}
	return s.Snapshot(), nil
}

// End asks the telephony UI to end a call. Ending an ended call is a no-op.
func (c *Coordinator) End(ctx context.Context, id uuid.UUID) error {
	s, err := c.registry.Lookup(id)
	if err != nil {
		return err
	}
	if s.Status() == call.StatusEnded {
		return nil
	}
	return c.reporter.RequestEnd(ctx, s)
}

// Get returns a snapshot of one call.
func (c *Coordinator) Get(id uuid.UUID) (call.Snapshot, error) {
	s, err := c.registry.Lookup(id)
	if err != nil {
		return call.Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Live returns snapshots of every call that has not ended.
func (c *Coordinator) Live() []call.Snapshot {
	live := c.registry.Live()
	out := make([]call.Snapshot, 0, len(live))
	for _, s := range live {
		out = append(out, s.Snapshot())
	}
	return out
}
