package call

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the session's current status.
	ErrInvalidTransition = errors.New("invalid call state transition")

	// ErrSessionNotFound is returned when no session matches an identifier.
	ErrSessionNotFound = errors.New("call session not found")

	// ErrSessionExists is returned when a session is already registered
	// under the transport or call identifier.
	ErrSessionExists = errors.New("call session already exists")
)

// Party identifies the remote end of a call.
type Party struct {
	// Handle is the SIP user or number of the remote party.
	Handle string `json:"handle"`

	// DisplayName is the caller-ID name, if known.
	DisplayName string `json:"display_name,omitempty"`
}

// Session is the authoritative state of one call. Identity fields are set at
// creation and never change; everything else is guarded by mu.
type Session struct {
	// CallID is the application call identifier (the SIP Call-ID).
	CallID string

	// TransportID is the handle the telephony UI uses for this call.
	TransportID uuid.UUID

	Role   Role
	Media  MediaKind
	Remote Party

	mu          sync.Mutex
	status      Status
	muted       bool
	startedAt   time.Time
	connectedAt time.Time
	endedAt     time.Time
	endReason   EndReason
	changed     chan struct{}
}

func newSession(p Params) *Session {
	return &Session{
		CallID:      p.CallID,
		TransportID: p.TransportID,
		Role:        p.Role,
		Media:       p.Media,
		Remote:      p.Remote,
		status:      StatusIdle,
		startedAt:   time.Now(),
		endReason:   EndReasonNone,
		changed:     make(chan struct{}),
	}
}

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Muted reports whether the local microphone is muted.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// EndReason returns the reason recorded when the session ended.
func (s *Session) EndReason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// transitionLocked moves to the given status. Caller must hold s.mu.
func (s *Session) transitionLocked(to Status) error {
	if !CanTransition(s.status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, to)
	}
	s.status = to
	close(s.changed)
	s.changed = make(chan struct{})
	return nil
}

func (s *Session) transition(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

// Dial marks an outbound call as initiated.
func (s *Session) Dial() error {
	return s.transition(StatusDialing)
}

// Ring marks an inbound call as resolved and alerting.
func (s *Session) Ring() error {
	return s.transition(StatusRinging)
}

// Accept marks a ringing call as locally accepted. Media negotiation is
// still in progress.
func (s *Session) Accept() error {
	return s.transition(StatusConnecting)
}

// Connect records that media negotiation succeeded.
func (s *Session) Connect(at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusConnected {
		return nil
	}
	if err := s.transitionLocked(StatusConnected); err != nil {
		return err
	}
	s.connectedAt = at
	return nil
}

// End moves the session to StatusEnded with the given reason. It returns
// false when the session had already ended, in which case the original
// reason is kept.
func (s *Session) End(reason EndReason, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusEnded {
		return false
	}
	s.endReason = reason
	s.endedAt = at
	// Any non-ended status may end.
	_ = s.transitionLocked(StatusEnded)
	return true
}

// SetMuted records the microphone state. Muting an ended session is a no-op.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusEnded {
		return
	}
	s.muted = muted
}

// Await blocks until the session reaches one of the given statuses or ctx is
// done. It returns the status observed last.
func (s *Session) Await(ctx context.Context, statuses ...Status) (Status, error) {
	for {
		s.mu.Lock()
		st, ch := s.status, s.changed
		s.mu.Unlock()

		if slices.Contains(statuses, st) {
			return st, nil
		}
		if st == StatusEnded {
			return st, fmt.Errorf("call %s ended while waiting for %v", s.CallID, statuses)
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// Snapshot is an immutable copy of a session's state. A snapshot taken after
// the session ended is the terminal snapshot handed to call history.
type Snapshot struct {
	CallID      string    `json:"call_id"`
	TransportID uuid.UUID `json:"transport_id"`
	Role        Role      `json:"role"`
	Media       MediaKind `json:"media"`
	Remote      Party     `json:"remote"`
	Status      Status    `json:"status"`
	Muted       bool      `json:"muted"`
	StartedAt   time.Time `json:"started_at"`
	ConnectedAt time.Time `json:"connected_at,omitzero"`
	EndedAt     time.Time `json:"ended_at,omitzero"`
	EndReason   EndReason `json:"end_reason"`
}

// Snapshot returns the current state of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		CallID:      s.CallID,
		TransportID: s.TransportID,
		Role:        s.Role,
		Media:       s.Media,
		Remote:      s.Remote,
		Status:      s.status,
		Muted:       s.muted,
		StartedAt:   s.startedAt,
		ConnectedAt: s.connectedAt,
		EndedAt:     s.endedAt,
		EndReason:   s.endReason,
	}
}

// Duration returns the connected time of the call. Returns zero if the call
// never connected or has not ended.
func (s Snapshot) Duration() time.Duration {
	if s.ConnectedAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.ConnectedAt)
}
