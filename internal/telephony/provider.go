package telephony

import (
	"context"
	"time"

	"github.com/flowpbx/flowphone/internal/auth"
	"github.com/flowpbx/flowphone/internal/call"
	"github.com/google/uuid"
)

// Update describes a call being reported to the native telephony UI.
type Update struct {
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name,omitempty"`
	Video       bool   `json:"video"`
}

// Transaction is an application-initiated request that the native UI must
// approve. The UI answers by performing the matching Action.
type Transaction struct {
	Kind        ActionKind `json:"kind"`
	TransportID uuid.UUID  `json:"transport_id"`
	Handle      string     `json:"handle,omitempty"`
	Video       bool       `json:"video,omitempty"`
}

// Provider is the native telephony-UI handle. Methods are only ever called
// from the bridge's UI goroutine. Completion callbacks may be invoked from
// any goroutine.
type Provider interface {
	ReportNewIncomingCall(id uuid.UUID, u Update, done func(error))
	ReportCallEnded(id uuid.UUID, at time.Time, category call.Category)
	ReportOutgoingStartedConnecting(id uuid.UUID, at time.Time)
	ReportOutgoingConnected(id uuid.UUID, at time.Time)
	RequestTransaction(t Transaction, done func(error))
}

// Sessions resolves call sessions by transport ID.
type Sessions interface {
	Lookup(id uuid.UUID) (*call.Session, error)
	Live() []*call.Session
}

// Authenticator ensures an authenticated identity before an action runs.
type Authenticator interface {
	EnsureAuthenticated(ctx context.Context) (auth.Identity, error)
}

// AcceptOptions are the media flags used when answering.
type AcceptOptions struct {
	Audio       bool
	Video       bool
	FrontCamera bool
}

// CallControl performs session operations on the calling stack.
type CallControl interface {
	Dial(ctx context.Context, s *call.Session) error
	Accept(ctx context.Context, s *call.Session, opts AcceptOptions) error
	End(ctx context.Context, s *call.Session, reason call.EndReason) error
	SetMuted(s *call.Session, muted bool) error
}

// AudioRouter configures the audio pathway for a call.
type AudioRouter interface {
	Configure(media call.MediaKind) error
	Activated()
	Deactivated()
}

// Finisher tears a session down locally: it records the end reason and
// reports it outward. It must be safe to call more than once.
type Finisher interface {
	Finish(s *call.Session, reason call.EndReason)
}
