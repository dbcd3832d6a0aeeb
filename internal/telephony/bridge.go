// Package telephony adapts the native telephony UI to call sessions. It
// reports session lifecycle to the UI on a single goroutine and turns UI
// actions into session commands.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/flowphone/internal/call"
	"github.com/google/uuid"
)

var (
	// ErrRegistrationRejected is returned when the native UI refuses a new
	// incoming call (do not disturb, call limit).
	ErrRegistrationRejected = errors.New("telephony ui rejected call registration")

	// ErrTransactionRejected is returned when the native UI refuses an
	// application-initiated transaction.
	ErrTransactionRejected = errors.New("telephony ui rejected transaction")

	// ErrMediaSetup is returned by an AudioRouter that could not configure
	// the audio pathway.
	ErrMediaSetup = errors.New("media setup failed")

	errBridgeClosed = errors.New("telephony bridge closed")
)

// endedTTL bounds how long ended transport IDs are remembered for duplicate
// report suppression.
const endedTTL = 10 * time.Minute

// DefaultAnswerTimeout is the connect wait after accepting a call. An ACK
// normally arrives within a round trip.
const DefaultAnswerTimeout = 10 * time.Second

// Config holds bridge timing.
type Config struct {
	// AnswerTimeout bounds the wait for media to connect after accepting.
	// Hang-up and mute on that call are rejected with ErrActionPending
	// until it elapses.
	AnswerTimeout time.Duration

	// EndTimeout bounds the wait for the calling stack to confirm an end.
	EndTimeout time.Duration
}

// Deps are the collaborators the action handlers use.
type Deps struct {
	Sessions Sessions
	Auth     Authenticator
	Control  CallControl
	Audio    AudioRouter
}

// Bridge is the process-wide adapter between the native telephony UI and
// call sessions. Provider calls run on one goroutine, in submission order.
type Bridge struct {
	provider Provider
	deps     Deps
	cfg      Config
	logger   *slog.Logger

	finisherMu sync.RWMutex
	finisher   Finisher

	pending *pendingActions

	// Owned by the UI goroutine.
	known map[uuid.UUID]struct{}
	ended map[uuid.UUID]time.Time

	ui        chan func()
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewBridge creates a bridge and starts its UI goroutine. Call Close to stop
// it.
func NewBridge(provider Provider, deps Deps, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = DefaultAnswerTimeout
	}
	if cfg.EndTimeout <= 0 {
		cfg.EndTimeout = 5 * time.Second
	}

	b := &Bridge{
		provider: provider,
		deps:     deps,
		cfg:      cfg,
		logger:   logger.With("subsystem", "telephony"),
		pending:  newPendingActions(),
		known:    make(map[uuid.UUID]struct{}),
		ended:    make(map[uuid.UUID]time.Time),
		ui:       make(chan func(), 64),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go b.loop()
	return b
}

// SetFinisher installs the local teardown hook. It must be called before
// any action is performed.
func (b *Bridge) SetFinisher(f Finisher) {
	b.finisherMu.Lock()
	b.finisher = f
	b.finisherMu.Unlock()
}

// Close stops the UI goroutine. Queued reports are dropped.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.stopped
	})
}

func (b *Bridge) loop() {
	defer close(b.stopped)
	for {
		select {
		case fn := <-b.ui:
			fn()
		case <-b.stop:
			return
		}
	}
}

// run executes fn on the UI goroutine and waits for it to return.
func (b *Bridge) run(fn func()) error {
	done := make(chan struct{})
	select {
	case b.ui <- func() { defer close(done); fn() }:
	case <-b.stop:
		return errBridgeClosed
	}
	select {
	case <-done:
		return nil
	case <-b.stop:
		return errBridgeClosed
	}
}

// ReportIncoming registers a new incoming call with the telephony UI. A
// refusal by the UI is returned wrapped in ErrRegistrationRejected.
func (b *Bridge) ReportIncoming(ctx context.Context, id uuid.UUID, u Update) error {
	result := make(chan error, 1)
	err := b.run(func() {
		b.known[id] = struct{}{}
		b.provider.ReportNewIncomingCall(id, u, func(err error) {
			result <- err
		})
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		if err != nil {
			b.logger.Warn("incoming call registration rejected",
				"transport_id", id,
				"error", err,
			)
			return fmt.Errorf("%w: %w", ErrRegistrationRejected, err)
		}
		b.logger.Info("incoming call reported",
			"transport_id", id,
			"handle", u.Handle,
			"video", u.Video,
		)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrRegistrationRejected, ctx.Err())
	}
}

// ReportEnded tells the telephony UI the call ended. Repeated reports for the
// same transport ID are dropped, as are reasons with no UI category.
func (b *Bridge) ReportEnded(id uuid.UUID, at time.Time, reason call.EndReason) {
	category, ok := reason.Category()
	err := b.run(func() {
		b.pruneEnded(at)
		if _, dup := b.ended[id]; dup {
			b.logger.Debug("duplicate end report dropped", "transport_id", id)
			return
		}
		b.ended[id] = at
		delete(b.known, id)
		if !ok {
			return
		}
		b.provider.ReportCallEnded(id, at, category)
		b.logger.Info("call end reported",
			"transport_id", id,
			"reason", reason,
			"category", category,
		)
	})
	if err != nil {
		b.logger.Warn("end report not delivered", "transport_id", id, "error", err)
	}
}

// ReportConnecting marks an outgoing call as connecting.
func (b *Bridge) ReportConnecting(id uuid.UUID, at time.Time) {
	if err := b.run(func() {
		b.provider.ReportOutgoingStartedConnecting(id, at)
	}); err != nil {
		b.logger.Warn("connecting report not delivered", "transport_id", id, "error", err)
	}
}

// ReportConnected marks an outgoing call as connected so the UI starts its
// call timer.
func (b *Bridge) ReportConnected(id uuid.UUID, at time.Time) {
	if err := b.run(func() {
		if _, done := b.ended[id]; done {
			return
		}
		b.provider.ReportOutgoingConnected(id, at)
	}); err != nil {
		b.logger.Warn("connected report not delivered", "transport_id", id, "error", err)
	}
}

// RequestStart asks the telephony UI to start an outgoing call. The call
// proceeds when the UI performs the resulting start action.
func (b *Bridge) RequestStart(ctx context.Context, s *call.Session) error {
	return b.request(ctx, Transaction{
		Kind:        ActionStart,
		TransportID: s.TransportID,
		Handle:      s.Remote.Handle,
		Video:       s.Media.IsVideo(),
	})
}

// RequestEnd asks the telephony UI to end a call. The session ends when the
// UI performs the resulting end action.
func (b *Bridge) RequestEnd(ctx context.Context, s *call.Session) error {
	return b.request(ctx, Transaction{
		Kind:        ActionEnd,
		TransportID: s.TransportID,
	})
}

func (b *Bridge) request(ctx context.Context, t Transaction) error {
	result := make(chan error, 1)
	err := b.run(func() {
		if t.Kind == ActionStart {
			b.known[t.TransportID] = struct{}{}
		}
		b.provider.RequestTransaction(t, func(err error) {
			result <- err
		})
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("%s %s: %w: %w", t.Kind, t.TransportID, ErrTransactionRejected, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s %s: %w", t.Kind, t.TransportID, ctx.Err())
	}
}

// Known reports whether the telephony UI currently shows the call.
func (b *Bridge) Known(id uuid.UUID) bool {
	var ok bool
	_ = b.run(func() {
		_, ok = b.known[id]
	})
	return ok
}

// PendingActions returns the number of outstanding telephony-UI actions.
func (b *Bridge) PendingActions() int {
	return b.pending.count()
}

// pruneEnded drops ended entries older than endedTTL. Runs on the UI
// goroutine.
func (b *Bridge) pruneEnded(now time.Time) {
	for id, at := range b.ended {
		if now.Sub(at) > endedTTL {
			delete(b.ended, id)
		}
	}
}

func (b *Bridge) finish(s *call.Session, reason call.EndReason) {
	b.finisherMu.RLock()
	f := b.finisher
	b.finisherMu.RUnlock()

	if f != nil {
		f.Finish(s, reason)
		return
	}
	if s.End(reason, time.Now()) {
		b.ReportEnded(s.TransportID, time.Now(), reason)
	}
}
