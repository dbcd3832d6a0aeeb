// Package push turns VoIP push payloads into incoming calls and keeps the
// device's push token registered.
package push

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/telephony"
	"github.com/google/uuid"
)

// InvalidHandle is the handle shown for placeholder calls reported when a
// push cannot be resolved.
const InvalidHandle = "invalid"

// Outcome is the result of handling one push.
type Outcome string

const (
	OutcomeIgnored      Outcome = "ignored"
	OutcomeResolved     Outcome = "resolved"
	OutcomeUnresolvable Outcome = "unresolvable"
)

// Resolver turns a push payload into a live call on the signaling layer.
type Resolver interface {
	ResolvePush(ctx context.Context, p Payload) (callID string, err error)
}

// Reporter is the telephony UI surface the intake needs.
type Reporter interface {
	ReportIncoming(ctx context.Context, id uuid.UUID, u telephony.Update) error
	ReportEnded(id uuid.UUID, at time.Time, reason call.EndReason)
}

// Stats counts push outcomes.
type Stats struct {
	Resolved     uint64
	Unresolvable uint64
	Ignored      uint64
}

// Intake handles incoming VoIP pushes. Every push it owns has its completion
// called exactly once, within the budget.
type Intake struct {
	resolver Resolver
	reporter Reporter
	budget   time.Duration
	logger   *slog.Logger

	resolved     atomic.Uint64
	unresolvable atomic.Uint64
	ignored      atomic.Uint64
}

// NewIntake creates a push intake. budget bounds resolution of a single push.
func NewIntake(resolver Resolver, reporter Reporter, budget time.Duration, logger *slog.Logger) *Intake {
	return &Intake{
		resolver: resolver,
		reporter: reporter,
		budget:   budget,
		logger:   logger.With("subsystem", "push"),
	}
}

// Handle processes one push payload. Payloads without the marker key return
// OutcomeIgnored and completion is not called. For everything else
// completion is called exactly once before Handle returns.
func (in *Intake) Handle(ctx context.Context, raw []byte, completion func()) Outcome {
	p, err := Decode(raw)
	if errors.Is(err, ErrNotOurs) {
		in.ignored.Add(1)
		return OutcomeIgnored
	}

	var once sync.Once
	complete := func() {
		once.Do(func() {
			if completion != nil {
				completion()
			}
		})
	}
	defer complete()

	ctx, cancel := context.WithTimeout(ctx, in.budget)
	defer cancel()

	if err == nil {
		// Resolution gets most of the budget; the rest is kept for the
		// placeholder report.
		resolveCtx, cancelResolve := context.WithTimeout(ctx, in.budget*3/4)
		var callID string
		callID, err = in.resolver.ResolvePush(resolveCtx, p)
		cancelResolve()
		if err == nil {
			in.resolved.Add(1)
			in.logger.Info("push resolved", "call_id", callID, "caller_id", p.CallerID)
			return OutcomeResolved
		}
	}

	in.unresolvable.Add(1)
	in.logger.Warn("push unresolvable",
		"call_id", p.CallID,
		"error", err,
	)
	in.reportPlaceholder(ctx)
	return OutcomeUnresolvable
}

// reportPlaceholder shows and immediately ends a call under InvalidHandle so
// the telephony UI never holds a call that cannot be acted on.
func (in *Intake) reportPlaceholder(ctx context.Context) {
	id := uuid.New()
	if err := in.reporter.ReportIncoming(ctx, id, telephony.Update{Handle: InvalidHandle}); err != nil {
		in.logger.Warn("placeholder call not registered", "transport_id", id, "error", err)
	}
	in.reporter.ReportEnded(id, time.Now(), call.EndReasonUnknown)
}

// Stats returns the outcome counters.
func (in *Intake) Stats() Stats {
	return Stats{
		Resolved:     in.resolved.Load(),
		Unresolvable: in.unresolvable.Load(),
		Ignored:      in.ignored.Load(),
	}
}
