package telephony

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ActionKind is a telephony-UI action type.
type ActionKind string

const (
	ActionStart    ActionKind = "start"
	ActionAnswer   ActionKind = "answer"
	ActionEnd      ActionKind = "end"
	ActionSetMuted ActionKind = "set_muted"
)

var (
	// ErrActionPending is returned when an action arrives for a transport ID
	// that already has one outstanding.
	ErrActionPending = errors.New("another action is pending for this call")

	// ErrProviderReset fails actions that were outstanding when the native
	// provider reset.
	ErrProviderReset = errors.New("telephony provider reset")

	errUnresolved = errors.New("action handler returned without resolving")
)

// Action is one telephony-UI action awaiting an outcome. Exactly one of
// Fulfill or Fail takes effect; later calls are ignored.
type Action struct {
	Kind        ActionKind
	TransportID uuid.UUID

	// Handle and Video are set for ActionStart.
	Handle string
	Video  bool

	// Muted is set for ActionSetMuted.
	Muted bool

	once   sync.Once
	done   chan struct{}
	err    error
	notify func(error)
}

// NewAction creates an action. notify, when non-nil, is called once with the
// outcome (nil on fulfill).
func NewAction(kind ActionKind, id uuid.UUID, notify func(error)) *Action {
	return &Action{
		Kind:        kind,
		TransportID: id,
		done:        make(chan struct{}),
		notify:      notify,
	}
}

// Fulfill resolves the action successfully. It reports whether this call
// resolved the action.
func (a *Action) Fulfill() bool {
	return a.resolve(nil)
}

// Fail resolves the action with err. It reports whether this call resolved
// the action.
func (a *Action) Fail(err error) bool {
	if err == nil {
		err = fmt.Errorf("%s action failed", a.Kind)
	}
	return a.resolve(err)
}

func (a *Action) resolve(err error) bool {
	resolved := false
	a.once.Do(func() {
		resolved = true
		a.err = err
		close(a.done)
		if a.notify != nil {
			a.notify(err)
		}
	})
	return resolved
}

// Done is closed once the action is resolved.
func (a *Action) Done() <-chan struct{} {
	return a.done
}

// Err returns the failure, or nil if the action was fulfilled or is still
// pending.
func (a *Action) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Resolved reports whether the action has an outcome.
func (a *Action) Resolved() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// pendingActions tracks the outstanding action per transport ID.
type pendingActions struct {
	mu      sync.Mutex
	actions map[uuid.UUID]*Action
}

func newPendingActions() *pendingActions {
	return &pendingActions{actions: make(map[uuid.UUID]*Action)}
}

func (p *pendingActions) add(a *Action) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.actions[a.TransportID]; ok {
		return fmt.Errorf("%s on %s: %w", a.Kind, a.TransportID, ErrActionPending)
	}
	p.actions[a.TransportID] = a
	return nil
}

func (p *pendingActions) remove(a *Action) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.actions[a.TransportID]; ok && cur == a {
		delete(p.actions, a.TransportID)
	}
}

func (p *pendingActions) failAll(err error) int {
	p.mu.Lock()
	all := make([]*Action, 0, len(p.actions))
	for _, a := range p.actions {
		all = append(all, a)
	}
	p.mu.Unlock()

	n := 0
	for _, a := range all {
		if a.Fail(err) {
			n++
		}
	}
	return n
}

func (p *pendingActions) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.actions)
}
