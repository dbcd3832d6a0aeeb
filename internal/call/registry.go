package call

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Params describes a session to create.
type Params struct {
	CallID string

	// TransportID is assigned by the registry when zero.
	TransportID uuid.UUID

	Role   Role
	Media  MediaKind
	Remote Party
}

// Registry tracks call sessions by transport identifier and by call
// identifier. Ended sessions remain resolvable for the retention window after
// Release so late telephony-UI actions still find them.
type Registry struct {
	mu          sync.RWMutex
	byTransport map[uuid.UUID]*Session
	byCall      map[string]*Session
	timers      map[uuid.UUID]*time.Timer
	retention   time.Duration
	logger      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(retention time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		byTransport: make(map[uuid.UUID]*Session),
		byCall:      make(map[string]*Session),
		timers:      make(map[uuid.UUID]*time.Timer),
		retention:   retention,
		logger:      logger.With("subsystem", "registry"),
	}
}

// Create registers a new idle session. A second creation for a transport or
// call identifier that is already registered is rejected with
// ErrSessionExists.
func (r *Registry) Create(p Params) (*Session, error) {
	if p.TransportID == uuid.Nil {
		p.TransportID = uuid.New()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byTransport[p.TransportID]; ok {
		return nil, fmt.Errorf("transport id %s: %w", p.TransportID, ErrSessionExists)
	}
	if p.CallID != "" {
		if _, ok := r.byCall[p.CallID]; ok {
			return nil, fmt.Errorf("call id %q: %w", p.CallID, ErrSessionExists)
		}
	}

	s := newSession(p)
	r.byTransport[s.TransportID] = s
	if s.CallID != "" {
		r.byCall[s.CallID] = s
	}

	r.logger.Debug("session created",
		"call_id", s.CallID,
		"transport_id", s.TransportID,
		"role", s.Role,
	)
	return s, nil
}

// Lookup returns the session for a transport identifier.
func (r *Registry) Lookup(id uuid.UUID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byTransport[id]
	if !ok {
		return nil, fmt.Errorf("transport id %s: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// LookupCall returns the session for an application call identifier.
func (r *Registry) LookupCall(callID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byCall[callID]
	if !ok {
		return nil, fmt.Errorf("call id %q: %w", callID, ErrSessionNotFound)
	}
	return s, nil
}

// Release schedules removal of an ended session once the retention window
// elapses. With a zero retention the session is removed immediately.
func (r *Registry) Release(id uuid.UUID) {
	if r.retention <= 0 {
		r.Remove(id)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byTransport[id]; !ok {
		return
	}
	if t, ok := r.timers[id]; ok {
		t.Stop()
	}
	r.timers[id] = time.AfterFunc(r.retention, func() {
		r.Remove(id)
	})
}

// Remove deletes a session immediately. Removing an unknown identifier is a
// no-op.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byTransport[id]
	if !ok {
		return
	}
	delete(r.byTransport, id)
	if cur, ok := r.byCall[s.CallID]; ok && cur == s {
		delete(r.byCall, s.CallID)
	}
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}

	r.logger.Debug("session removed",
		"call_id", s.CallID,
		"transport_id", id,
	)
}

// Live returns every session that has not ended.
func (r *Registry) Live() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.byTransport))
	for _, s := range r.byTransport {
		if s.Status() != StatusEnded {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of sessions that have not ended.
func (r *Registry) Count() int {
	return len(r.Live())
}

// Close stops pending release timers.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}
