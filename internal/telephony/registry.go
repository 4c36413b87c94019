package telephony

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/agentline/internal/store"
)

// DefaultTombstoneTTL is how long finished sessions stay addressable.
const DefaultTombstoneTTL = 5 * time.Minute

// Registry arbitrates the single active slot and the single pending slot.
// Every session-directed command resolves its session here first.
type Registry struct {
	mu      sync.Mutex
	active  *CallSession
	pending *CallSession
	// finished remembers terminated sessions so late commands get
	// CallTerminated rather than a "no call" answer.
	finished *store.TTLStore[string, CallInfo]
}

// NewRegistry creates an empty registry.
func NewRegistry(tombstoneTTL time.Duration) *Registry {
	if tombstoneTTL <= 0 {
		tombstoneTTL = DefaultTombstoneTTL
	}
	finished := store.New[string, CallInfo](tombstoneTTL, tombstoneTTL/5)
	finished.OnEvict(func(id string, info CallInfo) {
		slog.Debug("[Registry] Tombstone expired", "session_id", id, "call_id", info.CallID, "state", info.State.String())
	})
	return &Registry{finished: finished}
}

// Close stops the tombstone sweeper.
func (r *Registry) Close() {
	r.finished.Close()
}

func matches(s *CallSession, id string) bool {
	return s != nil && (id == "" || s.id == id)
}

// missing picks the error for a command whose session is not in the slot it needs.
func (r *Registry) missing(id string, kind CallErrorKind) error {
	if id != "" && r.finished.Has(id) {
		return callErr(CallTerminated, id)
	}
	return callErr(kind, id)
}

// addPending installs an inbound session, refusing a second one.
func (r *Registry) addPending(s *CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		return callErr(CallBusy, s.id)
	}
	r.pending = s
	return nil
}

// claimPending moves the pending session into the active slot for answering.
// Once claimed, no other command can see it as pending.
func (r *Registry) claimPending(id string) (*CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !matches(r.pending, id) {
		if matches(r.active, id) && id != "" {
			return nil, callErr(CallNoIncoming, id)
		}
		return nil, r.missing(id, CallNoIncoming)
	}
	if r.active != nil {
		return nil, callErr(CallBusy, r.pending.id)
	}
	s := r.pending
	r.pending = nil
	r.active = s
	return s, nil
}

// takePending removes the pending session for rejection.
func (r *Registry) takePending(id string) (*CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !matches(r.pending, id) {
		return nil, r.missing(id, CallNoIncoming)
	}
	s := r.pending
	r.pending = nil
	return s, nil
}

// setActive installs an outbound session.
func (r *Registry) setActive(s *CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return callErr(CallBusy, s.id)
	}
	r.active = s
	return nil
}

// activeSession returns the session in the active slot.
func (r *Registry) activeSession(id string) (*CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !matches(r.active, id) {
		return nil, r.missing(id, CallNoActive)
	}
	return r.active, nil
}

// byCallID finds a live session by signaling Call-ID.
func (r *Registry) byCallID(callID string) *CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil && r.active.callID == callID {
		return r.active
	}
	if r.pending != nil && r.pending.callID == callID {
		return r.pending
	}
	return nil
}

// retire removes s from whichever slot holds it and remembers its final snapshot.
func (r *Registry) retire(s *CallSession) {
	r.mu.Lock()
	if r.active == s {
		r.active = nil
	}
	if r.pending == s {
		r.pending = nil
	}
	r.mu.Unlock()
	r.finished.Put(s.id, s.Info())
}

// live returns the sessions currently held, active first.
func (r *Registry) live() []*CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*CallSession
	if r.active != nil {
		out = append(out, r.active)
	}
	if r.pending != nil {
		out = append(out, r.pending)
	}
	return out
}

// snapshot returns the current slot contents.
func (r *Registry) snapshot() (active, pending *CallInfo) {
	r.mu.Lock()
	a, p := r.active, r.pending
	r.mu.Unlock()
	if a != nil {
		info := a.Info()
		active = &info
	}
	if p != nil {
		info := p.Info()
		pending = &info
	}
	return active, pending
}

// finishedCalls returns remembered terminated sessions, newest first.
func (r *Registry) finishedCalls() []CallInfo {
	return r.finished.Recent()
}

// lookupFinished returns a remembered terminated session.
func (r *Registry) lookupFinished(id string) (CallInfo, bool) {
	return r.finished.Get(id)
}
