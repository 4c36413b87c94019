package telephony

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CallInfo is an immutable snapshot of a session.
type CallInfo struct {
	ID             string        `json:"id"`
	CallID         string        `json:"call_id"`
	Direction      Direction     `json:"direction"`
	Remote         string        `json:"remote"`
	State          CallState     `json:"state"`
	EndReason      EndReason     `json:"end_reason,omitempty"`
	FailureCause   string        `json:"failure_cause,omitempty"`
	Muted          bool          `json:"muted"`
	CreatedAt      time.Time     `json:"created_at"`
	AnsweredAt     time.Time     `json:"answered_at,omitempty"`
	EndedAt        time.Time     `json:"ended_at,omitempty"`
	TransferTarget string        `json:"transfer_target,omitempty"`
	Duration       time.Duration `json:"duration,omitempty"`
}

// CallSession is one call attempt, inbound or outbound, from creation to a
// terminal state. Terminal states are absorbing.
type CallSession struct {
	mu sync.RWMutex

	id        string
	callID    string
	direction Direction
	remote    string
	createdAt time.Time

	state      CallState
	reason     EndReason
	cause      error
	muted      bool
	answeredAt time.Time
	endedAt    time.Time

	// offer is the remote SDP of an inbound INVITE
	offer string
	media MediaSession

	transfer      transferRequest
	transferMode  TransferMode
	transferring  bool
	transferTimer *time.Timer

	ringTimer *time.Timer
}

func newInboundSession(callID, remote, offer string) *CallSession {
	return &CallSession{
		id:        uuid.NewString(),
		callID:    callID,
		direction: Inbound,
		remote:    remote,
		createdAt: time.Now(),
		state:     CallPending,
		offer:     offer,
	}
}

func newOutboundSession(target string) *CallSession {
	return &CallSession{
		id:        uuid.NewString(),
		callID:    uuid.NewString(),
		direction: Outbound,
		remote:    target,
		createdAt: time.Now(),
		state:     CallTrying,
	}
}

// ID is the session identifier used by commands.
func (s *CallSession) ID() string { return s.id }

// CallID is the signaling Call-ID.
func (s *CallSession) CallID() string { return s.callID }

// Direction reports who placed the call.
func (s *CallSession) Direction() Direction { return s.direction }

// State returns the current state.
func (s *CallSession) State() CallState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info returns a snapshot.
func (s *CallSession) Info() CallInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.infoLocked()
}

func (s *CallSession) infoLocked() CallInfo {
	info := CallInfo{
		ID:             s.id,
		CallID:         s.callID,
		Direction:      s.direction,
		Remote:         s.remote,
		State:          s.state,
		EndReason:      s.reason,
		Muted:          s.muted,
		CreatedAt:      s.createdAt,
		AnsweredAt:     s.answeredAt,
		EndedAt:        s.endedAt,
		TransferTarget: s.transfer.uri,
	}
	if s.cause != nil {
		info.FailureCause = s.cause.Error()
	}
	if !s.answeredAt.IsZero() {
		end := s.endedAt
		if end.IsZero() {
			end = time.Now()
		}
		info.Duration = end.Sub(s.answeredAt)
	}
	return info
}

// transitionLocked moves to next or reports why it cannot.
func (s *CallSession) transitionLocked(next CallState) error {
	if s.state.IsTerminal() {
		return callErr(CallTerminated, s.id)
	}
	if !s.state.CanTransitionTo(next) {
		return fmt.Errorf("session %s: invalid state transition: %s -> %s", s.id, s.state, next)
	}
	slog.Debug("[Session] State change", "session_id", s.id, "from", s.state, "to", next)
	s.state = next
	return nil
}

// ring marks an outbound call as alerting. Repeated provisionals are ignored.
func (s *CallSession) ring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != CallTrying {
		return false
	}
	return s.transitionLocked(CallRinging) == nil
}

// activate commits an established call with its media handle.
func (s *CallSession) activate(media MediaSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(CallActive); err != nil {
		return err
	}
	if media != nil {
		s.media = media
	}
	s.answeredAt = time.Now()
	s.stopRingLocked()
	return nil
}

// end moves to CallEnded and hands back the previous state and the media
// handle for the caller to close. It fails with CallTerminated if the session
// already finished.
func (s *CallSession) end(reason EndReason) (CallState, MediaSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	if err := s.transitionLocked(CallEnded); err != nil {
		return prev, nil, err
	}
	s.reason = reason
	return prev, s.finishLocked(), nil
}

// fail moves to CallFailed with cause.
func (s *CallSession) fail(cause error) (CallState, MediaSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	if err := s.transitionLocked(CallFailed); err != nil {
		return prev, nil, err
	}
	s.cause = cause
	return prev, s.finishLocked(), nil
}

func (s *CallSession) finishLocked() MediaSession {
	s.endedAt = time.Now()
	s.stopRingLocked()
	m := s.media
	s.media = nil
	return m
}

func (s *CallSession) stopRingLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

// attachMedia records the media handle of an outbound call before it is answered.
func (s *CallSession) attachMedia(m MediaSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsTerminal() {
		return false
	}
	s.media = m
	return true
}

// activeMedia returns the media handle of an Active session.
func (s *CallSession) activeMedia() (MediaSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.IsTerminal() {
		return nil, callErr(CallTerminated, s.id)
	}
	if s.state != CallActive || s.media == nil {
		return nil, callErr(CallNoActive, s.id)
	}
	return s.media, nil
}

// pendingMedia returns the media handle of an outbound call awaiting its answer.
func (s *CallSession) pendingMedia() MediaSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.media
}

func (s *CallSession) remoteOffer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offer
}

// setMuted records the mute flag; it reports whether it changed.
func (s *CallSession) setMuted(flag bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.muted == flag {
		return false
	}
	s.muted = flag
	return true
}

func (s *CallSession) isMuted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.muted
}

// transferRequest is a transfer target as the caller gave it and as dialed.
type transferRequest struct {
	target string
	uri    string
}

// beginTransfer marks a transfer in progress.
func (s *CallSession) beginTransfer(target, uri string, mode TransferMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsTerminal() {
		return callErr(CallTerminated, s.id)
	}
	if s.state != CallActive {
		return callErr(CallNoActive, s.id)
	}
	if s.transferring {
		return &CallError{Kind: CallTransferFailed, SessionID: s.id, Cause: fmt.Errorf("transfer to %s already in progress", s.transfer.uri)}
	}
	s.transfer = transferRequest{target: target, uri: uri}
	s.transferMode = mode
	s.transferring = true
	return nil
}

// transferInProgress reports the mode of the outstanding transfer, if any.
func (s *CallSession) transferInProgress() (TransferMode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transferMode, s.transferring
}

// clearTransfer drops the in-progress marker and returns the target.
func (s *CallSession) clearTransfer() (transferRequest, TransferMode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.transferring
	s.transferring = false
	if s.transferTimer != nil {
		s.transferTimer.Stop()
		s.transferTimer = nil
	}
	return s.transfer, s.transferMode, was
}

func (s *CallSession) setRingTimer(t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != CallTrying && s.state != CallRinging {
		t.Stop()
		return
	}
	s.ringTimer = t
}

func (s *CallSession) setTransferTimer(t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.transferring {
		t.Stop()
		return
	}
	s.transferTimer = t
}
