package telephony

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// errSuperseded is the cause of a register abandoned by a later
// unregister or teardown.
var errSuperseded = errors.New("superseded")

// Registration timers.
const (
	DefaultRegisterTimeout   = 15 * time.Second
	DefaultUnregisterTimeout = 10 * time.Second
)

// Registrar drives the agent's registration ("join/leave queue"). At most
// one register or unregister round trip is outstanding at a time; retry is
// always the caller's decision.
type Registrar struct {
	transport SignalingTransport
	conn      *ConnectionManager
	notifier  *Notifier
	expires   time.Duration
	// lifetime bounds refresh round trips; canceled on cleanup
	lifetime context.Context

	mu      sync.Mutex
	status  RegistrationStatus
	gen     uint64
	refresh *time.Timer
	granted time.Duration
	// leaving is closed when the outstanding unregister resolves
	leaving chan struct{}
	// abort cancels the outstanding register round trip
	abort context.CancelFunc
}

// NewRegistrar creates a registrar in RegUnregistered.
func NewRegistrar(lifetime context.Context, transport SignalingTransport, conn *ConnectionManager, notifier *Notifier, expires time.Duration) *Registrar {
	return &Registrar{
		transport: transport,
		conn:      conn,
		notifier:  notifier,
		expires:   expires,
		lifetime:  lifetime,
	}
}

// Status is a pure read.
func (r *Registrar) Status() RegistrationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Register performs one registration round trip bounded by timeout. It is a
// no-op when already registered.
func (r *Registrar) Register(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultRegisterTimeout
	}
	if r.conn.State() != ConnConnected {
		return &TransportError{Op: "register", Err: ErrNotConnected}
	}

	r.mu.Lock()
	switch r.status.State {
	case RegRegistered:
		r.mu.Unlock()
		return nil
	case RegRegistering, RegUnregistering:
		r.mu.Unlock()
		return ErrRegistrationInProgress
	}
	r.status = RegistrationStatus{State: RegRegistering}
	r.gen++
	gen := r.gen
	rctx, cancel := context.WithTimeout(ctx, timeout)
	r.abort = cancel
	r.mu.Unlock()

	slog.Info("[Registrar] Registering", "expires", r.expires)

	granted, err := r.transport.SendRegister(rctx, r.expires)
	timedOut := errors.Is(rctx.Err(), context.DeadlineExceeded)
	cancel()

	r.mu.Lock()
	r.abort = nil
	if r.gen != gen {
		// Unregister or teardown took over while we were waiting.
		r.mu.Unlock()
		return &RegistrationError{Kind: RegistrationAborted, Cause: errSuperseded}
	}

	var statusErr *StatusError
	switch {
	case err == nil:
		r.status = RegistrationStatus{State: RegRegistered}
		r.armRefreshLocked(gen, granted)
		r.mu.Unlock()

		slog.Info("[Registrar] Registered", "granted", r.grantedOrRequested(granted))
		r.notifier.Emit(Event{Name: EventRegistered, Registration: RegistrationStatus{State: RegRegistered}})
		return nil

	case errors.As(err, &statusErr):
		st := RegistrationStatus{State: RegFailed, Cause: statusErr.Error()}
		r.status = st
		r.mu.Unlock()

		slog.Warn("[Registrar] Registration rejected", "code", statusErr.Code, "reason", statusErr.Reason)
		r.notifier.Emit(Event{Name: EventRegistrationFailed, Registration: st, Err: err})
		return &RegistrationError{Kind: RegistrationRejected, Cause: err}

	case timedOut || errors.Is(err, context.DeadlineExceeded):
		// Back to Unregistered so an immediate retry is possible.
		r.status = RegistrationStatus{State: RegUnregistered}
		r.mu.Unlock()

		slog.Warn("[Registrar] Registration timed out", "timeout", timeout)
		r.notifier.Emit(Event{
			Name:         EventRegistrationFailed,
			Registration: RegistrationStatus{State: RegUnregistered, Cause: "timeout"},
			Err:          ErrRegistrationTimeout,
		})
		return &RegistrationError{Kind: RegistrationTimeout, Cause: err}

	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		r.status = RegistrationStatus{State: RegUnregistered}
		r.mu.Unlock()

		slog.Info("[Registrar] Registration canceled")
		r.notifier.Emit(Event{
			Name:         EventRegistrationFailed,
			Registration: RegistrationStatus{State: RegUnregistered, Cause: "canceled"},
			Err:          ErrRegistrationAborted,
		})
		return &RegistrationError{Kind: RegistrationAborted, Cause: err}

	default:
		st := RegistrationStatus{State: RegFailed, Cause: err.Error()}
		r.status = st
		r.mu.Unlock()

		slog.Warn("[Registrar] Registration failed", "error", err)
		r.notifier.Emit(Event{Name: EventRegistrationFailed, Registration: st, Err: err})
		return &TransportError{Op: "register", Err: err}
	}
}

// Unregister removes the binding. Timeouts and failures are logged and
// reported as success; the state always ends in RegUnregistered. A register
// still in flight is abandoned, and a concurrent unregister is joined.
func (r *Registrar) Unregister(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultUnregisterTimeout
	}

	r.mu.Lock()
	switch r.status.State {
	case RegUnregistered:
		r.mu.Unlock()
		return nil
	case RegUnregistering:
		done := r.leaving
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return nil
	case RegFailed:
		r.status = RegistrationStatus{State: RegUnregistered}
		r.gen++
		r.mu.Unlock()
		r.notifier.Emit(Event{Name: EventUnregistered, Registration: RegistrationStatus{State: RegUnregistered}})
		return nil
	}
	was := r.status.State
	r.status = RegistrationStatus{State: RegUnregistering}
	r.stopRefreshLocked()
	r.abortLocked()
	r.gen++
	gen := r.gen
	done := make(chan struct{})
	r.leaving = done
	r.mu.Unlock()
	defer close(done)

	slog.Info("[Registrar] Unregistering", "was", was)

	if r.conn.State() == ConnConnected {
		uctx, cancel := context.WithTimeout(ctx, timeout)
		if _, err := r.transport.SendRegister(uctx, 0); err != nil {
			slog.Warn("[Registrar] Unregister did not complete, forcing Unregistered", "error", err)
		}
		cancel()
	}

	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return nil
	}
	r.status = RegistrationStatus{State: RegUnregistered}
	r.mu.Unlock()

	slog.Info("[Registrar] Unregistered")
	r.notifier.Emit(Event{Name: EventUnregistered, Registration: RegistrationStatus{State: RegUnregistered}})
	return nil
}

// forceUnregistered drops local registration state without a round trip.
// Used when the connection goes away underneath us.
func (r *Registrar) forceUnregistered() {
	r.mu.Lock()
	r.stopRefreshLocked()
	r.abortLocked()
	r.gen++
	was := r.status.State
	r.status = RegistrationStatus{State: RegUnregistered}
	r.mu.Unlock()

	if was != RegUnregistered {
		slog.Info("[Registrar] Forced Unregistered", "was", was)
		r.notifier.Emit(Event{Name: EventUnregistered, Registration: RegistrationStatus{State: RegUnregistered}})
	}
}

func (r *Registrar) grantedOrRequested(granted time.Duration) time.Duration {
	if granted > 0 {
		return granted
	}
	return r.expires
}

// armRefreshLocked schedules a re-registration at 90% of the granted lifetime.
func (r *Registrar) armRefreshLocked(gen uint64, granted time.Duration) {
	r.stopRefreshLocked()
	lifetime := r.grantedOrRequested(granted)
	r.granted = lifetime
	if lifetime <= 0 {
		return
	}
	r.refresh = time.AfterFunc(lifetime*9/10, func() { r.refreshBinding(gen) })
}

func (r *Registrar) abortLocked() {
	if r.abort != nil {
		r.abort()
		r.abort = nil
	}
}

func (r *Registrar) stopRefreshLocked() {
	if r.refresh != nil {
		r.refresh.Stop()
		r.refresh = nil
	}
}

// refreshBinding re-sends the registration while staying Registered. A
// failure moves to RegFailed and is reported; it is not retried.
func (r *Registrar) refreshBinding(gen uint64) {
	r.mu.Lock()
	if r.gen != gen || r.status.State != RegRegistered {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.lifetime, DefaultRegisterTimeout)
	granted, err := r.transport.SendRegister(ctx, r.expires)
	cancel()

	r.mu.Lock()
	if r.gen != gen || r.status.State != RegRegistered {
		r.mu.Unlock()
		return
	}
	if err != nil {
		st := RegistrationStatus{State: RegFailed, Cause: err.Error()}
		r.status = st
		r.mu.Unlock()

		slog.Warn("[Registrar] Refresh failed", "error", err)
		r.notifier.Emit(Event{Name: EventRegistrationFailed, Registration: st, Err: err})
		return
	}
	r.armRefreshLocked(gen, granted)
	r.mu.Unlock()
	slog.Debug("[Registrar] Registration refreshed", "granted", r.grantedOrRequested(granted))
}
