package telephony

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockRegister makes every REGISTER with a non-zero expiry wait for its
// context and returns a channel that reports each such attempt.
func blockRegister(h *harness) <-chan struct{} {
	started := make(chan struct{}, 4)
	h.tr.registerFn = func(ctx context.Context, expires time.Duration) (time.Duration, error) {
		if expires == 0 {
			return 0, nil
		}
		started <- struct{}{}
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return started
}

func connected(t *testing.T, h *harness) {
	t.Helper()
	_, err := h.client.Connect(context.Background())
	require.NoError(t, err)
	h.log.reset()
}

func TestUnregisterAbortsRegisterInFlight(t *testing.T) {
	h := newHarness(t, nil)
	started := blockRegister(h)
	connected(t, h)

	registered := make(chan error, 1)
	go func() { registered <- h.client.JoinQueue(context.Background()) }()
	<-started
	assert.Equal(t, RegRegistering, h.client.RegistrationStatus().State)

	require.NoError(t, h.client.LeaveQueue(context.Background()))
	assert.Equal(t, RegUnregistered, h.client.RegistrationStatus().State)

	err := <-registered
	require.ErrorIs(t, err, ErrRegistrationAborted)
	assert.Equal(t, RegUnregistered, h.client.RegistrationStatus().State)

	assert.Equal(t, []EventName{EventUnregistered}, h.log.names())
	assert.Equal(t, []string{"connect", "register:600", "register:0"}, h.tr.Ops())

	// Nothing is left outstanding; a fresh register goes through.
	h.tr.registerFn = nil
	require.NoError(t, h.client.Register(context.Background()))
	assert.Equal(t, RegRegistered, h.client.RegistrationStatus().State)
}

func TestConcurrentUnregisterJoinsOutstandingOne(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)

	leaving := make(chan struct{})
	release := make(chan struct{})
	h.tr.registerFn = func(ctx context.Context, expires time.Duration) (time.Duration, error) {
		close(leaving)
		<-release
		return 0, nil
	}

	first := make(chan error, 1)
	go func() { first <- h.client.Unregister(context.Background()) }()
	<-leaving
	assert.Equal(t, RegUnregistering, h.client.RegistrationStatus().State)

	second := make(chan error, 1)
	go func() { second <- h.client.Unregister(context.Background()) }()
	require.ErrorIs(t, h.client.Register(context.Background()), ErrRegistrationInProgress)

	close(release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, RegUnregistered, h.client.RegistrationStatus().State)
	assert.Equal(t, 1, h.log.count(EventUnregistered))
	assert.Equal(t, []string{"connect", "register:600", "register:0"}, h.tr.Ops())
}

func TestUnregisterTimeoutStillEndsUnregistered(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.UnregisterTimeout = 30 * time.Millisecond })
	h.registered(t)
	h.tr.registerFn = func(ctx context.Context, expires time.Duration) (time.Duration, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}

	start := time.Now()
	require.NoError(t, h.client.Unregister(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, RegUnregistered, h.client.RegistrationStatus().State)
	assert.Equal(t, []EventName{EventUnregistered}, h.log.names())
}

func TestRegisterWhileRegisteringIsInProgress(t *testing.T) {
	h := newHarness(t, nil)
	started := blockRegister(h)
	connected(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	registered := make(chan error, 1)
	go func() { registered <- h.client.Register(ctx) }()
	<-started

	require.ErrorIs(t, h.client.Register(context.Background()), ErrRegistrationInProgress)
	assert.Equal(t, RegRegistering, h.client.RegistrationStatus().State)

	cancel()
	require.ErrorIs(t, <-registered, ErrRegistrationAborted)
}

func TestRegisterCanceledByCaller(t *testing.T) {
	h := newHarness(t, nil)
	started := blockRegister(h)
	connected(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	registered := make(chan error, 1)
	go func() { registered <- h.client.Register(ctx) }()
	<-started
	cancel()

	err := <-registered
	require.ErrorIs(t, err, ErrRegistrationAborted)
	assert.NotErrorIs(t, err, ErrRegistrationTimeout)
	assert.Equal(t, RegUnregistered, h.client.RegistrationStatus().State)

	ev, ok := h.log.find(EventRegistrationFailed)
	require.True(t, ok)
	assert.Equal(t, "canceled", ev.Registration.Cause)
	require.ErrorIs(t, ev.Err, ErrRegistrationAborted)
}

func TestRegisterTransportFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.tr.registerFn = func(ctx context.Context, expires time.Duration) (time.Duration, error) {
		return 0, errors.New("connection reset by peer")
	}
	connected(t, h)

	err := h.client.Register(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "register", te.Op)
	assert.NotErrorIs(t, err, ErrRegistrationRejected)
	assert.NotErrorIs(t, err, ErrRegistrationTimeout)
	assert.NotErrorIs(t, err, ErrRegistrationAborted)

	st := h.client.RegistrationStatus()
	assert.Equal(t, RegFailed, st.State)
	assert.Equal(t, "connection reset by peer", st.Cause)
	assert.Equal(t, []EventName{EventRegistrationFailed}, h.log.names())
}

func TestRegistrationRefreshedAtNinetyPercent(t *testing.T) {
	h := newHarness(t, nil)
	var mu sync.Mutex
	var sent []time.Time
	h.tr.registerFn = func(ctx context.Context, expires time.Duration) (time.Duration, error) {
		mu.Lock()
		sent = append(sent, time.Now())
		mu.Unlock()
		return 200 * time.Millisecond, nil
	}
	h.registered(t)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	gap := sent[1].Sub(sent[0])
	mu.Unlock()
	assert.GreaterOrEqual(t, gap, 170*time.Millisecond)
	assert.Less(t, gap, 200*time.Millisecond+100*time.Millisecond)

	assert.Equal(t, RegRegistered, h.client.RegistrationStatus().State)
	assert.Empty(t, h.log.names())
}

func TestRegistrationRefreshFailureIsReported(t *testing.T) {
	h := newHarness(t, nil)
	var attempts atomic.Int32
	h.tr.registerFn = func(ctx context.Context, expires time.Duration) (time.Duration, error) {
		if attempts.Add(1) == 1 {
			return 50 * time.Millisecond, nil
		}
		return 0, &StatusError{Code: 503, Reason: "Service Unavailable"}
	}
	h.registered(t)

	require.Eventually(t, func() bool {
		return h.client.RegistrationStatus().State == RegFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "503 Service Unavailable", h.client.RegistrationStatus().Cause)

	require.Eventually(t, func() bool { return h.log.count(EventRegistrationFailed) == 1 },
		time.Second, 10*time.Millisecond)
	ev, _ := h.log.find(EventRegistrationFailed)
	assert.Equal(t, RegFailed, ev.Registration.State)

	// Not retried on its own.
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 2, attempts.Load())
}
