package telephony

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientRejectsBadConfig(t *testing.T) {
	tr := newFakeTransport()
	mf := &fakeMediaFactory{}

	cfg := testConfig()
	cfg.Credential = ""
	_, err := NewClient(cfg, Options{Transport: tr, Media: mf})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewClient(testConfig(), Options{Media: mf})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewClient(testConfig(), Options{Transport: tr, Media: mf, ICEServers: []ICEServer{{URLs: []string{"http://nope"}}}})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestInboundCallLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	state, err := h.client.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, ConnConnected, state)
	require.NoError(t, h.client.Register(ctx))
	assert.Equal(t, RegRegistered, h.client.RegistrationStatus().State)

	pending := h.ring(t, "call-1")
	assert.Equal(t, CallPending, pending.State)
	assert.Equal(t, Inbound, pending.Direction)

	info, err := h.client.Answer(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, CallActive, info.State)
	assert.Equal(t, pending.ID, info.ID)

	st := h.client.Status()
	assert.Nil(t, st.PendingCall)
	require.NotNil(t, st.ActiveCall)
	assert.True(t, st.IsInCall)

	require.NoError(t, h.client.HangUp(ctx, ""))
	ended, ok := h.log.find(EventCallEnded)
	require.True(t, ok)
	assert.Equal(t, CallEnded, ended.Call.State)
	assert.Equal(t, EndHangup, ended.Call.EndReason)
	assert.True(t, h.media.last().isClosed())

	assert.Equal(t, []EventName{
		EventConnected, EventRegistered, EventIncomingCall, EventCallAnswered, EventCallEnded,
	}, h.log.names())
	assert.Equal(t, []string{"connect", "register:600", "response:200", "bye"}, h.tr.Ops())

	st = h.client.Status()
	assert.Nil(t, st.ActiveCall)
	recent := h.client.RecentCalls()
	require.Len(t, recent, 1)
	assert.Equal(t, pending.ID, recent[0].ID)
}

func TestRegistrationRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.tr.registerFn = func(ctx context.Context, expires time.Duration) (time.Duration, error) {
		return 0, &StatusError{Code: 403, Reason: "Forbidden"}
	}
	ctx := context.Background()
	_, err := h.client.Connect(ctx)
	require.NoError(t, err)

	err = h.client.Register(ctx)
	require.ErrorIs(t, err, ErrRegistrationRejected)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 403, se.Code)

	st := h.client.RegistrationStatus()
	assert.Equal(t, RegFailed, st.State)
	assert.Equal(t, "403 Forbidden", st.Cause)

	ev, ok := h.log.find(EventRegistrationFailed)
	require.True(t, ok)
	assert.Equal(t, RegFailed, ev.Registration.State)

	// Unregister out of the failed state is local only.
	require.NoError(t, h.client.Unregister(ctx))
	assert.Equal(t, RegUnregistered, h.client.RegistrationStatus().State)
}

func TestRegistrationTimeoutAllowsRetry(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.RegisterTimeout = 30 * time.Millisecond })
	block := true
	h.tr.registerFn = func(ctx context.Context, expires time.Duration) (time.Duration, error) {
		if block {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return expires, nil
	}
	ctx := context.Background()
	_, err := h.client.Connect(ctx)
	require.NoError(t, err)

	err = h.client.Register(ctx)
	require.ErrorIs(t, err, ErrRegistrationTimeout)
	assert.Equal(t, RegUnregistered, h.client.RegistrationStatus().State)

	ev, ok := h.log.find(EventRegistrationFailed)
	require.True(t, ok)
	assert.Equal(t, "timeout", ev.Registration.Cause)

	block = false
	require.NoError(t, h.client.Register(ctx))
	assert.Equal(t, RegRegistered, h.client.RegistrationStatus().State)
}

func TestRegisterRequiresConnection(t *testing.T) {
	h := newHarness(t, nil)
	err := h.client.Register(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, h.log.names())
}

func TestRegisterIsNoOpWhenRegistered(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	require.NoError(t, h.client.Register(context.Background()))
	assert.Empty(t, h.log.names())
	assert.Equal(t, []string{"connect", "register:600"}, h.tr.Ops())
}

func TestOutboundCallLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	ctx := context.Background()

	info, err := h.client.Dial(ctx, "2002")
	require.NoError(t, err)
	assert.Equal(t, CallTrying, info.State)
	assert.Equal(t, "sip:2002@pbx.example.com", info.Remote)
	assert.Contains(t, h.tr.Ops(), "invite:sip:2002@pbx.example.com")

	require.NoError(t, h.tr.deliver(Notification{Kind: NotifyProgress, CallID: info.CallID, Code: 180}))
	assert.Equal(t, CallRinging, h.client.Status().ActiveCall.State)

	require.NoError(t, h.tr.deliver(Notification{Kind: NotifyAccepted, CallID: info.CallID, Code: 200, Body: "v=0 their answer"}))
	st := h.client.Status()
	require.NotNil(t, st.ActiveCall)
	assert.Equal(t, CallActive, st.ActiveCall.State)
	assert.Equal(t, "v=0 their answer", h.media.last().answer)

	require.NoError(t, h.tr.deliver(Notification{Kind: NotifyEnded, CallID: info.CallID}))
	ended, ok := h.log.find(EventCallEnded)
	require.True(t, ok)
	assert.Equal(t, EndRemoteHangup, ended.Call.EndReason)
	assert.Equal(t, []EventName{EventCallAnswered, EventCallEnded}, h.log.names())
	assert.Nil(t, h.client.Status().ActiveCall)
}

func TestSecondIncomingCallIsBusy(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)

	first := h.ring(t, "call-1")
	err := h.tr.deliver(Notification{Kind: NotifyIncoming, CallID: "call-2", Remote: "sip:other@pbx.example.com"})
	require.ErrorIs(t, err, ErrBusy)

	assert.Equal(t, 1, h.log.count(EventIncomingCall))
	st := h.client.Status()
	require.NotNil(t, st.PendingCall)
	assert.Equal(t, first.ID, st.PendingCall.ID)
}

func TestIncomingWhileActiveStaysPending(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	h.active(t)

	require.NoError(t, h.tr.deliver(Notification{Kind: NotifyIncoming, CallID: "call-2"}))
	_, err := h.client.Answer(context.Background(), "")
	require.ErrorIs(t, err, ErrBusy)

	st := h.client.Status()
	assert.NotNil(t, st.PendingCall)
	assert.NotNil(t, st.ActiveCall)
}

func TestAnswerTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	pending := h.ring(t, "call-1")

	_, err := h.client.Answer(context.Background(), pending.ID)
	require.NoError(t, err)
	_, err = h.client.Answer(context.Background(), pending.ID)
	require.ErrorIs(t, err, ErrNoIncomingCall)
	assert.Equal(t, 1, h.log.count(EventCallAnswered))
}

func TestAnswerWithoutIncomingCall(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.client.Answer(context.Background(), "")
	require.ErrorIs(t, err, ErrNoIncomingCall)
}

func TestAnswerNegotiationFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	h.media.negotiateErr = errors.New("no common codec")
	pending := h.ring(t, "call-1")

	info, err := h.client.Answer(context.Background(), pending.ID)
	require.ErrorIs(t, err, ErrNegotiationFailed)
	assert.Equal(t, CallFailed, info.State)
	assert.Contains(t, h.tr.Ops(), "response:488")

	ev, ok := h.log.find(EventCallFailed)
	require.True(t, ok)
	require.ErrorIs(t, ev.Err, ErrNegotiationFailed)

	st := h.client.Status()
	assert.Nil(t, st.ActiveCall)
	assert.Nil(t, st.PendingCall)
}

func TestRejectThenAnswerIsTerminated(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	pending := h.ring(t, "call-1")

	require.NoError(t, h.client.Reject(context.Background(), pending.ID, 0, ""))
	assert.Contains(t, h.tr.Ops(), "response:486")
	ev, ok := h.log.find(EventCallRejected)
	require.True(t, ok)
	assert.Equal(t, EndRejected, ev.Call.EndReason)

	_, err := h.client.Answer(context.Background(), pending.ID)
	require.ErrorIs(t, err, ErrSessionTerminated)
	assert.Equal(t, 0, h.log.count(EventCallAnswered))
}

func TestRejectCustomStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	h.ring(t, "call-1")

	require.Error(t, h.client.Reject(context.Background(), "", 200, "OK"))
	require.NoError(t, h.client.Reject(context.Background(), "", 603, "Decline"))
	assert.Contains(t, h.tr.Ops(), "response:603")
}

func TestHangUpWithoutCall(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	err := h.client.HangUp(context.Background(), "")
	require.ErrorIs(t, err, ErrNoActiveCall)
	assert.Empty(t, h.log.names())
}

func TestHangUpTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	info := h.active(t)

	require.NoError(t, h.client.HangUp(context.Background(), info.ID))
	err := h.client.HangUp(context.Background(), info.ID)
	require.ErrorIs(t, err, ErrSessionTerminated)
	assert.Equal(t, 1, h.log.count(EventCallEnded))
}

func TestHangUpRingingOutboundSendsCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	info, err := h.client.Dial(context.Background(), "sip:2002@pbx.example.com")
	require.NoError(t, err)

	require.NoError(t, h.client.HangUp(context.Background(), info.ID))
	assert.Contains(t, h.tr.Ops(), "cancel")
	assert.NotContains(t, h.tr.Ops(), "bye")

	// A late 200 for the abandoned call is torn down.
	require.NoError(t, h.tr.deliver(Notification{Kind: NotifyAccepted, CallID: info.CallID}))
	assert.Contains(t, h.tr.Ops(), "bye")
	assert.Equal(t, 0, h.log.count(EventCallAnswered))
}

func TestHangUpWhileAnswerIsAppliedSendsBye(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	info, err := h.client.Dial(context.Background(), "sip:2002@pbx.example.com")
	require.NoError(t, err)

	applying := make(chan struct{})
	release := make(chan struct{})
	h.media.applyHook = func() {
		close(applying)
		<-release
	}
	delivered := make(chan error, 1)
	go func() {
		delivered <- h.tr.deliver(Notification{Kind: NotifyAccepted, CallID: info.CallID, Body: "v=0 answer"})
	}()
	<-applying

	require.NoError(t, h.client.HangUp(context.Background(), info.ID))
	close(release)
	require.NoError(t, <-delivered)

	// CANCEL went out first; once the 2xx is applied the dialog is ended with BYE.
	ops := h.tr.Ops()
	require.Contains(t, ops, "cancel")
	require.Contains(t, ops, "bye")
	assert.Less(t, indexOf(ops, "cancel"), indexOf(ops, "bye"))
	assert.Equal(t, 0, h.log.count(EventCallAnswered))
	assert.Equal(t, 1, h.log.count(EventCallEnded))
	assert.Nil(t, h.client.Status().ActiveCall)
}

func TestStatusWhileAnswerNegotiates(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	pending := h.ring(t, "call-1")

	negotiating := make(chan struct{})
	release := make(chan struct{})
	h.media.negotiateHook = func() {
		close(negotiating)
		<-release
	}
	answered := make(chan error, 1)
	go func() {
		_, err := h.client.Answer(context.Background(), pending.ID)
		answered <- err
	}()
	<-negotiating

	st := h.client.Status()
	assert.Nil(t, st.ActiveCall)
	require.NotNil(t, st.PendingCall)
	assert.Equal(t, pending.ID, st.PendingCall.ID)
	assert.Equal(t, CallPending, st.PendingCall.State)
	assert.True(t, st.IsIncoming)
	assert.False(t, st.IsInCall)

	// Neither a second answer nor a hangup can touch it mid-negotiation.
	_, err := h.client.Answer(context.Background(), pending.ID)
	require.ErrorIs(t, err, ErrNoIncomingCall)
	require.ErrorIs(t, h.client.HangUp(context.Background(), pending.ID), ErrNoActiveCall)

	close(release)
	require.NoError(t, <-answered)
	st = h.client.Status()
	assert.Nil(t, st.PendingCall)
	require.NotNil(t, st.ActiveCall)
	assert.Equal(t, CallActive, st.ActiveCall.State)
	assert.True(t, st.IsInCall)
}

func indexOf(ops []string, op string) int {
	for i, got := range ops {
		if got == op {
			return i
		}
	}
	return -1
}

func TestDialRequiresRegistration(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.client.Connect(context.Background())
	require.NoError(t, err)
	_, err = h.client.Dial(context.Background(), "2002")
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestDialWhileActiveIsBusy(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	h.active(t)
	_, err := h.client.Dial(context.Background(), "2002")
	require.ErrorIs(t, err, ErrBusy)
}

func TestDialRejectedByRemote(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	info, err := h.client.Dial(context.Background(), "2002")
	require.NoError(t, err)

	require.NoError(t, h.tr.deliver(Notification{Kind: NotifyFailed, CallID: info.CallID, Code: 486, Reason: "Busy Here"}))
	ev, ok := h.log.find(EventCallFailed)
	require.True(t, ok)
	assert.Equal(t, CallFailed, ev.Call.State)
	assert.Equal(t, "486 Busy Here", ev.Call.FailureCause)
	assert.True(t, h.media.last().isClosed())
}

func TestRingTimeoutCancelsCall(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.RingTimeout = 20 * time.Millisecond })
	h.registered(t)
	_, err := h.client.Dial(context.Background(), "2002")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.log.count(EventCallFailed) == 1 }, time.Second, 5*time.Millisecond)
	ev, _ := h.log.find(EventCallFailed)
	require.ErrorIs(t, ev.Err, ErrRingTimeout)
	assert.Contains(t, h.tr.Ops(), "cancel")
}

func TestMuteIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	info := h.active(t)

	require.NoError(t, h.client.Mute(info.ID, true))
	require.NoError(t, h.client.Mute(info.ID, true))
	assert.Equal(t, 1, h.log.count(EventCallMuted))
	assert.False(t, h.media.last().enabled)
	assert.True(t, h.client.Status().ActiveCall.Muted)

	require.NoError(t, h.client.Mute(info.ID, false))
	assert.Equal(t, 2, h.log.count(EventCallMuted))
	assert.True(t, h.media.last().enabled)
}

func TestMuteWithoutActiveCall(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	h.ring(t, "call-1")
	require.ErrorIs(t, h.client.Mute("", true), ErrNoActiveCall)
}

func TestSendTone(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	info := h.active(t)

	err := h.client.SendTone(context.Background(), info.ID, "12x", 0, 0)
	require.ErrorIs(t, err, ErrInvalidTones)
	assert.Equal(t, 0, h.log.count(EventDTMFSent))

	require.NoError(t, h.client.SendTone(context.Background(), info.ID, "1a#,", 0, 0))
	ev, ok := h.log.find(EventDTMFSent)
	require.True(t, ok)
	assert.Equal(t, "1A#,", ev.Tones)

	tones := h.media.last().tones
	require.Len(t, tones, 1)
	assert.Equal(t, DefaultToneDuration, tones[0].duration)
	assert.Equal(t, DefaultToneGap, tones[0].gap)
}

func TestBlindTransfer(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	info := h.active(t)

	require.NoError(t, h.client.Transfer(context.Background(), info.ID, "3003", Blind))
	ops := h.tr.Ops()
	assert.Contains(t, ops, "refer:sip:3003@pbx.example.com")
	assert.Contains(t, ops, "bye")

	ev, ok := h.log.find(EventCallTransferred)
	require.True(t, ok)
	assert.True(t, ev.Completed)
	assert.Equal(t, Blind, ev.Mode)
	assert.Equal(t, "3003", ev.Target)
	assert.Equal(t, "sip:3003@pbx.example.com", ev.Call.TransferTarget)
	assert.Equal(t, EndRedirected, ev.Call.EndReason)
	assert.Equal(t, 0, h.log.count(EventCallEnded))
	assert.Nil(t, h.client.Status().ActiveCall)
}

func TestBlindTransferNotifiedBeforeReferReturns(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	info := h.active(t)

	// The far end reports success while the REFER round trip is still open.
	h.tr.referHook = func() {
		assert.NoError(t, h.tr.deliver(Notification{Kind: NotifyTransfer, CallID: info.CallID, Code: 200, Reason: "OK"}))
	}
	require.NoError(t, h.client.Transfer(context.Background(), info.ID, "3003", Blind))

	require.Equal(t, 1, h.log.count(EventCallTransferred))
	ev, _ := h.log.find(EventCallTransferred)
	assert.True(t, ev.Completed)
	assert.Equal(t, "3003", ev.Target)
	assert.Equal(t, EndRedirected, ev.Call.EndReason)
	assert.Nil(t, h.client.Status().ActiveCall)

	// A NOTIFY after the session ended changes nothing.
	require.NoError(t, h.tr.deliver(Notification{Kind: NotifyTransfer, CallID: info.CallID, Code: 200, Reason: "OK"}))
	assert.Equal(t, 1, h.log.count(EventCallTransferred))
}

func TestAttendedTransferCompletes(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	info := h.active(t)

	require.NoError(t, h.client.Transfer(context.Background(), info.ID, "3003", Attended))
	assert.Equal(t, CallActive, h.client.Status().ActiveCall.State)

	err := h.client.Transfer(context.Background(), info.ID, "3004", Attended)
	require.ErrorIs(t, err, ErrTransferFailed)

	require.NoError(t, h.tr.deliver(Notification{Kind: NotifyTransfer, CallID: info.CallID, Code: 100}))
	assert.Equal(t, 0, h.log.count(EventCallTransferred))

	require.NoError(t, h.tr.deliver(Notification{Kind: NotifyTransfer, CallID: info.CallID, Code: 200, Reason: "OK"}))
	ev, ok := h.log.find(EventCallTransferred)
	require.True(t, ok)
	assert.True(t, ev.Completed)
	assert.Equal(t, EndTransferred, ev.Call.EndReason)
	assert.Nil(t, h.client.Status().ActiveCall)
}

func TestAttendedTransferRefused(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	info := h.active(t)

	require.NoError(t, h.client.Transfer(context.Background(), info.ID, "3003", Attended))
	require.NoError(t, h.tr.deliver(Notification{Kind: NotifyTransfer, CallID: info.CallID, Code: 603, Reason: "Decline"}))

	ev, ok := h.log.find(EventCallTransferred)
	require.True(t, ok)
	assert.False(t, ev.Completed)
	require.ErrorIs(t, ev.Err, ErrTransferFailed)
	assert.Equal(t, CallActive, h.client.Status().ActiveCall.State)
}

func TestTransferReferRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	info := h.active(t)
	h.tr.referErr = &StatusError{Code: 403, Reason: "Forbidden"}

	err := h.client.Transfer(context.Background(), info.ID, "3003", Blind)
	require.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, CallActive, h.client.Status().ActiveCall.State)
	assert.Empty(t, h.log.names())
}

func TestRemoteCancelEndsPendingCall(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	h.ring(t, "call-1")

	require.NoError(t, h.tr.deliver(Notification{Kind: NotifyCanceled, CallID: "call-1"}))
	ev, ok := h.log.find(EventCallEnded)
	require.True(t, ok)
	assert.Equal(t, EndCanceled, ev.Call.EndReason)
	assert.Nil(t, h.client.Status().PendingCall)
}

func TestTransportLossEndsEverything(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	info := h.active(t)

	require.NoError(t, h.tr.deliver(Notification{Kind: NotifyDisconnected, Err: errors.New("ws closed")}))

	assert.Equal(t, ConnTransportError, h.client.ConnectionState())
	assert.Equal(t, RegUnregistered, h.client.RegistrationStatus().State)
	assert.Equal(t, []EventName{EventTransportError, EventUnregistered, EventCallEnded}, h.log.names())

	ended, _ := h.log.find(EventCallEnded)
	assert.Equal(t, info.ID, ended.Call.ID)
	assert.Equal(t, EndDisconnected, ended.Call.EndReason)
	assert.NotContains(t, h.tr.Ops(), "bye")
}

func TestCloseTearsDownAndIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	h.active(t)

	require.NoError(t, h.client.Close())
	require.NoError(t, h.client.Close())

	st := h.client.Status()
	assert.Equal(t, ConnDisconnected, st.Connection)
	assert.Equal(t, RegUnregistered, st.Registration.State)
	assert.Nil(t, st.ActiveCall)
	assert.Equal(t, []EventName{EventCallEnded, EventUnregistered, EventDisconnected}, h.log.names())
	assert.Contains(t, h.tr.Ops(), "register:0")

	_, err := h.client.Connect(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestConnectFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.tr.connectErr = errors.New("connection refused")

	state, err := h.client.Connect(context.Background())
	assert.Equal(t, ConnTransportError, state)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, []EventName{EventTransportError}, h.log.names())
	assert.Contains(t, h.client.Status().ConnectionError, "connection refused")
}

func TestDisconnectDuringConnect(t *testing.T) {
	h := newHarness(t, nil)
	h.tr.connectWait = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.client.Connect(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return h.client.ConnectionState() == ConnConnecting }, time.Second, time.Millisecond)

	_, err := h.client.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectInProgress)

	h.client.Disconnect()
	close(h.tr.connectWait)
	require.ErrorIs(t, <-done, ErrClosed)
	assert.Equal(t, ConnDisconnected, h.client.ConnectionState())
}

func TestProbe(t *testing.T) {
	h := newHarness(t, nil)
	assert.True(t, h.client.Probe(context.Background(), "wss://pbx.example.com/ws"))
	h.tr.probeErr = errors.New("refused")
	assert.False(t, h.client.Probe(context.Background(), "wss://pbx.example.com/ws"))
}

func TestUpdateICEServers(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)

	require.ErrorIs(t, h.client.UpdateICEServers(nil), ErrInvalidConfig)

	servers := []ICEServer{{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"}}
	require.NoError(t, h.client.UpdateICEServers(servers))
	_, err := h.client.Dial(context.Background(), "2002")
	require.NoError(t, err)

	policy := h.media.policies[len(h.media.policies)-1]
	assert.True(t, policy.Audio)
	assert.False(t, policy.Video)
	assert.Equal(t, servers, policy.ICEServers)
}

func TestHandlerMayCallBackIntoClient(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)

	answered := make(chan error, 1)
	h.client.On(EventIncomingCall, func(ev Event) {
		_, err := h.client.Answer(context.Background(), ev.Call.ID)
		answered <- err
	})
	require.NoError(t, h.tr.deliver(Notification{Kind: NotifyIncoming, CallID: "call-1"}))
	require.NoError(t, <-answered)
	assert.Equal(t, CallActive, h.client.Status().ActiveCall.State)
}

func TestEventSnapshotReflectsCommittedState(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	h.ring(t, "call-1")

	var seen Status
	h.client.On(EventCallAnswered, func(Event) { seen = h.client.Status() })
	_, err := h.client.Answer(context.Background(), "")
	require.NoError(t, err)

	require.NotNil(t, seen.ActiveCall)
	assert.Equal(t, CallActive, seen.ActiveCall.State)
	assert.Nil(t, seen.PendingCall)
}

func TestRandomCommandsKeepOneActiveOnePending(t *testing.T) {
	h := newHarness(t, nil)
	h.registered(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(20261015))

	var callIDs []string
	lastDialed := ""
	offered := 0
	pick := func() string {
		if len(callIDs) == 0 {
			return "none"
		}
		return callIDs[rng.Intn(len(callIDs))]
	}

	for step := 0; step < 500; step++ {
		switch rng.Intn(10) {
		case 0, 1:
			id := fmt.Sprintf("in-%d", step)
			callIDs = append(callIDs, id)
			if h.tr.deliver(Notification{Kind: NotifyIncoming, CallID: id, Remote: "sip:caller@pbx.example.com", Body: "v=0 remote"}) == nil {
				offered++
			}
		case 2:
			_, _ = h.client.Answer(ctx, "")
		case 3:
			_ = h.client.Reject(ctx, "", 486, "Busy Here")
		case 4:
			_ = h.client.HangUp(ctx, "")
		case 5:
			if info, err := h.client.Dial(ctx, "2002"); err == nil {
				lastDialed = info.CallID
				callIDs = append(callIDs, info.CallID)
			}
		case 6:
			_ = h.tr.deliver(Notification{Kind: NotifyAccepted, CallID: lastDialed, Body: "v=0 answer"})
		case 7:
			_ = h.tr.deliver(Notification{Kind: NotifyEnded, CallID: pick()})
		case 8:
			_ = h.tr.deliver(Notification{Kind: NotifyCanceled, CallID: pick()})
		case 9:
			_ = h.client.Transfer(ctx, "", "3003", Blind)
		}

		h.client.mu.Lock()
		active, pending := h.client.registry.snapshot()
		h.client.mu.Unlock()
		states := map[CallState]int{}
		for _, info := range []*CallInfo{active, pending} {
			if info != nil {
				states[info.State]++
				require.False(t, info.State.IsTerminal(), "step %d: finished session %s still held", step, info.ID)
			}
		}
		require.LessOrEqual(t, states[CallActive], 1, "step %d", step)
		require.LessOrEqual(t, states[CallPending], 1, "step %d", step)
		if pending != nil {
			require.Equal(t, CallPending, pending.State, "step %d", step)
		}

		st := h.client.Status()
		if st.IsInCall {
			require.NotNil(t, st.ActiveCall)
			require.Equal(t, CallActive, st.ActiveCall.State)
		}
	}
	assert.Equal(t, offered, h.log.count(EventIncomingCall))
}
