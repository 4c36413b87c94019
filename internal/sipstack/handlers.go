package sipstack

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/sebas/agentline/internal/telephony"
)

func (s *Stack) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	resp := sip.NewResponseFromRequest(req, sip.StatusCode(code), reason, nil)
	if err := tx.Respond(resp); err != nil {
		slog.Warn("[SIP] Failed to respond", "method", req.Method, "status", code, "error", err)
	}
}

func (s *Stack) sessionContext() (*session, bool) {
	sess, err := s.current()
	return sess, err == nil
}

// onInvite rings a new inbound call and holds the transaction open until it
// is answered, rejected or canceled.
func (s *Stack) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	sess, ok := s.sessionContext()
	if !ok {
		s.respond(req, tx, 503, "Service Unavailable")
		return
	}
	if s.dialogs.get(callID) != nil {
		// Re-INVITEs are not supported; the existing media stays as is.
		s.respond(req, tx, 488, "Not Acceptable Here")
		return
	}

	s.respond(req, tx, 100, "Trying")

	d := newInboundDialog(req, tx)
	s.dialogs.put(d)

	remote := ""
	if from := req.From(); from != nil {
		remote = from.Address.String()
	}
	slog.Info("[SIP] Incoming INVITE", "call_id", callID, "from", remote)

	if err := s.notify(telephony.Notification{
		Kind:   telephony.NotifyIncoming,
		CallID: callID,
		Remote: remote,
		Body:   string(req.Body()),
	}); err != nil {
		s.dialogs.remove(callID)
		d.resolve()
		code, reason := 480, "Temporarily Unavailable"
		if errors.Is(err, telephony.ErrBusy) {
			code, reason = 486, "Busy Here"
		}
		slog.Info("[SIP] Refusing INVITE", "call_id", callID, "status", code, "error", err)
		s.respond(req, tx, code, reason)
		return
	}

	ringing := sip.NewResponseFromRequest(req, sip.StatusCode(180), "Ringing", nil)
	d.stampResponse(ringing)
	if err := tx.Respond(ringing); err != nil {
		slog.Warn("[SIP] Failed to send 180", "call_id", callID, "error", err)
	}

	select {
	case <-d.resolved:
	case <-sess.ctx.Done():
	case <-tx.Done():
		// The transaction died before anyone answered.
		if !d.isResolved() && d.markCanceled() {
			s.dialogs.remove(callID)
			d.resolve()
			_ = s.notify(telephony.Notification{Kind: telephony.NotifyCanceled, CallID: callID, Err: tx.Err()})
		}
	}
}

func (s *Stack) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	d := s.dialogs.get(callID)
	if d == nil || d.outbound || !d.markCanceled() {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	s.respond(req, tx, 200, "OK")

	terminated := sip.NewResponseFromRequest(d.currentInvite(), sip.StatusCode(487), "Request Terminated", nil)
	d.stampResponse(terminated)
	if err := d.serverTx.Respond(terminated); err != nil {
		slog.Warn("[SIP] Failed to send 487", "call_id", callID, "error", err)
	}
	s.dialogs.remove(callID)
	d.resolve()

	slog.Info("[SIP] INVITE canceled by caller", "call_id", callID)
	_ = s.notify(telephony.Notification{Kind: telephony.NotifyCanceled, CallID: callID})
}

func (s *Stack) onAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	d := s.dialogs.get(callID)
	if d == nil || d.outbound || !d.isAnswered() {
		return
	}
	slog.Debug("[SIP] ACK received", "call_id", callID)
	_ = s.notify(telephony.Notification{Kind: telephony.NotifyConfirmed, CallID: callID})
}

func (s *Stack) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	d := s.dialogs.get(callID)
	if d == nil {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	s.respond(req, tx, 200, "OK")
	s.dialogs.remove(callID)
	slog.Info("[SIP] BYE received", "call_id", callID)
	_ = s.notify(telephony.Notification{Kind: telephony.NotifyEnded, CallID: callID})
}

// onNotify relays REFER progress carried as message/sipfrag.
func (s *Stack) onNotify(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if s.dialogs.get(callID) == nil {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	s.respond(req, tx, 200, "OK")

	event := ""
	if h := req.GetHeader("Event"); h != nil {
		event = strings.ToLower(strings.TrimSpace(h.Value()))
	}
	if !strings.HasPrefix(event, "refer") {
		return
	}
	code, reason, err := parseSipfrag(req.Body())
	if err != nil {
		slog.Debug("[SIP] Ignoring NOTIFY with unreadable sipfrag", "call_id", callID, "error", err)
		return
	}
	slog.Debug("[SIP] Transfer progress", "call_id", callID, "status", code)
	_ = s.notify(telephony.Notification{Kind: telephony.NotifyTransfer, CallID: callID, Code: code, Reason: reason})
}

func (s *Stack) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	resp := sip.NewResponseFromRequest(req, sip.StatusCode(200), "OK", nil)
	resp.AppendHeader(sip.NewHeader("Allow", Allowed))
	resp.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	if err := tx.Respond(resp); err != nil {
		slog.Debug("[SIP] Failed to answer OPTIONS", "error", err)
	}
}
