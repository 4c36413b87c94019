package sipstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo/sip"
	"github.com/sebas/agentline/internal/telephony"
)

var errUnknownDialog = errors.New("unknown call")

// SendInvite sends the INVITE and follows its transaction in the background.
func (s *Stack) SendInvite(ctx context.Context, callID, target, offer string) error {
	sess, err := s.current()
	if err != nil {
		return err
	}
	var recipient sip.Uri
	if err := sip.ParseUri(target, &recipient); err != nil {
		return fmt.Errorf("parse target %q: %w", target, err)
	}

	localTag := generateTag()
	req := s.newRequest(sess, sip.INVITE, recipient, callID, localTag, 1)
	req.AppendHeader(sip.NewHeader("Allow", Allowed))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody([]byte(offer))

	d := newOutboundDialog(callID, localTag, req)
	s.dialogs.put(d)

	route(sess, req)
	tx, err := sess.client.TransactionRequest(sess.ctx, req)
	if err != nil {
		s.dialogs.remove(callID)
		return &telephony.TransportError{Op: "invite", Endpoint: sess.ep.URL(), Err: err}
	}
	slog.Info("[SIP] INVITE sent", "call_id", callID, "target", recipient.String())

	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		s.watchInvite(sess, d, tx)
	}()
	return nil
}

// watchInvite turns the responses to an outbound INVITE into notifications.
// A digest challenge is answered once with a fresh transaction.
func (s *Stack) watchInvite(sess *session, d *dialog, tx sip.ClientTransaction) {
	authed := false
	for {
		select {
		case <-sess.ctx.Done():
			tx.Terminate()
			return
		case <-tx.Done():
			if err := tx.Err(); err != nil && !d.isAnswered() {
				s.dialogs.remove(d.callID)
				_ = s.notify(telephony.Notification{
					Kind: telephony.NotifyFailed, CallID: d.callID,
					Code: 408, Reason: "Request Timeout", Err: err,
				})
			}
			return
		case resp := <-tx.Responses():
			if resp == nil {
				continue
			}
			code := int(resp.StatusCode)
			switch {
			case code == 100:
			case code < 200:
				_ = s.notify(telephony.Notification{Kind: telephony.NotifyProgress, CallID: d.callID, Code: code, Reason: resp.Reason})
			case code < 300:
				d.confirm(resp)
				s.ack(sess, d, resp)
				_ = s.notify(telephony.Notification{Kind: telephony.NotifyAccepted, CallID: d.callID, Code: code, Body: string(resp.Body())})
				tx.Terminate()
				return
			case isChallenge(resp) && !authed:
				authed = true
				invite := d.currentInvite()
				if err := authorize(invite, resp, authUser(sess.conn), sess.conn.Credential); err != nil {
					s.failInvite(d, resp, err)
					tx.Terminate()
					return
				}
				d.setInvite(invite)
				tx.Terminate()
				route(sess, invite)
				next, err := sess.client.TransactionRequest(sess.ctx, invite)
				if err != nil {
					s.failInvite(d, resp, err)
					return
				}
				slog.Debug("[SIP] INVITE resent with credentials", "call_id", d.callID)
				tx = next
			default:
				s.failInvite(d, resp, nil)
				tx.Terminate()
				return
			}
		}
	}
}

func (s *Stack) failInvite(d *dialog, resp *sip.Response, err error) {
	s.dialogs.remove(d.callID)
	slog.Info("[SIP] INVITE failed", "call_id", d.callID, "status", resp.StatusCode, "reason", resp.Reason)
	_ = s.notify(telephony.Notification{
		Kind: telephony.NotifyFailed, CallID: d.callID,
		Code: int(resp.StatusCode), Reason: resp.Reason, Err: err,
	})
}

func (s *Stack) ack(sess *session, d *dialog, resp *sip.Response) {
	ack := sip.NewAckRequest(d.currentInvite(), resp, nil)
	route(sess, ack)
	if err := sess.client.WriteRequest(ack); err != nil {
		slog.Warn("[SIP] Failed to send ACK", "call_id", d.callID, "error", err)
	}
}

// SendResponse answers or rejects a pending inbound INVITE.
func (s *Stack) SendResponse(ctx context.Context, callID string, code int, reason, answer string) error {
	sess, err := s.current()
	if err != nil {
		return err
	}
	d := s.dialogs.get(callID)
	if d == nil || d.outbound {
		return errUnknownDialog
	}
	if d.isResolved() {
		return fmt.Errorf("call %s already has a final response", callID)
	}

	var body []byte
	if answer != "" {
		body = []byte(answer)
	}
	resp := sip.NewResponseFromRequest(d.currentInvite(), sip.StatusCode(code), reason, body)
	d.stampResponse(resp)
	if code >= 200 && code < 300 {
		resp.AppendHeader(&sip.ContactHeader{Address: sess.contact.Address})
		resp.AppendHeader(sip.NewHeader("Allow", Allowed))
		if body != nil {
			resp.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		}
		d.markAnswered(resp)
	}

	if err := d.serverTx.Respond(resp); err != nil {
		return &telephony.TransportError{Op: "respond", Endpoint: sess.ep.URL(), Err: err}
	}
	slog.Info("[SIP] Responded to INVITE", "call_id", callID, "status", code)
	if code >= 200 {
		d.resolve()
		if code >= 300 {
			s.dialogs.remove(callID)
		}
	}
	return nil
}

// SendBye ends an established dialog.
func (s *Stack) SendBye(ctx context.Context, callID string) error {
	sess, err := s.current()
	if err != nil {
		return err
	}
	d := s.dialogs.get(callID)
	if d == nil {
		return errUnknownDialog
	}
	s.dialogs.remove(callID)

	req, err := d.buildRequest(sip.BYE, sess.contact)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	resp, err := s.do(ctx, sess, req)
	if err != nil {
		return err
	}
	slog.Info("[SIP] BYE answered", "call_id", callID, "status", resp.StatusCode)
	return nil
}

// SendCancel abandons an outbound INVITE that has no final response yet.
// The dialog stays in the table until the INVITE transaction ends: a 2xx
// that crosses the CANCEL still establishes it, and it can then be ended
// with BYE.
func (s *Stack) SendCancel(ctx context.Context, callID string) error {
	sess, err := s.current()
	if err != nil {
		return err
	}
	d := s.dialogs.get(callID)
	if d == nil || !d.outbound {
		return errUnknownDialog
	}
	if !d.markCanceled() {
		return fmt.Errorf("call %s already answered or canceled", callID)
	}

	invite := d.currentInvite()
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	resp, err := s.roundTrip(ctx, sess, cancelReq)
	if err != nil {
		return err
	}
	slog.Info("[SIP] CANCEL answered", "call_id", callID, "status", resp.StatusCode)
	return nil
}

// SendRefer asks the remote party to call target.
func (s *Stack) SendRefer(ctx context.Context, callID, target string) error {
	sess, err := s.current()
	if err != nil {
		return err
	}
	d := s.dialogs.get(callID)
	if d == nil {
		return errUnknownDialog
	}
	req, err := d.buildRequest(sip.REFER, sess.contact)
	if err != nil {
		return err
	}
	req.AppendHeader(sip.NewHeader("Refer-To", "<"+target+">"))
	req.AppendHeader(sip.NewHeader("Referred-By", "<"+sess.conn.URI+">"))

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	resp, err := s.do(ctx, sess, req)
	if err != nil {
		return err
	}
	code := int(resp.StatusCode)
	if code < 200 || code >= 300 {
		return &telephony.StatusError{Code: code, Reason: resp.Reason}
	}
	slog.Info("[SIP] REFER accepted", "call_id", callID, "target", target, "status", code)
	return nil
}
