package sipstack

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// dialog tracks one call leg from its INVITE to its BYE. Outbound dialogs
// hold the INVITE we sent and the 2xx we received; inbound ones hold the
// INVITE we received and its server transaction.
type dialog struct {
	mu sync.Mutex

	callID   string
	outbound bool

	invite   *sip.Request
	response *sip.Response
	serverTx sip.ServerTransaction

	localTag  string
	remoteTag string
	// remoteTarget is the Contact of the other side, used as Request-URI
	// for in-dialog requests
	remoteTarget *sip.Uri

	localCSeq atomic.Uint32

	resolved    chan struct{}
	resolveOnce sync.Once
	answered    bool
	canceled    bool
}

func newOutboundDialog(callID, localTag string, invite *sip.Request) *dialog {
	d := &dialog{
		callID:   callID,
		outbound: true,
		invite:   invite,
		localTag: localTag,
		resolved: make(chan struct{}),
	}
	if cseq := invite.CSeq(); cseq != nil {
		d.localCSeq.Store(cseq.SeqNo)
	}
	return d
}

func newInboundDialog(req *sip.Request, tx sip.ServerTransaction) *dialog {
	d := &dialog{
		callID:   callIDOf(req),
		invite:   req,
		serverTx: tx,
		localTag: generateTag(),
		resolved: make(chan struct{}),
	}
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
	}
	if contact := req.Contact(); contact != nil {
		target := contact.Address
		d.remoteTarget = &target
	}
	if cseq := req.CSeq(); cseq != nil {
		d.localCSeq.Store(cseq.SeqNo)
	}
	return d
}

// resolve marks the inbound INVITE transaction as finished.
func (d *dialog) resolve() {
	d.resolveOnce.Do(func() { close(d.resolved) })
}

func (d *dialog) isResolved() bool {
	select {
	case <-d.resolved:
		return true
	default:
		return false
	}
}

// confirm records the 2xx that established an outbound dialog.
func (d *dialog) confirm(resp *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.response = resp
	d.answered = true
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
	}
	if contact := resp.Contact(); contact != nil {
		target := contact.Address
		d.remoteTarget = &target
	}
}

// setInvite replaces the INVITE after an authenticated retry.
func (d *dialog) setInvite(req *sip.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invite = req
	if cseq := req.CSeq(); cseq != nil {
		d.localCSeq.Store(cseq.SeqNo)
	}
}

func (d *dialog) currentInvite() *sip.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.invite
}

func (d *dialog) isAnswered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.answered
}

// markAnswered records the 2xx we sent for an inbound dialog.
func (d *dialog) markAnswered(resp *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.response = resp
	d.answered = true
}

// markCanceled reports false when the dialog was already answered or canceled.
func (d *dialog) markCanceled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.answered || d.canceled {
		return false
	}
	d.canceled = true
	return true
}

// stampResponse puts our tag on the To header of a response we send.
func (d *dialog) stampResponse(resp *sip.Response) {
	if to := resp.To(); to != nil {
		to.Params.Add("tag", d.localTag)
	}
}

// buildRequest builds an in-dialog request (BYE, REFER) with From/To
// oriented for our side of the dialog and the next local CSeq.
func (d *dialog) buildRequest(method sip.RequestMethod, contact sip.ContactHeader) (*sip.Request, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.invite == nil {
		return nil, fmt.Errorf("cannot build %s: missing INVITE", method)
	}

	var recipient sip.Uri
	switch {
	case d.remoteTarget != nil:
		recipient = *d.remoteTarget
	case d.outbound:
		recipient = d.invite.Recipient
	default:
		recipient = d.invite.From().Address
	}
	recipient.UriParams = sip.NewParams()

	req := sip.NewRequest(method, recipient)

	if d.outbound {
		if from := d.invite.From(); from != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
		if to := d.invite.To(); to != nil {
			toHdr := &sip.ToHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      sip.NewParams(),
			}
			if d.remoteTag != "" {
				toHdr.Params.Add("tag", d.remoteTag)
			}
			req.AppendHeader(toHdr)
		}
	} else {
		// We are the callee: our identity is the INVITE's To, theirs its From.
		if to := d.invite.To(); to != nil {
			fromParams := sip.NewParams()
			fromParams.Add("tag", d.localTag)
			req.AppendHeader(&sip.FromHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      fromParams,
			})
		}
		if from := d.invite.From(); from != nil {
			req.AppendHeader(&sip.ToHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
	}

	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      d.localCSeq.Add(1),
		MethodName: method,
	})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: contact.Address})
	return req, nil
}

// dialogTable indexes dialogs by Call-ID.
type dialogTable struct {
	mu sync.RWMutex
	m  map[string]*dialog
}

func newDialogTable() *dialogTable {
	return &dialogTable{m: make(map[string]*dialog)}
}

func (t *dialogTable) put(d *dialog) {
	t.mu.Lock()
	t.m[d.callID] = d
	t.mu.Unlock()
}

func (t *dialogTable) get(callID string) *dialog {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.m[callID]
}

func (t *dialogTable) remove(callID string) {
	t.mu.Lock()
	delete(t.m, callID)
	t.mu.Unlock()
}

// drain empties the table and releases any handler still waiting on an
// inbound INVITE.
func (t *dialogTable) drain() {
	t.mu.Lock()
	all := t.m
	t.m = make(map[string]*dialog)
	t.mu.Unlock()
	for _, d := range all {
		d.resolve()
	}
}

func (t *dialogTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

func callIDOf(req *sip.Request) string {
	if req.CallID() == nil {
		return ""
	}
	// Cast directly; String() includes the header name.
	return string(*req.CallID())
}

func generateTag() string {
	return uuid.New().String()[:8]
}
