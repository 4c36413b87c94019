package sipstack

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// authorize answers a 401/407 challenge on req in place: the Via is dropped
// so the retry gets a new branch, the CSeq is bumped and the credentials
// header is (re)placed.
func authorize(req *sip.Request, resp *sip.Response, username, password string) error {
	challengeName, credName := "WWW-Authenticate", "Authorization"
	if resp.StatusCode == sip.StatusProxyAuthRequired {
		challengeName, credName = "Proxy-Authenticate", "Proxy-Authorization"
	}
	if username == "" || password == "" {
		return errors.New("server requires authentication but no credentials are configured")
	}
	hdr := resp.GetHeader(challengeName)
	if hdr == nil {
		return fmt.Errorf("%d without %s header", resp.StatusCode, challengeName)
	}
	challenge, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return fmt.Errorf("invalid challenge %q: %w", hdr.Value(), err)
	}
	cred, err := digest.Digest(challenge, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: password,
	})
	if err != nil {
		return fmt.Errorf("compute digest: %w", err)
	}

	req.RemoveHeader("Via")
	req.RemoveHeader(credName)
	if cseq := req.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	req.AppendHeader(sip.NewHeader(credName, cred.String()))
	return nil
}

func isChallenge(resp *sip.Response) bool {
	return resp.StatusCode == sip.StatusUnauthorized || resp.StatusCode == sip.StatusProxyAuthRequired
}
