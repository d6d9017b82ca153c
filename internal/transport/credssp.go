package transport

import (
	"fmt"
	"strings"

	"github.com/tomatome/grdp/protocol/nla"
)

// credsspClient drives the client side of the CredSSP/NTLMv2 exchange over a
// transport that has already been upgraded to TLS. While active it holds a
// back-reference to the transport but does not own it: every TSRequest PDU
// it sends and receives flows through Write and ReadOne, so CredSSP traffic
// passes the same framing recognizer as everything else.
type credsspClient struct {
	t    *Transport
	ntlm *nla.NTLMv2
}

func newCredSSPClient(t *Transport, settings Settings) *credsspClient {
	domain, user := splitDomainUser(settings.Domain, settings.Username)

	return &credsspClient{
		t:    t,
		ntlm: nla.NewNTLMv2(domain, user, settings.Password),
	}
}

// runCredSSPClient constructs a CredSSP authenticator, runs it to
// completion, and releases it. Called by UpgradeToNla after the TLS
// handshake; a returned error is fatal to the connection.
func runCredSSPClient(t *Transport, settings Settings) error {
	return newCredSSPClient(t, settings).authenticate()
}

// authenticate performs the three-message CredSSP exchange: NTLM negotiate,
// challenge/authenticate with the TLS channel's public key bound in, and
// finally the encrypted credential delegation.
func (c *credsspClient) authenticate() error {
	negoMsg := c.ntlm.GetNegotiateMessage()
	tsReq := nla.EncodeDERTRequest([]nla.Message{negoMsg}, nil, nil)
	if _, err := c.t.Write(tsReq); err != nil {
		return fmt.Errorf("credssp: sending negotiate message: %w", err)
	}

	resp, err := c.t.ReadOne()
	if err != nil {
		return fmt.Errorf("credssp: reading challenge: %w", err)
	}

	tsResp, err := nla.DecodeDERTRequest(resp)
	if err != nil {
		return fmt.Errorf("credssp: decoding challenge: %w", err)
	}

	if len(tsResp.NegoTokens) == 0 {
		return fmt.Errorf("credssp: no challenge token received from server")
	}

	authMsg, ntlmSec := c.ntlm.GetAuthenticateMessage(tsResp.NegoTokens[0].Data)
	if authMsg == nil || ntlmSec == nil {
		return fmt.Errorf("credssp: failed to generate authenticate message")
	}

	pubKey, err := c.t.tls.peerPublicKey()
	if err != nil {
		return fmt.Errorf("credssp: extracting TLS public key: %w", err)
	}

	encryptedPubKey := ntlmSec.GssEncrypt(pubKey)
	tsReq = nla.EncodeDERTRequest([]nla.Message{authMsg}, nil, encryptedPubKey)
	if _, err = c.t.Write(tsReq); err != nil {
		return fmt.Errorf("credssp: sending authenticate message: %w", err)
	}

	// The server proves possession of the TLS channel by echoing the public
	// key (incremented) under GSS encryption.
	resp, err = c.t.ReadOne()
	if err != nil {
		return fmt.Errorf("credssp: reading public key verification: %w", err)
	}

	if _, err = nla.DecodeDERTRequest(resp); err != nil {
		return fmt.Errorf("credssp: decoding public key verification: %w", err)
	}

	domainBytes, userBytes, passBytes := c.ntlm.GetEncodedCredentials()
	credentials := nla.EncodeDERTCredentials(domainBytes, userBytes, passBytes)
	tsReq = nla.EncodeDERTRequest(nil, ntlmSec.GssEncrypt(credentials), nil)
	if _, err = c.t.Write(tsReq); err != nil {
		return fmt.Errorf("credssp: sending credentials: %w", err)
	}

	return nil
}

// runCredSSPServer would accept an NLA client on a server-side transport.
// The NTLMv2 backend only implements the client role, so AcceptNla with
// authentication enabled reports failure instead of silently skipping the
// exchange.
func runCredSSPServer(t *Transport, settings Settings) error {
	return fmt.Errorf("credssp: server-side authentication is not supported")
}

// splitDomainUser resolves DOMAIN\user and user@domain forms, falling back
// to the separately configured domain when the username carries none.
func splitDomainUser(domain, username string) (string, string) {
	if idx := strings.Index(username, "\\"); idx != -1 {
		return username[:idx], username[idx+1:]
	}

	if idx := strings.Index(username, "@"); idx != -1 {
		return username[idx+1:], username[:idx]
	}

	return domain, username
}
