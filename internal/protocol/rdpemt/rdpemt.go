// Package rdpemt implements the PDU codecs of the RDP multitransport
// extension (MS-RDPEMT): the Initiate Multitransport Request/Response pair
// exchanged on the main channel, and the tunnel create/data PDUs exchanged
// over an established UDP tunnel.
package rdpemt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	// Requested protocol flags of the Initiate Multitransport Request.
	ProtocolUDPReliable uint16 = 0x0001
	ProtocolUDPLossy    uint16 = 0x0002

	// HRESULT codes of the Initiate Multitransport Response.
	HResultOK       uint32 = 0x00000000
	HResultOutOfMem uint32 = 0x80000002
	HResultNotFound uint32 = 0x80000006
	HResultAbort    uint32 = 0x80004004

	// Tunnel PDU actions, low nibble of the tunnel header's first byte.
	ActionCreateRequest  uint8 = 0x0
	ActionCreateResponse uint8 = 0x1
	ActionData           uint8 = 0x2

	// CookieLen is the length of the security cookie binding a tunnel to
	// its request.
	CookieLen = 16

	requestLen        = 24 // id(4) + protocol(2) + reserved(2) + cookie(16)
	responseLen       = 8  // id(4) + hresult(4)
	tunnelHeaderLen   = 4  // action/flags(1) + payload length(2) + header length(1)
	createRequestLen  = 24 // id(4) + reserved(4) + cookie(16)
	createResponseLen = 4  // hresult(4)
)

var (
	ErrTruncated = errors.New("rdpemt: truncated PDU")
	ErrBadAction = errors.New("rdpemt: unexpected tunnel action")
)

// Request is the Server Initiate Multitransport Request PDU: the server
// asking the client to move traffic onto a UDP side channel. All multi-byte
// fields are little-endian on the wire.
type Request struct {
	RequestID uint32
	Protocol  uint16
	Cookie    [CookieLen]byte
}

// DecodeRequest parses a Request from data.
func DecodeRequest(data []byte) (*Request, error) {
	if len(data) < requestLen {
		return nil, fmt.Errorf("%w: request needs %d bytes, got %d", ErrTruncated, requestLen, len(data))
	}

	r := &Request{
		RequestID: binary.LittleEndian.Uint32(data[0:4]),
		Protocol:  binary.LittleEndian.Uint16(data[4:6]),
	}
	copy(r.Cookie[:], data[8:24])
	return r, nil
}

// Encode serializes the request. The reserved field is always zero.
func (r *Request) Encode() []byte {
	buf := make([]byte, requestLen)
	binary.LittleEndian.PutUint32(buf[0:4], r.RequestID)
	binary.LittleEndian.PutUint16(buf[4:6], r.Protocol)
	copy(buf[8:24], r.Cookie[:])
	return buf
}

// Reliable reports whether the server asked for the reliable (RDP-UDP-R)
// transport.
func (r *Request) Reliable() bool { return r.Protocol&ProtocolUDPReliable != 0 }

// Lossy reports whether the server asked for the lossy (RDP-UDP-L)
// transport.
func (r *Request) Lossy() bool { return r.Protocol&ProtocolUDPLossy != 0 }

// Response is the Client Initiate Multitransport Response PDU.
type Response struct {
	RequestID uint32
	HResult   uint32
}

// DecodeResponse parses a Response from data.
func DecodeResponse(data []byte) (*Response, error) {
	if len(data) < responseLen {
		return nil, fmt.Errorf("%w: response needs %d bytes, got %d", ErrTruncated, responseLen, len(data))
	}

	return &Response{
		RequestID: binary.LittleEndian.Uint32(data[0:4]),
		HResult:   binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

// Encode serializes the response.
func (r *Response) Encode() []byte {
	buf := make([]byte, responseLen)
	binary.LittleEndian.PutUint32(buf[0:4], r.RequestID)
	binary.LittleEndian.PutUint32(buf[4:8], r.HResult)
	return buf
}

// OK reports whether the response accepts the request.
func (r *Response) OK() bool { return r.HResult == HResultOK }

// Accept builds a response accepting a multitransport request.
func Accept(requestID uint32) *Response {
	return &Response{RequestID: requestID, HResult: HResultOK}
}

// Decline builds a response declining a multitransport request with E_ABORT.
func Decline(requestID uint32) *Response {
	return &Response{RequestID: requestID, HResult: HResultAbort}
}

// EncodeTunnelPDU wraps payload in an RDP_TUNNEL_HEADER carrying action.
func EncodeTunnelPDU(action uint8, payload []byte) []byte {
	buf := make([]byte, tunnelHeaderLen+len(payload))
	buf[0] = action & 0x0f
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(payload)))
	buf[3] = tunnelHeaderLen
	copy(buf[tunnelHeaderLen:], payload)
	return buf
}

// DecodeTunnelPDU splits a tunnel PDU into its action and payload, skipping
// any optional sub-headers the peer attached.
func DecodeTunnelPDU(data []byte) (action uint8, payload []byte, err error) {
	if len(data) < tunnelHeaderLen {
		return 0, nil, fmt.Errorf("%w: tunnel header needs %d bytes, got %d", ErrTruncated, tunnelHeaderLen, len(data))
	}

	action = data[0] & 0x0f
	payloadLen := int(binary.LittleEndian.Uint16(data[1:3]))
	headerLen := int(data[3])
	if headerLen < tunnelHeaderLen {
		headerLen = tunnelHeaderLen
	}

	if len(data) < headerLen+payloadLen {
		return 0, nil, fmt.Errorf("%w: tunnel payload needs %d bytes, got %d", ErrTruncated, headerLen+payloadLen, len(data))
	}

	return action, data[headerLen : headerLen+payloadLen], nil
}

// TunnelCreateRequest is the RDP_TUNNEL_CREATEREQUEST payload, sent by the
// client as the first PDU on a freshly secured tunnel to bind it to the
// multitransport request it answers.
type TunnelCreateRequest struct {
	RequestID uint32
	Cookie    [CookieLen]byte
}

// Encode serializes the create request, tunnel header included.
func (r *TunnelCreateRequest) Encode() []byte {
	payload := make([]byte, createRequestLen)
	binary.LittleEndian.PutUint32(payload[0:4], r.RequestID)
	copy(payload[8:24], r.Cookie[:])
	return EncodeTunnelPDU(ActionCreateRequest, payload)
}

// DecodeTunnelCreateRequest parses a create request from a tunnel PDU's
// payload.
func DecodeTunnelCreateRequest(payload []byte) (*TunnelCreateRequest, error) {
	if len(payload) < createRequestLen {
		return nil, fmt.Errorf("%w: create request needs %d bytes, got %d", ErrTruncated, createRequestLen, len(payload))
	}

	r := &TunnelCreateRequest{
		RequestID: binary.LittleEndian.Uint32(payload[0:4]),
	}
	copy(r.Cookie[:], payload[8:24])
	return r, nil
}

// TunnelCreateResponse is the RDP_TUNNEL_CREATERESPONSE payload.
type TunnelCreateResponse struct {
	HResult uint32
}

// Encode serializes the create response, tunnel header included.
func (r *TunnelCreateResponse) Encode() []byte {
	payload := make([]byte, createResponseLen)
	binary.LittleEndian.PutUint32(payload, r.HResult)
	return EncodeTunnelPDU(ActionCreateResponse, payload)
}

// DecodeTunnelCreateResponse parses a create response from a tunnel PDU's
// payload.
func DecodeTunnelCreateResponse(payload []byte) (*TunnelCreateResponse, error) {
	if len(payload) < createResponseLen {
		return nil, fmt.Errorf("%w: create response needs %d bytes, got %d", ErrTruncated, createResponseLen, len(payload))
	}

	return &TunnelCreateResponse{HResult: binary.LittleEndian.Uint32(payload[0:4])}, nil
}

// OK reports whether the server accepted the tunnel.
func (r *TunnelCreateResponse) OK() bool { return r.HResult == HResultOK }

// ProtocolString renders protocol flags for logging.
func ProtocolString(proto uint16) string {
	var parts []string
	if proto&ProtocolUDPReliable != 0 {
		parts = append(parts, "udp-reliable")
	}
	if proto&ProtocolUDPLossy != 0 {
		parts = append(parts, "udp-lossy")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// HResultString renders a response code for logging.
func HResultString(hr uint32) string {
	switch hr {
	case HResultOK:
		return "S_OK"
	case HResultOutOfMem:
		return "E_OUTOFMEMORY"
	case HResultNotFound:
		return "E_NOTFOUND"
	case HResultAbort:
		return "E_ABORT"
	default:
		return fmt.Sprintf("0x%08x", hr)
	}
}
