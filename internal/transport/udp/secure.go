package udp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pion/dtls/v2"

	itls "github.com/icodeface/tls"

	"github.com/kulaginds/rdp-transport/internal/protocol/rdpemt"
)

// SecureConn wraps an established RDPEUDP connection in the security layer
// MS-RDPEMT calls for — TLS for the reliable transport, DTLS for the lossy
// one — and runs the tunnel create exchange binding the tunnel to its
// multitransport request. Tunnel PDU framing differs by mode: over TLS the
// PDUs arrive on a byte stream and are reassembled from their headers, over
// DTLS each datagram carries exactly one PDU.
type SecureConn struct {
	udp      *Conn
	sec      net.Conn
	reliable bool
	readBuf  []byte
	leftover []byte
}

// secure runs the TLS or DTLS handshake over an established connection.
func secure(ctx context.Context, udpConn *Conn, reliable bool, serverName string) (*SecureConn, error) {
	if serverName == "" {
		serverName = "rdp-server"
	}

	sc := &SecureConn{
		udp:      udpConn,
		reliable: reliable,
		readBuf:  make([]byte, maxDatagram),
	}

	deadline := time.Now().Add(defaultConnectTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	if reliable {
		// The tunnel certificate is the same one the main TLS layer already
		// verified (or was told to skip); re-verification here would need
		// the session's trust decision plumbed through for no gain.
		cfg := &itls.Config{
			InsecureSkipVerify: true,
			ServerName:         serverName,
			MinVersion:         itls.VersionTLS10,
			MaxVersion:         itls.VersionTLS12,
		}

		_ = udpConn.SetDeadline(deadline)
		defer udpConn.SetDeadline(time.Time{}) //nolint:errcheck

		conn := itls.Client(udpConn, cfg)
		if err := conn.Handshake(); err != nil {
			return nil, fmt.Errorf("udp: tunnel TLS handshake: %w", err)
		}
		sc.sec = conn
		return sc, nil
	}

	cfg := &dtls.Config{
		InsecureSkipVerify: true,
		ServerName:         serverName,
	}

	conn, err := dtls.ClientWithContext(ctx, udpConn, cfg)
	if err != nil {
		return nil, fmt.Errorf("udp: tunnel DTLS handshake: %w", err)
	}
	sc.sec = conn
	return sc, nil
}

// createTunnel sends the tunnel create request and checks the server's
// answer. Must be the first exchange after the security handshake.
func (sc *SecureConn) createTunnel(ctx context.Context, requestID uint32, cookie [rdpemt.CookieLen]byte) error {
	deadline := time.Now().Add(defaultConnectTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = sc.sec.SetDeadline(deadline)
	defer sc.sec.SetDeadline(time.Time{}) //nolint:errcheck

	req := &rdpemt.TunnelCreateRequest{RequestID: requestID, Cookie: cookie}
	if _, err := sc.sec.Write(req.Encode()); err != nil {
		return fmt.Errorf("udp: sending tunnel create request: %w", err)
	}

	action, payload, err := sc.readPDU()
	if err != nil {
		return fmt.Errorf("udp: reading tunnel create response: %w", err)
	}
	if action != rdpemt.ActionCreateResponse {
		return fmt.Errorf("%w: got action %d awaiting create response", rdpemt.ErrBadAction, action)
	}

	resp, err := rdpemt.DecodeTunnelCreateResponse(payload)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("udp: server rejected tunnel %d: %s", requestID, rdpemt.HResultString(resp.HResult))
	}
	return nil
}

// readPDU returns the next tunnel PDU's action and payload.
func (sc *SecureConn) readPDU() (uint8, []byte, error) {
	if !sc.reliable {
		n, err := sc.sec.Read(sc.readBuf)
		if err != nil {
			return 0, nil, err
		}
		return rdpemt.DecodeTunnelPDU(sc.readBuf[:n])
	}

	// Stream mode: the header's length fields say how far this PDU extends.
	header := sc.readBuf[:4]
	if _, err := io.ReadFull(sc.sec, header); err != nil {
		return 0, nil, err
	}

	payloadLen := int(binary.LittleEndian.Uint16(header[1:3]))
	headerLen := int(header[3])
	if headerLen < 4 {
		headerLen = 4
	}

	total := headerLen + payloadLen
	if total > len(sc.readBuf) {
		grown := make([]byte, total)
		copy(grown, header)
		sc.readBuf = grown
	}
	if _, err := io.ReadFull(sc.sec, sc.readBuf[4:total]); err != nil {
		return 0, nil, err
	}

	return rdpemt.DecodeTunnelPDU(sc.readBuf[:total])
}

// Read returns the payload of the next data PDU on the tunnel.
func (sc *SecureConn) Read(b []byte) (int, error) {
	if len(sc.leftover) > 0 {
		n := copy(b, sc.leftover)
		sc.leftover = sc.leftover[n:]
		return n, nil
	}

	for {
		action, payload, err := sc.readPDU()
		if err != nil {
			return 0, err
		}
		if action != rdpemt.ActionData {
			continue
		}

		n := copy(b, payload)
		if n < len(payload) && sc.reliable {
			sc.leftover = append([]byte(nil), payload[n:]...)
		}
		return n, nil
	}
}

// Write wraps b in a data PDU and sends it.
func (sc *SecureConn) Write(b []byte) (int, error) {
	if _, err := sc.sec.Write(rdpemt.EncodeTunnelPDU(rdpemt.ActionData, b)); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close shuts the security layer and the connection under it. Conn.Close
// is idempotent, so closing both is safe whether or not the security layer
// already closed its transport.
func (sc *SecureConn) Close() error {
	var err error
	if sc.sec != nil {
		err = sc.sec.Close()
	}
	if cerr := sc.udp.Close(); err == nil {
		err = cerr
	}
	return err
}

func (sc *SecureConn) LocalAddr() net.Addr  { return sc.udp.LocalAddr() }
func (sc *SecureConn) RemoteAddr() net.Addr { return sc.udp.RemoteAddr() }

// SocketFd returns the descriptor of the underlying UDP socket, or -1.
func (sc *SecureConn) SocketFd() int {
	return sc.udp.SocketFd()
}
