package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/kulaginds/rdp-transport/internal/logging"
)

const (
	// bufferSize is the initial allocation for the scratch and receive
	// buffers, matching the 16 KiB the original transport allocates.
	bufferSize = 16384

	// dispatchHeadroom is how far ahead of the current position the receive
	// buffer is grown before each CheckReadiness read, so each read has at
	// least 32 KiB to fill; a larger PDU accumulates over several calls.
	dispatchHeadroom = 32 * 1024

	// usleepInterval is the idle back-off used when a blocking read or write
	// returns zero and readiness polling is unavailable.
	usleepInterval = 100 * time.Microsecond
)

// Callback is invoked by CheckReadiness once a complete PDU has been
// assembled. buf holds exactly that PDU, starting at offset 0. Returning an
// error causes CheckReadiness to report failure to its caller; the callback
// must not call CheckReadiness on the same Transport.
type Callback func(t *Transport, buf []byte) error

// Transport multiplexes TPKT, Fast-Path, and TSRequest framing over a single
// TCP or TLS byte stream, delivering whole PDUs to an upper layer either
// synchronously (ReadOne, during handshake) or via a non-blocking
// readiness-polled dispatch loop (CheckReadiness, during the session).
//
// A Transport is not safe for concurrent use: it is driven from one
// goroutine that alternates between its own event loop and CheckReadiness.
type Transport struct {
	layer Layer
	tcp   *tcpEndpoint
	tls   *tlsEndpoint

	settings Settings
	log      *logging.Logger

	blocking bool

	recvBuf    *recvBuffer
	recvStream []byte
	sendStream []byte

	callback Callback
	level    int

	mt *MultitransportHandler
}

// New allocates a Transport with settings borrowed for its whole lifetime.
// It does not connect; call ConnectTcp or Attach next.
func New(settings Settings) *Transport {
	return &Transport{
		layer:      LayerTCP,
		settings:   settings,
		log:        logging.Default(),
		blocking:   true,
		recvBuf:    newRecvBuffer(bufferSize),
		recvStream: make([]byte, bufferSize),
		sendStream: make([]byte, bufferSize),
	}
}

// SetLogger overrides the default package logger used for protocol-error and
// debug hex-dump output.
func (t *Transport) SetLogger(l *logging.Logger) {
	t.log = l
}

// SetCallback registers the upper-layer handler driven by CheckReadiness.
func (t *Transport) SetCallback(cb Callback) {
	t.callback = cb
}

// ConnectTcp dials host:port and makes the resulting connection the active
// TCP layer.
func (t *Transport) ConnectTcp(ctx context.Context, host string, port int) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("transport: connecting to %s:%d: %w", host, port, err)
	}

	t.tcp = newTCPEndpoint(conn)
	t.tcp.setBlockingMode(t.blocking)
	t.layer = LayerTCP
	return nil
}

// Attach adopts an already-connected net.Conn without dialing, for
// server-side use where the listener has already accepted the socket.
func (t *Transport) Attach(conn net.Conn) {
	t.tcp = newTCPEndpoint(conn)
	t.tcp.setBlockingMode(t.blocking)
	t.layer = LayerTCP
}

// UpgradeToTls performs the TLS handshake in place over the active TCP
// socket and, on success, makes TLS the active layer. On failure layer is
// left unchanged, matching the original's "fails cleanly without touching
// the layer tag" contract.
func (t *Transport) UpgradeToTls() error {
	if t.tcp == nil {
		return fmt.Errorf("transport: UpgradeToTls called before ConnectTcp/Attach")
	}

	ep, err := dialTLS(t.tcp.conn, t.settings)
	if err != nil {
		return err
	}

	ep.setBlockingMode(t.blocking)
	t.tls = ep
	t.layer = LayerTLS
	return nil
}

// AcceptTls is the server-side mirror of UpgradeToTls, loading the
// certificate pair from settings.CertFile/PrivateKeyFile.
func (t *Transport) AcceptTls() error {
	if t.tcp == nil {
		return fmt.Errorf("transport: AcceptTls called before Attach")
	}

	ep, err := acceptTLS(t.tcp.conn, t.settings)
	if err != nil {
		return err
	}

	ep.setBlockingMode(t.blocking)
	t.tls = ep
	t.layer = LayerTLS
	return nil
}

// UpgradeToNla performs UpgradeToTls, then, if settings.Authentication is
// set, runs CredSSP to completion over the now-TLS connection. Authentication
// failure is fatal: it is returned wrapped in ErrAuth and the caller is
// expected to disconnect.
func (t *Transport) UpgradeToNla() error {
	if err := t.UpgradeToTls(); err != nil {
		return err
	}

	if !t.settings.Authentication {
		return nil
	}

	if err := runCredSSPClient(t, t.settings); err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return nil
}

// AcceptNla is the server-side mirror of UpgradeToNla.
func (t *Transport) AcceptNla() error {
	if err := t.AcceptTls(); err != nil {
		return err
	}

	if !t.settings.Authentication {
		return nil
	}

	if err := runCredSSPServer(t, t.settings); err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return nil
}

// ConnectRdp and AcceptRdp are no-op stubs for legacy RDP Standard Security
// (no TLS, no NLA), mirroring the original transport's empty functions for
// that encryption level.
func (t *Transport) ConnectRdp() error { return nil }
func (t *Transport) AcceptRdp() error  { return nil }

// activeEndpoint returns the endpoint that currently owns I/O, or nil when
// the transport is closed.
func (t *Transport) activeEndpoint() endpoint {
	switch t.layer {
	case LayerTLS:
		if t.tls == nil {
			return nil
		}
		return t.tls
	case LayerTCP:
		if t.tcp == nil {
			return nil
		}
		return t.tcp
	default:
		return nil
	}
}

// Disconnect closes the TLS session (if active) and then the TCP endpoint.
func (t *Transport) Disconnect() error {
	var tlsErr, tcpErr error

	if t.layer == LayerTLS && t.tls != nil {
		tlsErr = t.tls.close()
	}
	if t.tcp != nil {
		tcpErr = t.tcp.close()
	}

	t.layer = LayerClosed

	if tlsErr != nil {
		return fmt.Errorf("transport: closing TLS layer: %w", tlsErr)
	}
	if tcpErr != nil {
		return fmt.Errorf("transport: closing TCP layer: %w", tcpErr)
	}
	return nil
}

// Free releases the transport's buffers and closes its endpoints. Safe to
// call on a nil Transport.
func (t *Transport) Free() error {
	if t == nil {
		return nil
	}

	t.recvBuf = nil
	t.recvStream = nil
	t.sendStream = nil

	return t.Disconnect()
}

// SetBlockingMode updates the transport's mode flag and propagates it to
// whichever endpoint is currently active.
func (t *Transport) SetBlockingMode(blocking bool) {
	t.blocking = blocking
	if t.tcp != nil {
		t.tcp.setBlockingMode(blocking)
	}
	if t.tls != nil {
		t.tls.setBlockingMode(blocking)
	}
}

// GetReadFds appends the active socket descriptor to out, for use with a
// caller-driven unified readiness poll. When multitransport is attached and
// a UDP tunnel has been established, the tunnel's descriptor is appended
// after the primary socket.
func (t *Transport) GetReadFds(out []int) []int {
	ep := t.activeEndpoint()
	if ep == nil {
		return out
	}
	out = append(out, ep.fd())

	if t.mt != nil {
		out = t.mt.appendReadFds(out)
	}
	return out
}

// Multitransport returns the transport's MS-RDPEMT handler, creating it on
// first use. The handler answers multitransport requests through this
// transport's write path.
func (t *Transport) Multitransport() *MultitransportHandler {
	if t.mt == nil {
		t.mt = NewMultitransportHandler(t)
	}
	return t.mt
}

// Layer reports the transport's current active layer.
func (t *Transport) Layer() Layer {
	return t.layer
}
